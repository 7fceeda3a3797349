// Package workflow implements the workflow execution engine: validation of
// dependency-graph definitions, dependency resolution, priority-aware
// admission control, bounded concurrent step execution with timeouts, and a
// deterministic retry/fallback/skip/fail recovery policy.
//
// A single scheduler goroutine owns all mutable instance state; step handlers
// run concurrently on a bounded worker pool and report completions back over
// a channel. External callers interact through the Engine facade:
//
//	eng := workflow.NewEngine(config.DefaultConfig(), logger)
//	eng.Register("builder", "compile", workflow.HandlerFunc(compile))
//	eng.Start()
//	id, err := eng.Submit(ctx, def)
//	snap, err := eng.Wait(ctx, id)
//
// Every step and instance transition is emitted as an ordered Event and fed
// to the Monitor, which maintains metrics and raises threshold alerts without
// influencing scheduling.
package workflow
