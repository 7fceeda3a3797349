package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/swarmflow/swarmflow/workflow"
)

// registerBuiltinAgents installs the demo handlers the CLI ships with. They
// are enough to exercise dependencies, conditions, retries, fallbacks, and
// timeouts from plain YAML files.
//
//	agent: echo     command: echo       prints and returns params["message"]
//	agent: shell    command: sleep      sleeps params["duration"] (Go duration string)
//	agent: shell    command: fail       always fails with params["message"]
//	agent: shell    command: flaky      fails until attempt params["succeed_after"]
//	agent: text     command: transform  upper/lower-cases params["input"] or a prior output
func registerBuiltinAgents(engine *workflow.Engine) {
	engine.RegisterFunc("echo", "echo", echoHandler)
	engine.RegisterFunc("shell", "sleep", sleepHandler)
	engine.RegisterFunc("shell", "fail", failHandler)
	engine.RegisterFunc("shell", "flaky", newFlakyHandler())
	engine.RegisterFunc("text", "transform", transformHandler)
	// The fallback twin of "shell": identical commands that always work,
	// for demonstrating fallback_agent.
	engine.RegisterFunc("backup", "fail", echoHandler)
	engine.RegisterFunc("backup", "flaky", echoHandler)
}

func echoHandler(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "ok"
	}
	return map[string]any{"message": msg, "inputs": len(priorOutputs)}, nil
}

func sleepHandler(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error) {
	d := 100 * time.Millisecond
	if raw, ok := params["duration"].(string); ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("bad duration %q: %w", raw, err)
		}
		d = parsed
	}
	select {
	case <-time.After(d):
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failHandler(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "deliberate failure"
	}
	return nil, fmt.Errorf("%s", msg)
}

// newFlakyHandler fails until the attempt named by params["succeed_after"]
// is reached, counting per params["key"] so independent steps do not share
// state.
func newFlakyHandler() workflow.HandlerFunc {
	var mu sync.Mutex
	counts := make(map[string]int)

	return func(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error) {
		key, _ := params["key"].(string)
		after := 2
		if v, ok := params["succeed_after"].(int); ok {
			after = v
		}

		mu.Lock()
		counts[key]++
		n := counts[key]
		mu.Unlock()

		if n < after {
			return nil, fmt.Errorf("flaky: attempt %d of %d", n, after)
		}
		return map[string]any{"attempts": n}, nil
	}
}

func transformHandler(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error) {
	input, _ := params["input"].(string)
	if from, ok := params["from"].(string); ok {
		if prior, ok := priorOutputs[from].(map[string]any); ok {
			if msg, ok := prior["message"].(string); ok {
				input = msg
			}
		}
	}
	if input == "" {
		return nil, fmt.Errorf("transform: no input")
	}

	mode, _ := params["mode"].(string)
	switch mode {
	case "lower":
		return map[string]any{"message": strings.ToLower(input)}, nil
	default:
		return map[string]any{"message": strings.ToUpper(input)}, nil
	}
}
