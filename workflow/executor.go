package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmflow/swarmflow/internal/pool"
	"github.com/swarmflow/swarmflow/types"
)

// stepResult reports the outcome of one step attempt back to the scheduler.
type stepResult struct {
	instanceID uuid.UUID
	stepID     string
	agent      string
	command    string
	attempt    int
	output     any
	// err is nil on success; its code distinguishes TIMEOUT,
	// AGENT_UNAVAILABLE, CANCELLED, and EXECUTION_ERROR.
	err        *types.Error
	startedAt  time.Time
	finishedAt time.Time
}

// Executor invokes step handlers on a bounded worker pool, enforcing the
// per-attempt timeout. It performs no retry logic; recovery decisions belong
// to the RecoveryManager.
type Executor struct {
	registry *Registry
	workers  *pool.WorkerPool
	results  chan<- stepResult
	logger   *zap.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// NewExecutor creates an executor delivering results on the given channel.
func NewExecutor(registry *Registry, workers *pool.WorkerPool, results chan<- stepResult, logger *zap.Logger) *Executor {
	return &Executor{
		registry: registry,
		workers:  workers,
		results:  results,
		logger:   logger.With(zap.String("component", "executor")),
		closed:   make(chan struct{}),
	}
}

// Shutdown releases workers blocked on result delivery. Called after the
// scheduler loop has exited and before the worker pool is closed.
func (e *Executor) Shutdown() {
	e.closeOnce.Do(func() { close(e.closed) })
}

// Dispatch launches one attempt of a step. instanceCtx is cancelled when the
// instance is cancelled or the engine shuts down; the attempt additionally
// carries its own timeout. priorOutputs must be a snapshot owned by the
// callee. Returns false when the worker pool rejected the task; the caller
// keeps the step ready and re-offers it later.
func (e *Executor) Dispatch(instanceCtx context.Context, instanceID uuid.UUID, def *StepDefinition, agent string, attempt int, priorOutputs map[string]any) bool {
	res := stepResult{
		instanceID: instanceID,
		stepID:     def.ID,
		agent:      agent,
		command:    def.Command,
		attempt:    attempt,
		startedAt:  time.Now(),
	}

	handler, ok := e.registry.Lookup(agent, def.Command)
	if !ok {
		res.err = types.Errorf(types.ErrAgentUnavailable, "no handler for (%s, %s)", agent, def.Command).
			WithStep(def.ID).WithRetryable(true)
		res.finishedAt = res.startedAt
		// Delivered off the caller's goroutine: Dispatch runs on the
		// scheduler, which is the sole consumer of the results channel.
		go e.deliver(res)
		return true
	}

	timeout := def.Timeout.Std()
	params := def.Parameters

	err := e.workers.Submit(instanceCtx, func(ctx context.Context) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		e.logger.Debug("invoking handler",
			zap.String("instance_id", instanceID.String()),
			zap.String("step_id", def.ID),
			zap.String("agent", agent),
			zap.String("command", def.Command),
			zap.Int("attempt", attempt),
		)

		output, handlerErr := e.invoke(attemptCtx, handler, params, priorOutputs)
		res.finishedAt = time.Now()

		switch {
		case handlerErr == nil:
			res.output = output
		case errors.Is(handlerErr, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded:
			res.err = types.Errorf(types.ErrTimeout, "handler exceeded timeout %s", timeout).
				WithStep(def.ID).WithRetryable(true)
		case errors.Is(handlerErr, context.Canceled) || instanceCtx.Err() != nil:
			res.err = types.NewError(types.ErrCancelled, "attempt cancelled").
				WithStep(def.ID).WithCause(handlerErr)
		default:
			res.err = types.NewError(types.ErrExecution, "handler returned error").
				WithStep(def.ID).WithCause(handlerErr).WithRetryable(true)
		}

		e.deliver(res)
	})
	if err != nil {
		e.logger.Warn("worker pool rejected step attempt",
			zap.String("step_id", def.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// invoke runs the handler, converting panics into errors so a misbehaving
// agent cannot take down the engine.
func (e *Executor) invoke(ctx context.Context, handler Handler, params map[string]any, priorOutputs map[string]any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic", zap.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, params, priorOutputs)
}

// deliver hands the result to the scheduler. The results channel is sized to
// the pool capacity so sends do not normally block; a blocked send here only
// back-pressures the worker, never the scheduler. After shutdown results are
// discarded so Close never deadlocks on parked workers.
func (e *Executor) deliver(res stepResult) {
	select {
	case e.results <- res:
	case <-e.closed:
	}
}
