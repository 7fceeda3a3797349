package workflow

import (
	"time"

	"go.uber.org/zap"

	"github.com/swarmflow/swarmflow/types"
)

// RecoveryAction is the disposition chosen for a failed step attempt.
type RecoveryAction int

const (
	// ActionRetry re-dispatches the same agent after a backoff delay.
	ActionRetry RecoveryAction = iota
	// ActionFallback re-dispatches once against the fallback agent.
	ActionFallback
	// ActionSkip marks an optional step skipped; dependents treat it as
	// satisfied.
	ActionSkip
	// ActionFail marks the step failed; dependents are cascade-skipped and
	// a critical step fails the whole instance.
	ActionFail
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	case ActionSkip:
		return "skip"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// RecoveryDecision carries the chosen action and its parameters.
type RecoveryDecision struct {
	Action RecoveryAction
	// Delay applies to ActionRetry.
	Delay time.Duration
	// Critical applies to ActionFail: whether the instance must abort.
	Critical bool
}

// RecoveryPolicy configures backoff timing.
type RecoveryPolicy struct {
	// BaseDelay seeds the exponential backoff: base * 2^(attempt-1).
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRecoveryPolicy returns the default backoff policy.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
	}
}

// RecoveryManager applies the per-step failure policy. The rule order is
// fixed and deterministic: retry while attempts remain, then fall back once
// if a fallback agent is configured, then skip if the step is optional, else
// fail.
type RecoveryManager struct {
	policy RecoveryPolicy
	logger *zap.Logger
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(policy RecoveryPolicy, logger *zap.Logger) *RecoveryManager {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRecoveryPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRecoveryPolicy().MaxDelay
	}
	return &RecoveryManager{
		policy: policy,
		logger: logger.With(zap.String("component", "recovery")),
	}
}

// Decide picks the disposition for a failed or timed-out attempt.
// state.Attempt counts invocations of the current target agent, so a step
// with retry_limit N is attempted N+1 times before the next rule applies.
// The fallback agent gets exactly one attempt.
func (m *RecoveryManager) Decide(def *StepDefinition, state *StepState, cause *types.Error) RecoveryDecision {
	retryLimit := def.EffectiveRetryLimit()

	retriesLeft := state.Attempt <= retryLimit
	if state.FallbackUsed {
		retriesLeft = false
	}

	switch {
	case retriesLeft:
		delay := m.Backoff(state.Attempt)
		m.logger.Debug("scheduling retry",
			zap.String("step_id", def.ID),
			zap.Int("attempt", state.Attempt),
			zap.Duration("delay", delay),
			zap.String("cause", string(cause.Code)),
		)
		return RecoveryDecision{Action: ActionRetry, Delay: delay}

	case def.FallbackAgent != "" && !state.FallbackUsed:
		m.logger.Info("failing over to fallback agent",
			zap.String("step_id", def.ID),
			zap.String("fallback_agent", def.FallbackAgent),
			zap.Int("attempts", state.TotalAttempts),
		)
		return RecoveryDecision{Action: ActionFallback}

	case def.Optional:
		m.logger.Info("skipping optional step after recovery exhausted",
			zap.String("step_id", def.ID),
			zap.Int("attempts", state.TotalAttempts),
		)
		return RecoveryDecision{Action: ActionSkip}

	default:
		m.logger.Warn("step failed after recovery exhausted",
			zap.String("step_id", def.ID),
			zap.Int("attempts", state.TotalAttempts),
			zap.Bool("critical", def.IsCritical()),
		)
		return RecoveryDecision{Action: ActionFail, Critical: def.IsCritical()}
	}
}

// Backoff computes the delay before retry number attempt+1:
// base * 2^(attempt-1), capped at MaxDelay.
func (m *RecoveryManager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := m.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.policy.MaxDelay {
			return m.policy.MaxDelay
		}
	}
	if delay > m.policy.MaxDelay {
		return m.policy.MaxDelay
	}
	return delay
}
