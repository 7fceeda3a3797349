package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/swarmflow/swarmflow/types"
)

func newTestRecovery() *RecoveryManager {
	return NewRecoveryManager(RecoveryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}, zap.NewNop())
}

func TestDecideRetriesUntilLimit(t *testing.T) {
	m := newTestRecovery()
	limit := 2
	def := &StepDefinition{ID: "s", RetryLimit: &limit}
	cause := types.NewError(types.ErrExecution, "boom")

	// Attempts 1 and 2 retry; a step with retry_limit 2 runs 3 times total.
	for attempt := 1; attempt <= limit; attempt++ {
		d := m.Decide(def, &StepState{ID: "s", Attempt: attempt}, cause)
		assert.Equal(t, ActionRetry, d.Action, "attempt %d", attempt)
		assert.Greater(t, d.Delay, time.Duration(0))
	}

	d := m.Decide(def, &StepState{ID: "s", Attempt: limit + 1}, cause)
	assert.Equal(t, ActionFail, d.Action)
	assert.True(t, d.Critical)
}

func TestDecideFallbackAfterRetries(t *testing.T) {
	m := newTestRecovery()
	limit := 1
	def := &StepDefinition{ID: "s", RetryLimit: &limit, FallbackAgent: "backup"}
	cause := types.NewError(types.ErrTimeout, "slow")

	d := m.Decide(def, &StepState{ID: "s", Attempt: 2}, cause)
	assert.Equal(t, ActionFallback, d.Action)

	// The fallback gets exactly one attempt: once FallbackUsed is set there
	// are no retries and no second fallback.
	d = m.Decide(def, &StepState{ID: "s", Attempt: 1, FallbackUsed: true}, cause)
	assert.Equal(t, ActionFail, d.Action)
}

func TestDecideOptionalSkips(t *testing.T) {
	m := newTestRecovery()
	zero := 0
	def := &StepDefinition{ID: "s", RetryLimit: &zero, Optional: true}
	cause := types.NewError(types.ErrExecution, "boom")

	d := m.Decide(def, &StepState{ID: "s", Attempt: 1}, cause)
	assert.Equal(t, ActionSkip, d.Action)
}

func TestDecideFallbackBeforeOptionalSkip(t *testing.T) {
	m := newTestRecovery()
	zero := 0
	def := &StepDefinition{ID: "s", RetryLimit: &zero, Optional: true, FallbackAgent: "backup"}
	cause := types.NewError(types.ErrExecution, "boom")

	d := m.Decide(def, &StepState{ID: "s", Attempt: 1}, cause)
	assert.Equal(t, ActionFallback, d.Action)

	d = m.Decide(def, &StepState{ID: "s", Attempt: 1, FallbackUsed: true}, cause)
	assert.Equal(t, ActionSkip, d.Action)
}

func TestDecideNonCriticalFailure(t *testing.T) {
	m := newTestRecovery()
	zero := 0
	no := false
	def := &StepDefinition{ID: "s", RetryLimit: &zero, Critical: &no}
	cause := types.NewError(types.ErrExecution, "boom")

	d := m.Decide(def, &StepState{ID: "s", Attempt: 1}, cause)
	assert.Equal(t, ActionFail, d.Action)
	assert.False(t, d.Critical)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	m := newTestRecovery()

	assert.Equal(t, 100*time.Millisecond, m.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, m.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, m.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, m.Backoff(4))
	assert.Equal(t, time.Second, m.Backoff(5))
	assert.Equal(t, time.Second, m.Backoff(20))
	assert.Equal(t, 100*time.Millisecond, m.Backoff(0))
}

func TestRecoveryActionString(t *testing.T) {
	assert.Equal(t, "retry", ActionRetry.String())
	assert.Equal(t, "fallback", ActionFallback.String())
	assert.Equal(t, "skip", ActionSkip.String())
	assert.Equal(t, "fail", ActionFail.String())
}
