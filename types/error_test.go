package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	base := errors.New("connection refused")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			"code and message",
			NewError(ErrTimeout, "attempt exceeded deadline"),
			"[TIMEOUT] attempt exceeded deadline",
		},
		{
			"with step",
			NewError(ErrExecution, "handler returned error").WithStep("build"),
			"[EXECUTION_ERROR] step build: handler returned error",
		},
		{
			"with cause",
			NewError(ErrAgentUnavailable, "dial failed").WithCause(base),
			"[AGENT_UNAVAILABLE] dial failed: connection refused",
		},
		{
			"with step and cause",
			NewError(ErrExecution, "boom").WithStep("deploy").WithCause(base),
			"[EXECUTION_ERROR] step deploy: boom: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf(ErrValidation, "step %q: %d issues", "a", 3)
	assert.Equal(t, `[VALIDATION] step "a": 3 issues`, err.Error())
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("root cause")
	err := NewError(ErrExecution, "wrapped").WithCause(base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, base, errors.Unwrap(err))
}

func TestAsError(t *testing.T) {
	inner := NewError(ErrTimeout, "slow")
	wrapped := fmt.Errorf("outer: %w", inner)

	got, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrTimeout, got.Code)

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)

	_, ok = AsError(nil)
	assert.False(t, ok)
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrCancelled, GetErrorCode(NewError(ErrCancelled, "stop")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrTimeout, "slow").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrValidation, "bad")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
