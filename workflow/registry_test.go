package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("builder", "compile", HandlerFunc(nopHandler)))
	require.NoError(t, reg.Register("builder", "package", HandlerFunc(nopHandler)))
	require.NoError(t, reg.Register("tester", "test", HandlerFunc(nopHandler)))

	h, ok := reg.Lookup("builder", "compile")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = reg.Lookup("builder", "test")
	assert.False(t, ok)

	assert.True(t, reg.Registered("tester", "test"))
	assert.False(t, reg.Registered("ghost", "test"))

	assert.ElementsMatch(t, []string{"builder", "tester"}, reg.Agents())
}

func TestRegistryReregisterReplaces(t *testing.T) {
	reg := NewRegistry()

	first := HandlerFunc(func(ctx context.Context, params, prior map[string]any) (any, error) {
		return "first", nil
	})
	second := HandlerFunc(func(ctx context.Context, params, prior map[string]any) (any, error) {
		return "second", nil
	})

	require.NoError(t, reg.Register("a", "b", first))
	require.NoError(t, reg.Register("a", "b", second))

	h, ok := reg.Lookup("a", "b")
	require.True(t, ok)
	out, err := h.Handle(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", out)
}

func TestRegistryRejectsBadBindings(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register("a", "b", nil))
	assert.Error(t, reg.Register("", "b", HandlerFunc(nopHandler)))
	assert.Error(t, reg.Register("a", "", HandlerFunc(nopHandler)))
}
