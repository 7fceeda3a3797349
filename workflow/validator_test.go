package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmflow/swarmflow/types"
)

func nopHandler(ctx context.Context, params map[string]any, priorOutputs map[string]any) (any, error) {
	return nil, nil
}

func testRegistry(t *testing.T, pairs ...[2]string) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, p := range pairs {
		require.NoError(t, reg.Register(p[0], p[1], HandlerFunc(nopHandler)))
	}
	return reg
}

func validDef() *WorkflowDefinition {
	def := &WorkflowDefinition{
		Name: "w",
		Steps: []StepDefinition{
			{ID: "a", Agent: "worker", Command: "run"},
			{ID: "b", Agent: "worker", Command: "run", Dependencies: []string{"a"}},
		},
	}
	def.ApplyDefaults()
	return def
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(10, time.Hour)
	reg := testRegistry(t, [2]string{"worker", "run"})
	assert.NoError(t, v.Validate(validDef(), reg))
}

func TestValidateRejections(t *testing.T) {
	v := NewValidator(10, time.Hour)
	reg := testRegistry(t, [2]string{"worker", "run"})

	neg := -1
	big := 99

	tests := []struct {
		name    string
		mutate  func(def *WorkflowDefinition)
		wantMsg string
	}{
		{
			"missing name",
			func(d *WorkflowDefinition) { d.Name = "" },
			"name is required",
		},
		{
			"no steps",
			func(d *WorkflowDefinition) { d.Steps = nil },
			"no steps",
		},
		{
			"duplicate ids",
			func(d *WorkflowDefinition) { d.Steps[1].ID = "a" },
			"duplicate step id",
		},
		{
			"unknown dependency",
			func(d *WorkflowDefinition) { d.Steps[1].Dependencies = []string{"ghost"} },
			`unknown dependency "ghost"`,
		},
		{
			"self dependency",
			func(d *WorkflowDefinition) { d.Steps[0].Dependencies = []string{"a"} },
			"depends on itself",
		},
		{
			"unregistered handler",
			func(d *WorkflowDefinition) { d.Steps[0].Agent = "nobody" },
			"no handler registered",
		},
		{
			"unregistered fallback",
			func(d *WorkflowDefinition) { d.Steps[0].FallbackAgent = "nobody" },
			"fallback",
		},
		{
			"negative retry limit",
			func(d *WorkflowDefinition) { d.Steps[0].RetryLimit = &neg },
			"negative retry limit",
		},
		{
			"retry limit over ceiling",
			func(d *WorkflowDefinition) { d.Steps[0].RetryLimit = &big },
			"exceeds ceiling",
		},
		{
			"timeout over ceiling",
			func(d *WorkflowDefinition) { d.Steps[0].Timeout = types.Duration(2 * time.Hour) },
			"exceeds ceiling",
		},
		{
			"bad condition",
			func(d *WorkflowDefinition) { d.Steps[1].Condition = "a >=" },
			"unexpected end",
		},
		{
			"negative max concurrency",
			func(d *WorkflowDefinition) { d.Defaults.MaxConcurrency = -1 },
			"max_concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDef()
			tt.mutate(def)
			err := v.Validate(def, reg)
			require.Error(t, err)
			assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateCollectsAllIssues(t *testing.T) {
	v := NewValidator(10, time.Hour)
	reg := testRegistry(t, [2]string{"worker", "run"})

	def := validDef()
	def.Name = ""
	def.Steps[1].Dependencies = []string{"ghost"}
	def.Steps[1].Condition = "(broken"

	err := v.Validate(def, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "ghost")
	assert.Contains(t, err.Error(), "closing parenthesis")
}

func TestValidateCycleDetection(t *testing.T) {
	v := NewValidator(0, 0)

	tests := []struct {
		name  string
		steps []StepDefinition
		cycle bool
	}{
		{
			"two node cycle",
			[]StepDefinition{
				{ID: "a", Agent: "w", Command: "c", Dependencies: []string{"b"}},
				{ID: "b", Agent: "w", Command: "c", Dependencies: []string{"a"}},
			},
			true,
		},
		{
			"three node cycle behind a chain",
			[]StepDefinition{
				{ID: "entry", Agent: "w", Command: "c"},
				{ID: "a", Agent: "w", Command: "c", Dependencies: []string{"entry", "c"}},
				{ID: "b", Agent: "w", Command: "c", Dependencies: []string{"a"}},
				{ID: "c", Agent: "w", Command: "c", Dependencies: []string{"b"}},
			},
			true,
		},
		{
			"diamond is acyclic",
			[]StepDefinition{
				{ID: "a", Agent: "w", Command: "c"},
				{ID: "b", Agent: "w", Command: "c", Dependencies: []string{"a"}},
				{ID: "c", Agent: "w", Command: "c", Dependencies: []string{"a"}},
				{ID: "d", Agent: "w", Command: "c", Dependencies: []string{"b", "c"}},
			},
			false,
		},
		{
			"shared dependency is acyclic",
			[]StepDefinition{
				{ID: "a", Agent: "w", Command: "c"},
				{ID: "b", Agent: "w", Command: "c", Dependencies: []string{"a"}},
				{ID: "c", Agent: "w", Command: "c", Dependencies: []string{"a", "b"}},
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &WorkflowDefinition{Name: "w", Steps: tt.steps}
			def.ApplyDefaults()
			err := v.Validate(def, nil)
			if tt.cycle {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "dependency cycle")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
