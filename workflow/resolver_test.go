package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondInstance(t *testing.T) *WorkflowInstance {
	t.Helper()
	def := &WorkflowDefinition{
		Name: "diamond",
		Steps: []StepDefinition{
			{ID: "a", Agent: "w", Command: "c"},
			{ID: "b", Agent: "w", Command: "c", Dependencies: []string{"a"}},
			{ID: "c", Agent: "w", Command: "c", Dependencies: []string{"a"}},
			{ID: "d", Agent: "w", Command: "c", Dependencies: []string{"b", "c"}},
		},
	}
	def.ApplyDefaults()
	return NewInstance(def)
}

func complete(wi *WorkflowInstance, id string, output any) {
	wi.Steps[id].Status = StepCompleted
	wi.Steps[id].Output = output
}

func TestEligibleRoots(t *testing.T) {
	wi := diamondInstance(t)
	r := NewResolver()

	assert.Equal(t, []string{"a"}, r.Eligible(wi))
}

func TestEligibleAfterCompletion(t *testing.T) {
	wi := diamondInstance(t)
	r := NewResolver()

	complete(wi, "a", nil)
	assert.Equal(t, []string{"b", "c"}, r.Eligible(wi))

	complete(wi, "b", nil)
	assert.Equal(t, []string{"c"}, r.Eligible(wi))

	complete(wi, "c", nil)
	assert.Equal(t, []string{"d"}, r.Eligible(wi))
}

func TestEligibleSkipSatisfiedDependency(t *testing.T) {
	wi := diamondInstance(t)
	r := NewResolver()

	complete(wi, "a", nil)
	complete(wi, "b", nil)
	// An optional skip satisfies dependents just like completion.
	wi.Steps["c"].Status = StepSkipped
	wi.Steps["c"].SkipSatisfied = true

	assert.Equal(t, []string{"d"}, r.Eligible(wi))
}

func TestEligibleBlockedByCascadeSkip(t *testing.T) {
	wi := diamondInstance(t)
	r := NewResolver()

	complete(wi, "a", nil)
	complete(wi, "b", nil)
	wi.Steps["c"].Status = StepSkipped // cascade skip, SkipSatisfied false

	assert.Empty(t, r.Eligible(wi))
}

func TestEligibleConditionGate(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "cond",
		Steps: []StepDefinition{
			{ID: "score", Agent: "w", Command: "c"},
			{ID: "publish", Agent: "w", Command: "c", Dependencies: []string{"score"}, Condition: "score.value >= 10"},
		},
	}
	def.ApplyDefaults()
	wi := NewInstance(def)
	r := NewResolver()

	complete(wi, "score", map[string]any{"value": 5})
	assert.Empty(t, r.Eligible(wi))

	wi.Steps["score"].Output = map[string]any{"value": 15}
	assert.Equal(t, []string{"publish"}, r.Eligible(wi))
}

func TestConditionSkips(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "cond",
		Steps: []StepDefinition{
			{ID: "score", Agent: "w", Command: "c"},
			{ID: "publish", Agent: "w", Command: "c", Dependencies: []string{"score"}, Condition: "score.value >= 10"},
			{ID: "notify", Agent: "w", Command: "c", Dependencies: []string{"publish"}},
		},
	}
	def.ApplyDefaults()
	wi := NewInstance(def)
	r := NewResolver()

	// Condition references only "score", which is terminal: the false result
	// is final and publish is skipped.
	complete(wi, "score", map[string]any{"value": 5})
	assert.Equal(t, []string{"publish"}, r.ConditionSkips(wi))
}

func TestConditionSkipsWaitForReferencedSteps(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "cond",
		Steps: []StepDefinition{
			{ID: "a", Agent: "w", Command: "c"},
			{ID: "b", Agent: "w", Command: "c"},
			// Depends only on a, but watches b's output.
			{ID: "gate", Agent: "w", Command: "c", Dependencies: []string{"a"}, Condition: "b.ok == true"},
		},
	}
	def.ApplyDefaults()
	wi := NewInstance(def)
	r := NewResolver()

	complete(wi, "a", nil)
	wi.Steps["b"].Status = StepRunning
	// b could still produce ok=true; the false condition is not final yet.
	assert.Empty(t, r.ConditionSkips(wi))

	complete(wi, "b", map[string]any{"ok": false})
	assert.Equal(t, []string{"gate"}, r.ConditionSkips(wi))
}

func TestCascadeSkipsPropagate(t *testing.T) {
	wi := diamondInstance(t)
	r := NewResolver()

	complete(wi, "a", nil)
	wi.Steps["b"].Status = StepFailed

	skips := r.CascadeSkips(wi)
	require.Len(t, skips, 1)
	assert.Equal(t, "d", skips[0].StepID)
	assert.Equal(t, "b", skips[0].Cause)
}

func TestCascadeSkipsChain(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "chain",
		Steps: []StepDefinition{
			{ID: "a", Agent: "w", Command: "c"},
			{ID: "b", Agent: "w", Command: "c", Dependencies: []string{"a"}},
			{ID: "c", Agent: "w", Command: "c", Dependencies: []string{"b"}},
			{ID: "d", Agent: "w", Command: "c", Dependencies: []string{"c"}},
		},
	}
	def.ApplyDefaults()
	wi := NewInstance(def)
	r := NewResolver()

	wi.Steps["a"].Status = StepFailed

	skips := r.CascadeSkips(wi)
	ids := make([]string, len(skips))
	for i, s := range skips {
		ids[i] = s.StepID
	}
	assert.ElementsMatch(t, []string{"b", "c", "d"}, ids)
}

func TestCascadeSkipsLeaveRunningSteps(t *testing.T) {
	wi := diamondInstance(t)
	r := NewResolver()

	complete(wi, "a", nil)
	wi.Steps["b"].Status = StepFailed
	wi.Steps["c"].Status = StepRunning

	skips := r.CascadeSkips(wi)
	require.Len(t, skips, 1)
	assert.Equal(t, "d", skips[0].StepID)
}
