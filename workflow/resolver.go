package workflow

import (
	"github.com/swarmflow/swarmflow/types"
)

// Resolver computes step eligibility from the current state map. It is a
// pure function of instance state and performs no I/O; the scheduler applies
// the transitions it reports.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// depSatisfied reports whether a dependency counts as met: completed, or
// skipped in a way that satisfies dependents (optional skip, condition-false
// skip).
func depSatisfied(s *StepState) bool {
	return s.Status == StepCompleted || (s.Status == StepSkipped && s.SkipSatisfied)
}

// depBlocked reports whether a dependency can never be met.
func depBlocked(s *StepState) bool {
	return s.Status == StepFailed || (s.Status == StepSkipped && !s.SkipSatisfied)
}

// Eligible returns the pending steps whose dependencies are all satisfied
// and whose condition evaluates true, in declaration order.
func (r *Resolver) Eligible(wi *WorkflowInstance) []string {
	var eligible []string
	outputs := wi.completedOutputs()

	for _, id := range wi.graph.order {
		state := wi.Steps[id]
		if state.Status != StepPending {
			continue
		}
		if !r.depsSatisfied(wi, id) {
			continue
		}
		def, _ := wi.Definition.Step(id)
		if def.Condition != "" {
			// Syntax was checked at validation; an evaluation error here
			// means the outputs cannot satisfy the expression.
			ok, err := EvalCondition(def.Condition, outputs)
			if err != nil || !ok {
				continue
			}
		}
		eligible = append(eligible, id)
	}
	return eligible
}

// ConditionSkips returns pending steps whose dependencies are all satisfied
// but whose condition evaluated false and can no longer change, because
// every step the expression references is terminal. Such a step is skipped
// (satisfying dependents, like an untaken conditional branch) instead of
// staying pending forever.
func (r *Resolver) ConditionSkips(wi *WorkflowInstance) []string {
	var skips []string
	outputs := wi.completedOutputs()

	for _, id := range wi.graph.order {
		state := wi.Steps[id]
		if state.Status != StepPending {
			continue
		}
		def, _ := wi.Definition.Step(id)
		if def.Condition == "" || !r.depsSatisfied(wi, id) {
			continue
		}
		if !r.refsTerminal(wi, def.Condition) {
			continue
		}
		ok, err := EvalCondition(def.Condition, outputs)
		if err != nil || !ok {
			skips = append(skips, id)
		}
	}
	return skips
}

func (r *Resolver) refsTerminal(wi *WorkflowInstance, condition string) bool {
	for _, ref := range conditionStepRefs(condition) {
		if state, ok := wi.Steps[ref]; ok && !state.Status.Terminal() {
			return false
		}
	}
	return true
}

func (r *Resolver) depsSatisfied(wi *WorkflowInstance, id string) bool {
	for _, dep := range wi.graph.deps[id] {
		if !depSatisfied(wi.Steps[dep]) {
			return false
		}
	}
	return true
}

// CascadeSkip describes a step to skip because a dependency failed or was
// itself cascade-skipped.
type CascadeSkip struct {
	StepID string
	// Cause is the blocking dependency.
	Cause string
}

// CascadeSkips returns the non-terminal, not-running steps that are
// transitively blocked by a failed or cascade-skipped dependency. The walk
// iterates to a fixpoint so skips propagate along the graph regardless of
// declaration order, preventing livelock.
func (r *Resolver) CascadeSkips(wi *WorkflowInstance) []CascadeSkip {
	var skips []CascadeSkip
	skipped := make(map[string]bool)

	for changed := true; changed; {
		changed = false
		for _, id := range wi.graph.order {
			state := wi.Steps[id]
			if skipped[id] || state.Status.Terminal() || state.Status == StepRunning {
				continue
			}
			for _, dep := range wi.graph.deps[id] {
				if skipped[dep] || depBlocked(wi.Steps[dep]) {
					skips = append(skips, CascadeSkip{StepID: id, Cause: dep})
					skipped[id] = true
					changed = true
					break
				}
			}
		}
	}
	return skips
}

// dependencyFailedError builds the recorded cause for a cascade skip.
func dependencyFailedError(stepID, cause string) *types.Error {
	return types.Errorf(types.ErrDependencyFailed, "dependency %q did not complete", cause).WithStep(stepID)
}
