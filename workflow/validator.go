package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/swarmflow/swarmflow/types"
)

// Validator checks workflow definitions for structural correctness before
// acceptance. Validation is a pure function over the definition; nothing is
// mutated and no instance is created on failure.
type Validator struct {
	maxRetryLimit int
	maxTimeout    time.Duration
}

// NewValidator creates a validator with the given ceilings. Non-positive
// ceilings disable the corresponding check.
func NewValidator(maxRetryLimit int, maxTimeout time.Duration) *Validator {
	return &Validator{maxRetryLimit: maxRetryLimit, maxTimeout: maxTimeout}
}

// Validate runs all checks in order: unique ids, dependency existence,
// acyclicity, handler registration, and bounds. All violations are collected
// into a single validation error.
func (v *Validator) Validate(def *WorkflowDefinition, reg *Registry) error {
	var issues []string

	if def.Name == "" {
		issues = append(issues, "workflow name is required")
	}
	if len(def.Steps) == 0 {
		issues = append(issues, "workflow has no steps")
	}

	ids := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			issues = append(issues, fmt.Sprintf("step %d: id is required", i))
			continue
		}
		if _, dup := ids[step.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate step id %q", step.ID))
			continue
		}
		ids[step.ID] = i
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		for _, dep := range step.Dependencies {
			if _, ok := ids[dep]; !ok {
				issues = append(issues, fmt.Sprintf("step %q: unknown dependency %q", step.ID, dep))
			}
			if dep == step.ID {
				issues = append(issues, fmt.Sprintf("step %q depends on itself", step.ID))
			}
		}
	}

	if cycle := findCycle(def, ids); len(cycle) > 0 {
		issues = append(issues, fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	if reg != nil {
		for i := range def.Steps {
			step := &def.Steps[i]
			if step.Agent == "" || step.Command == "" {
				issues = append(issues, fmt.Sprintf("step %q: agent and command are required", step.ID))
				continue
			}
			if !reg.Registered(step.Agent, step.Command) {
				issues = append(issues, fmt.Sprintf("step %q: no handler registered for (%s, %s)", step.ID, step.Agent, step.Command))
			}
			if step.FallbackAgent != "" && !reg.Registered(step.FallbackAgent, step.Command) {
				issues = append(issues, fmt.Sprintf("step %q: no handler registered for fallback (%s, %s)", step.ID, step.FallbackAgent, step.Command))
			}
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Timeout < 0 {
			issues = append(issues, fmt.Sprintf("step %q: negative timeout", step.ID))
		}
		if v.maxTimeout > 0 && step.Timeout.Std() > v.maxTimeout {
			issues = append(issues, fmt.Sprintf("step %q: timeout %s exceeds ceiling %s", step.ID, step.Timeout, v.maxTimeout))
		}
		if step.RetryLimit != nil && *step.RetryLimit < 0 {
			issues = append(issues, fmt.Sprintf("step %q: negative retry limit", step.ID))
		}
		if v.maxRetryLimit > 0 && step.RetryLimit != nil && *step.RetryLimit > v.maxRetryLimit {
			issues = append(issues, fmt.Sprintf("step %q: retry limit %d exceeds ceiling %d", step.ID, *step.RetryLimit, v.maxRetryLimit))
		}
		if step.Condition != "" {
			if err := CheckCondition(step.Condition); err != nil {
				issues = append(issues, fmt.Sprintf("step %q: %v", step.ID, err))
			}
		}
	}

	if def.Defaults.MaxConcurrency < 0 {
		issues = append(issues, "defaults.max_concurrency must not be negative")
	}

	if len(issues) > 0 {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("definition rejected: %s", strings.Join(issues, "; ")))
	}
	return nil
}

// DFS colors.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current path
	colorBlack        // fully explored
)

// findCycle runs an iterative three-color depth-first search over the
// dependency edges and returns the members of the first cycle found, or nil.
// Steps are indexed into an arena so the walk needs no recursion and no
// per-node allocation beyond the color and stack slices.
func findCycle(def *WorkflowDefinition, ids map[string]int) []string {
	n := len(def.Steps)
	colors := make([]int, n)

	// adjacency as index lists; unknown dependencies were already reported
	adj := make([][]int, n)
	for i := range def.Steps {
		for _, dep := range def.Steps[i].Dependencies {
			if j, ok := ids[dep]; ok {
				adj[i] = append(adj[i], j)
			}
		}
	}

	type frame struct {
		node int
		edge int
	}

	for root := 0; root < n; root++ {
		if colors[root] != colorWhite {
			continue
		}
		stack := []frame{{node: root}}
		colors[root] = colorGray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.edge < len(adj[top.node]) {
				next := adj[top.node][top.edge]
				top.edge++
				switch colors[next] {
				case colorWhite:
					colors[next] = colorGray
					stack = append(stack, frame{node: next})
				case colorGray:
					// back-edge: the cycle is the stack suffix from next
					var cycle []string
					for i := range stack {
						if stack[i].node == next {
							for _, f := range stack[i:] {
								cycle = append(cycle, def.Steps[f.node].ID)
							}
							break
						}
					}
					return append(cycle, def.Steps[next].ID)
				}
				continue
			}
			colors[top.node] = colorBlack
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}
