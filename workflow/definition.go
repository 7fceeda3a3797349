package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmflow/swarmflow/types"
)

// StepDefinition describes one schedulable unit of a workflow. It is
// immutable once the definition is accepted.
type StepDefinition struct {
	// ID is unique within the workflow.
	ID string `yaml:"id" json:"id"`
	// Agent is the logical worker name the step is dispatched to.
	Agent string `yaml:"agent" json:"agent"`
	// Command selects the handler registered for the agent.
	Command string `yaml:"command" json:"command"`
	// Parameters are passed verbatim to the handler.
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// Dependencies lists step ids that must complete first.
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	// Condition optionally gates the step on prior step outputs.
	// See EvalCondition for the grammar.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	// Timeout bounds a single attempt. Zero inherits the workflow default.
	Timeout types.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// RetryLimit is the number of retries after the first attempt.
	// Nil inherits the workflow default.
	RetryLimit *int `yaml:"retry_limit,omitempty" json:"retry_limit,omitempty"`
	// Priority orders admission when capacity is constrained. Higher wins.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Optional steps are skipped rather than failed once recovery is
	// exhausted, and their skip satisfies dependents.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
	// FallbackAgent is dispatched once after the primary's retries are
	// exhausted. It must be registered for the same command.
	FallbackAgent string `yaml:"fallback_agent,omitempty" json:"fallback_agent,omitempty"`
	// Critical controls whether a terminal failure of this step fails the
	// whole instance. Absent means critical.
	Critical *bool `yaml:"critical,omitempty" json:"critical,omitempty"`
}

// IsCritical reports whether a terminal failure of this step aborts the
// instance. Steps with no explicit policy are critical.
func (s *StepDefinition) IsCritical() bool {
	return s.Critical == nil || *s.Critical
}

// EffectiveRetryLimit returns the step's retry limit with workflow defaults
// applied (resolved during parsing; this is a nil-safe accessor).
func (s *StepDefinition) EffectiveRetryLimit() int {
	if s.RetryLimit == nil {
		return 0
	}
	return *s.RetryLimit
}

// Defaults carries workflow-wide fallbacks for per-step settings.
type Defaults struct {
	// Timeout applies to steps without an explicit timeout.
	Timeout types.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// RetryLimit applies to steps without an explicit retry limit.
	RetryLimit int `yaml:"retry_limit,omitempty" json:"retry_limit,omitempty"`
	// MaxConcurrency caps concurrently running steps of one instance.
	// Zero means the engine's global capacity is the only bound.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// WorkflowDefinition is a named collection of steps plus defaults.
type WorkflowDefinition struct {
	Name     string           `yaml:"name" json:"name"`
	Defaults Defaults         `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Steps    []StepDefinition `yaml:"steps" json:"steps"`
}

// defaultStepTimeout bounds attempts when neither the step nor the defaults
// block specifies a timeout.
const defaultStepTimeout = 5 * time.Minute

// ParseDefinition decodes a YAML (or JSON) workflow definition and applies
// the defaults block to steps that omit per-step settings.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrValidation, "malformed workflow definition").WithCause(err)
	}
	def.ApplyDefaults()
	return &def, nil
}

// ApplyDefaults resolves inherited per-step settings in place.
func (d *WorkflowDefinition) ApplyDefaults() {
	if d.Defaults.Timeout <= 0 {
		d.Defaults.Timeout = types.Duration(defaultStepTimeout)
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Timeout <= 0 {
			step.Timeout = d.Defaults.Timeout
		}
		if step.RetryLimit == nil {
			limit := d.Defaults.RetryLimit
			step.RetryLimit = &limit
		}
	}
}

// Clone returns a deep copy. The engine retains submitted definitions, so
// callers keep ownership of the value they passed in.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	out := &WorkflowDefinition{Name: d.Name, Defaults: d.Defaults}
	if d.Steps == nil {
		return out
	}
	out.Steps = make([]StepDefinition, len(d.Steps))
	for i, step := range d.Steps {
		if step.RetryLimit != nil {
			limit := *step.RetryLimit
			step.RetryLimit = &limit
		}
		if step.Parameters != nil {
			params := make(map[string]any, len(step.Parameters))
			for k, v := range step.Parameters {
				params[k] = v
			}
			step.Parameters = params
		}
		step.Dependencies = append([]string(nil), step.Dependencies...)
		out.Steps[i] = step
	}
	return out
}

// Step returns the definition of the given step id.
func (d *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

func (d *WorkflowDefinition) String() string {
	return fmt.Sprintf("workflow %q (%d steps)", d.Name, len(d.Steps))
}
