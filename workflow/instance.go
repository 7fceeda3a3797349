package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/swarmflow/swarmflow/types"
)

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status is final for the instance's purposes.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the instance has finished.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// stepTransitions is the forward-only step state machine. A transition not
// listed here is a bug in the scheduler.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:  {StepReady, StepSkipped},
	StepReady:    {StepRunning, StepSkipped},
	StepRunning:  {StepCompleted, StepRetrying, StepFailed, StepSkipped},
	StepRetrying: {StepReady, StepSkipped},
}

func stepTransitionAllowed(from, to StepStatus) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepState is the mutable runtime record of one step. It is owned by the
// scheduler goroutine; everything else sees copies.
type StepState struct {
	ID     string
	Status StepStatus
	// Attempt counts invocations of the current target agent. It resets
	// when the step fails over to its fallback agent.
	Attempt int
	// TotalAttempts counts invocations across primary and fallback.
	TotalAttempts int
	// FallbackUsed marks that the step has switched to its fallback agent.
	FallbackUsed bool
	// SkipSatisfied marks a skip that still satisfies dependents (optional
	// steps and condition-false skips). Cascade skips leave it false.
	SkipSatisfied bool
	// ReadySince is when the step last entered Ready, for FIFO tie-breaks.
	ReadySince time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Output     any
	// Err records the cause of the latest failure or skip.
	Err *types.Error
}

// targetAgent returns the agent the next attempt dispatches to.
func (s *StepState) targetAgent(def *StepDefinition) string {
	if s.FallbackUsed && def.FallbackAgent != "" {
		return def.FallbackAgent
	}
	return def.Agent
}

// depGraph is the dependency structure of a definition: adjacency by step id
// plus a reverse index of dependents, in declaration order.
type depGraph struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

func newDepGraph(def *WorkflowDefinition) *depGraph {
	g := &depGraph{
		order:      make([]string, 0, len(def.Steps)),
		deps:       make(map[string][]string, len(def.Steps)),
		dependents: make(map[string][]string),
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		g.order = append(g.order, step.ID)
		g.deps[step.ID] = step.Dependencies
		for _, dep := range step.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}
	}
	return g
}

// WorkflowInstance is the runtime state of one submitted definition. All
// mutation happens on the scheduler goroutine.
type WorkflowInstance struct {
	ID         uuid.UUID
	Definition *WorkflowDefinition
	Status     InstanceStatus
	Steps      map[string]*StepState
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	// Failure records the originating step error when the instance fails.
	Failure *types.Error

	graph  *depGraph
	seq    uint64
	paused bool
}

// NewInstance creates a pending instance for a validated definition.
func NewInstance(def *WorkflowDefinition) *WorkflowInstance {
	steps := make(map[string]*StepState, len(def.Steps))
	for i := range def.Steps {
		steps[def.Steps[i].ID] = &StepState{
			ID:     def.Steps[i].ID,
			Status: StepPending,
		}
	}
	return &WorkflowInstance{
		ID:         uuid.New(),
		Definition: def,
		Status:     InstancePending,
		Steps:      steps,
		CreatedAt:  time.Now(),
		graph:      newDepGraph(def),
	}
}

// nextSeq assigns the next event sequence number for this instance.
func (wi *WorkflowInstance) nextSeq() uint64 {
	wi.seq++
	return wi.seq
}

// allTerminal reports whether every step has reached a terminal status.
func (wi *WorkflowInstance) allTerminal() bool {
	for _, s := range wi.Steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// anyFailed reports whether any step terminally failed.
func (wi *WorkflowInstance) anyFailed() bool {
	for _, s := range wi.Steps {
		if s.Status == StepFailed {
			return true
		}
	}
	return false
}

// completedOutputs snapshots the outputs of completed steps for condition
// evaluation and handler priorOutputs. The returned map is a fresh copy so
// handlers never observe scheduler-owned state.
func (wi *WorkflowInstance) completedOutputs() map[string]any {
	out := make(map[string]any)
	for id, s := range wi.Steps {
		if s.Status == StepCompleted {
			out[id] = s.Output
		}
	}
	return out
}

// StepSnapshot is a read-only copy of a step's state.
type StepSnapshot struct {
	ID            string     `json:"id" yaml:"id"`
	Status        StepStatus `json:"status" yaml:"status"`
	Attempt       int        `json:"attempt" yaml:"attempt"`
	TotalAttempts int        `json:"total_attempts" yaml:"total_attempts"`
	FallbackUsed  bool       `json:"fallback_used,omitempty" yaml:"fallback_used,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt    time.Time  `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Output        any        `json:"output,omitempty" yaml:"output,omitempty"`
	Error         string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// InstanceSnapshot is a read-only copy of an instance's state.
type InstanceSnapshot struct {
	ID         uuid.UUID               `json:"id" yaml:"id"`
	Name       string                  `json:"name" yaml:"name"`
	Status     InstanceStatus          `json:"status" yaml:"status"`
	Steps      map[string]StepSnapshot `json:"steps" yaml:"steps"`
	CreatedAt  time.Time               `json:"created_at" yaml:"created_at"`
	FinishedAt time.Time               `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Failure    string                  `json:"failure,omitempty" yaml:"failure,omitempty"`
	Paused     bool                    `json:"paused,omitempty" yaml:"paused,omitempty"`
}

// snapshot builds a deep copy for external consumption. Called only on the
// scheduler goroutine.
func (wi *WorkflowInstance) snapshot() InstanceSnapshot {
	snap := InstanceSnapshot{
		ID:         wi.ID,
		Name:       wi.Definition.Name,
		Status:     wi.Status,
		Steps:      make(map[string]StepSnapshot, len(wi.Steps)),
		CreatedAt:  wi.CreatedAt,
		FinishedAt: wi.FinishedAt,
		Paused:     wi.paused,
	}
	if wi.Failure != nil {
		snap.Failure = wi.Failure.Error()
	}
	for id, s := range wi.Steps {
		step := StepSnapshot{
			ID:            s.ID,
			Status:        s.Status,
			Attempt:       s.Attempt,
			TotalAttempts: s.TotalAttempts,
			FallbackUsed:  s.FallbackUsed,
			StartedAt:     s.StartedAt,
			FinishedAt:    s.FinishedAt,
			Output:        s.Output,
		}
		if s.Err != nil {
			step.Error = s.Err.Error()
		}
		snap.Steps[id] = step
	}
	return snap
}
