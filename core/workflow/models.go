package workflow

import "time"

// StepType identifies how a step is scheduled relative to its dependencies.
type StepType string

const (
	StepTypeSequential      StepType = "sequential"
	StepTypeParallel        StepType = "parallel"
	StepTypeConditional     StepType = "conditional"
	StepTypeLoop            StepType = "loop"
	StepTypeSynchronization StepType = "synchronization"
)

func (t StepType) valid() bool {
	switch t {
	case StepTypeSequential, StepTypeParallel, StepTypeConditional, StepTypeLoop, StepTypeSynchronization:
		return true
	}
	return false
}

// State captures the lifecycle of a workflow.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Substates scoped to a workflow state.
const (
	SubstateCreated           = "created"
	SubstateExecuting         = "executing"
	SubstateSuspended         = "suspended"
	SubstateSucceeded         = "succeeded"
	SubstateStepFailure       = "step_failure"
	SubstateOperatorCancelled = "operator_cancelled"
)

// StepState captures the lifecycle of a step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether the step can no longer change state on its own.
func (s StepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// RetryConfig configures retry behavior for a step.
type RetryConfig struct {
	MaxRetries   int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BackoffMs    int64   `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
	MaxBackoffMs int64   `json:"max_backoff_ms,omitempty" yaml:"max_backoff_ms,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// LoopConfig bounds a loop step.
type LoopConfig struct {
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
	ExitCondition string `json:"exit_condition,omitempty" yaml:"exit_condition,omitempty"` // expression
}

// Workflow is the submitted definition. It is recorded in the
// workflow_created event and never mutated afterwards.
type Workflow struct {
	ID               string           `json:"workflow_id" yaml:"workflow_id"`
	Name             string           `json:"name" yaml:"name"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
	GlobalParameters map[string]any   `json:"global_parameters,omitempty" yaml:"global_parameters,omitempty"`
	ParametersSchema map[string]any   `json:"parameters_schema,omitempty" yaml:"parameters_schema,omitempty"`
	Steps            []StepDefinition `json:"steps" yaml:"steps"`
	CreatedAt        time.Time        `json:"created_at" yaml:"-"`
}

// StepDefinition is a node in the dependency graph.
type StepDefinition struct {
	ID           string         `json:"step_id" yaml:"step_id"`
	Type         StepType       `json:"step_type" yaml:"step_type"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Capability   string         `json:"capability,omitempty" yaml:"capability,omitempty"` // agent capability filter
	Condition    string         `json:"condition,omitempty" yaml:"condition,omitempty"`   // conditional steps only
	Loop         *LoopConfig    `json:"loop,omitempty" yaml:"loop,omitempty"`
	Retry        *RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Fallback     string         `json:"fallback,omitempty" yaml:"fallback,omitempty"` // step ID run when this one fails
}

// Step returns the definition for id.
func (w *Workflow) Step(id string) (*StepDefinition, bool) {
	if w == nil {
		return nil, false
	}
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// fallbackOwner returns the step whose Fallback is id.
func (w *Workflow) fallbackOwner(id string) (*StepDefinition, bool) {
	for i := range w.Steps {
		if w.Steps[i].Fallback == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StepProgress tracks per-step bookkeeping beyond the coarse StepState.
type StepProgress struct {
	Attempts    int            `json:"attempts,omitempty"`
	Iteration   int            `json:"iteration,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Truncated   bool           `json:"truncated,omitempty"`
	NotBefore   *time.Time     `json:"not_before,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	// PreviousAgent is the agent whose failure caused the pending retry;
	// cleared once a new agent is assigned.
	PreviousAgent string `json:"previous_agent,omitempty"`
}

// Snapshot is the fold of a workflow's event log. It is a cache; the log is
// authoritative.
type Snapshot struct {
	WorkflowID     string                   `json:"workflow_id"`
	State          State                    `json:"current_state"`
	Substate       string                   `json:"current_substate"`
	StepStates     map[string]StepState     `json:"step_states"`
	AssignedAgents map[string]string        `json:"assigned_agents"`
	Steps          map[string]*StepProgress `json:"steps"`
	Sequence       uint64                   `json:"snapshot_sequence"`
	FailureReason  string                   `json:"failure_reason,omitempty"`
	Definition     *Workflow                `json:"definition"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// AgentDescriptor is what the Agent Directory reports for one agent.
type AgentDescriptor struct {
	AgentID     string `json:"agent_id"`
	Kind        string `json:"kind,omitempty"` // human, robot, ai
	Capability  string `json:"capability"`
	CurrentLoad int    `json:"current_load"`
}
