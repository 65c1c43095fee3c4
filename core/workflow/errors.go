package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition indicates a command that is illegal for the current state.
	ErrInvalidTransition = errors.New("invalid_transition")
	// ErrConcurrencyConflict indicates an append lost an optimistic concurrency race.
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	// ErrNoAgentAvailable indicates no candidate agent matched the filter.
	ErrNoAgentAvailable = errors.New("no_agent_available")
	// ErrStaleStepCommand indicates a step callback for a step no longer running.
	ErrStaleStepCommand = errors.New("stale_step_command")
	// ErrDependencyCycle indicates the step dependency graph is not a DAG.
	ErrDependencyCycle = errors.New("dependency_cycle")
	// ErrInvalidDefinition indicates a structurally broken workflow definition.
	ErrInvalidDefinition = errors.New("invalid_definition")
	// ErrWorkflowNotFound indicates no event stream exists for the workflow.
	ErrWorkflowNotFound = errors.New("workflow_not_found")
	// ErrWorkflowExists indicates a definition was submitted twice.
	ErrWorkflowExists = errors.New("workflow_exists")
	// ErrUnknownStep indicates a command referenced a step not in the definition.
	ErrUnknownStep = errors.New("unknown_step")
)

// CommandError describes why a command was rejected. It matches each of its
// kinds with errors.Is.
type CommandError struct {
	Kinds      []error
	Command    CommandType
	WorkflowID string
	StepID     string
	Reason     string
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Command))
	if e.StepID != "" {
		fmt.Fprintf(&b, "(%s)", e.StepID)
	}
	b.WriteString(": ")
	kinds := make([]string, 0, len(e.Kinds))
	for _, k := range e.Kinds {
		kinds = append(kinds, k.Error())
	}
	b.WriteString(strings.Join(kinds, "+"))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *CommandError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return e.Kinds
}

func reject(cmd Command, snap *Snapshot, reason string, kinds ...error) error {
	id := ""
	if snap != nil {
		id = snap.WorkflowID
	}
	return &CommandError{
		Kinds:      kinds,
		Command:    cmd.Type,
		WorkflowID: id,
		StepID:     cmd.StepID,
		Reason:     reason,
	}
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrNoAgentAvailable)
}
