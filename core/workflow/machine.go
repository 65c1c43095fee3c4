package workflow

import (
	"fmt"
	"time"
)

// CommandType names an operator or agent command.
type CommandType string

const (
	CommandStart        CommandType = "start"
	CommandPause        CommandType = "pause"
	CommandResume       CommandType = "resume"
	CommandCancel       CommandType = "cancel"
	CommandCompleteStep CommandType = "complete_step"
	CommandFailStep     CommandType = "fail_step"
	CommandAssignAgent  CommandType = "assign_agent"
	// CommandReconcile emits nothing itself; it lets the orchestrator act on
	// elapsed retry backoffs.
	CommandReconcile CommandType = "reconcile"
)

// Command is the input to the state machine.
type Command struct {
	Type       CommandType    `json:"command"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Result     map[string]any `json:"result,omitempty"`

	// AgentAvailable is set by the caller from the Agent Directory before
	// an assign_agent command is decided.
	AgentAvailable bool `json:"-"`
}

// StepReady advises that a running step has no agent yet.
type StepReady struct {
	WorkflowID   string `json:"workflow_id"`
	StepID       string `json:"step_id"`
	Capability   string `json:"capability,omitempty"`
	ExcludeAgent string `json:"exclude_agent,omitempty"`
}

// Outcome is the result of executing one command against a snapshot.
type Outcome struct {
	Events   []Event
	Snapshot *Snapshot
	Ready    []StepReady
}

// Machine decides which events a command produces. It is pure: it never
// reads a store or the clock, and never mutates its input snapshot.
type Machine struct {
	Retry        RetryDefaults
	Orchestrator Orchestrator
}

// maxSettleRounds bounds orchestrator passes per command; every pass that
// does work moves at least one step forward, so the graph size is the bound
// in practice.
const maxSettleRounds = 1024

// Execute decides the command, folds the result into a copy of snap, then
// lets the orchestrator advance the graph until nothing changes. Events are
// numbered from snap.Sequence+1.
func (m Machine) Execute(snap *Snapshot, cmd Command, now time.Time) (*Outcome, error) {
	if snap == nil || snap.Definition == nil {
		return nil, ErrWorkflowNotFound
	}
	decided, err := m.Decide(snap, cmd, now)
	if err != nil {
		return nil, err
	}
	next := snap.Clone()
	var events []Event
	push := func(evs ...Event) error {
		for _, ev := range evs {
			ev.Sequence = next.Sequence + 1
			if err := next.Apply(ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	}
	if err := push(decided...); err != nil {
		return nil, err
	}

	for round := 0; round < maxSettleRounds && !next.State.Terminal(); round++ {
		var batch []Event
		if next.State == StateActive {
			plan := m.Orchestrator.Plan(next, now)
			batch = plan.Events(next, now)
		}
		if len(batch) == 0 {
			// A paused workflow completes on resume.
			if next.State == StateActive && complete(next) {
				if err := push(mustEvent(next.WorkflowID, EventWorkflowCompleted, &WorkflowReasonData{}, now)); err != nil {
					return nil, err
				}
			}
			break
		}
		if err := push(batch...); err != nil {
			return nil, err
		}
	}

	return &Outcome{Events: events, Snapshot: next, Ready: readySteps(next, snap)}, nil
}

// Decide maps (snapshot, command) to the events the command itself emits.
func (m Machine) Decide(snap *Snapshot, cmd Command, now time.Time) ([]Event, error) {
	id := snap.WorkflowID
	switch cmd.Type {
	case CommandStart:
		if snap.State != StatePending {
			return nil, reject(cmd, snap, fmt.Sprintf("workflow is %s", snap.State), ErrInvalidTransition)
		}
		return []Event{mustEvent(id, EventWorkflowStarted, &WorkflowReasonData{}, now)}, nil

	case CommandPause:
		if snap.State != StateActive {
			return nil, reject(cmd, snap, fmt.Sprintf("workflow is %s", snap.State), ErrInvalidTransition)
		}
		return []Event{mustEvent(id, EventWorkflowPaused, &WorkflowReasonData{Reason: cmd.Reason}, now)}, nil

	case CommandResume:
		if snap.State != StatePaused {
			return nil, reject(cmd, snap, fmt.Sprintf("workflow is %s", snap.State), ErrInvalidTransition)
		}
		return []Event{mustEvent(id, EventWorkflowResumed, &WorkflowReasonData{}, now)}, nil

	case CommandCancel:
		switch snap.State {
		case StateCancelled:
			return nil, nil
		case StateActive, StatePaused:
			return []Event{mustEvent(id, EventWorkflowCancelled, &WorkflowReasonData{Reason: cmd.Reason}, now)}, nil
		}
		return nil, reject(cmd, snap, fmt.Sprintf("workflow is %s", snap.State), ErrInvalidTransition)

	case CommandCompleteStep:
		step, err := runningStep(snap, cmd)
		if err != nil {
			return nil, err
		}
		return m.decideComplete(snap, step, cmd, now), nil

	case CommandFailStep:
		step, err := runningStep(snap, cmd)
		if err != nil {
			return nil, err
		}
		return m.decideFail(snap, step, cmd, now), nil

	case CommandAssignAgent:
		if _, ok := snap.Definition.Step(cmd.StepID); !ok {
			return nil, reject(cmd, snap, "step not in definition", ErrUnknownStep, ErrInvalidTransition)
		}
		if snap.State.Terminal() {
			return nil, reject(cmd, snap, fmt.Sprintf("workflow is %s", snap.State), ErrInvalidTransition)
		}
		if st := snap.StepStates[cmd.StepID]; st != StepPending && st != StepRunning {
			return nil, reject(cmd, snap, fmt.Sprintf("step is %s", st), ErrInvalidTransition)
		}
		if cmd.AgentID == "" {
			return nil, reject(cmd, snap, "agent_id required", ErrInvalidTransition)
		}
		if !cmd.AgentAvailable {
			return nil, reject(cmd, snap, fmt.Sprintf("agent %s not available", cmd.AgentID), ErrNoAgentAvailable)
		}
		if snap.AssignedAgents[cmd.StepID] == cmd.AgentID {
			return nil, nil
		}
		return []Event{mustEvent(id, EventAgentAssigned, &AgentAssignedData{StepID: cmd.StepID, AgentID: cmd.AgentID}, now)}, nil

	case CommandReconcile:
		if snap.State.Terminal() {
			return nil, reject(cmd, snap, fmt.Sprintf("workflow is %s", snap.State), ErrInvalidTransition)
		}
		return nil, nil
	}
	return nil, reject(cmd, snap, "unknown command", ErrInvalidTransition)
}

func runningStep(snap *Snapshot, cmd Command) (*StepDefinition, error) {
	step, ok := snap.Definition.Step(cmd.StepID)
	if !ok {
		return nil, reject(cmd, snap, "step not in definition", ErrUnknownStep, ErrInvalidTransition)
	}
	st := snap.StepStates[cmd.StepID]
	if st != StepRunning {
		reason := fmt.Sprintf("step is %s", st)
		if snap.State.Terminal() {
			return nil, reject(cmd, snap, reason, ErrStaleStepCommand, ErrInvalidTransition)
		}
		return nil, reject(cmd, snap, reason, ErrStaleStepCommand)
	}
	if snap.State.Terminal() {
		return nil, reject(cmd, snap, fmt.Sprintf("workflow is %s", snap.State), ErrInvalidTransition)
	}
	return step, nil
}

func (m Machine) decideComplete(snap *Snapshot, step *StepDefinition, cmd Command, now time.Time) []Event {
	id := snap.WorkflowID
	if step.Type != StepTypeLoop || step.Loop == nil {
		return []Event{mustEvent(id, EventStepCompleted, &StepCompletedData{StepID: step.ID, Result: cmd.Result}, now)}
	}

	done := 1
	if sp := snap.Steps[step.ID]; sp != nil {
		done = sp.Iteration + 1
	}
	if step.Loop.ExitCondition != "" {
		scope := predicateScope(snap, step.ID, cmd.Result)
		scope["iteration"] = float64(done)
		// An unparseable exit condition never holds; max_iterations still bounds the loop.
		if ok, err := EvalPredicate(step.Loop.ExitCondition, scope); err == nil && ok {
			return []Event{mustEvent(id, EventStepCompleted, &StepCompletedData{StepID: step.ID, Result: cmd.Result}, now)}
		}
	}
	if done >= step.Loop.MaxIterations {
		return []Event{mustEvent(id, EventStepCompleted, &StepCompletedData{StepID: step.ID, Result: cmd.Result, Truncated: true}, now)}
	}
	return []Event{mustEvent(id, EventLoopIteration, &LoopIterationData{StepID: step.ID, Iteration: done, Result: cmd.Result}, now)}
}

func (m Machine) decideFail(snap *Snapshot, step *StepDefinition, cmd Command, now time.Time) []Event {
	id := snap.WorkflowID
	agent := snap.AssignedAgents[step.ID]
	attempts := 1
	if sp := snap.Steps[step.ID]; sp != nil && sp.Attempts > 0 {
		attempts = sp.Attempts
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "unspecified"
	}

	if attempts <= m.Retry.Resolve(snap.Definition, step) {
		return []Event{
			mustEvent(id, EventStepFailed, &StepFailedData{StepID: step.ID, Reason: reason, AgentID: agent, WillRetry: true}, now),
			mustEvent(id, EventStepRetrying, &StepRetryingData{
				StepID:        step.ID,
				Attempt:       attempts,
				NotBefore:     now.Add(Backoff(step.Retry, attempts)).UTC(),
				PreviousAgent: agent,
			}, now),
		}
	}

	events := []Event{mustEvent(id, EventStepFailed, &StepFailedData{StepID: step.ID, Reason: reason, AgentID: agent}, now)}
	if step.Fallback == "" {
		events = append(events, mustEvent(id, EventWorkflowFailed, &WorkflowReasonData{
			StepID: step.ID,
			Reason: fmt.Sprintf("step %s failed: %s", step.ID, reason),
		}, now))
	}
	return events
}

// complete reports whether every step finished successfully, counting a
// failed step as recovered when its fallback completed.
func complete(snap *Snapshot) bool {
	for _, step := range snap.Definition.Steps {
		if !satisfied(snap, step.ID) {
			return false
		}
	}
	return true
}

// readySteps lists running steps without an agent. A step that just
// restarted for a retry carries the agent that failed it so the assigner can
// avoid it.
func readySteps(next, prev *Snapshot) []StepReady {
	if next.State.Terminal() {
		return nil
	}
	var out []StepReady
	for _, step := range next.Definition.Steps {
		if next.StepStates[step.ID] != StepRunning || next.AssignedAgents[step.ID] != "" {
			continue
		}
		r := StepReady{WorkflowID: next.WorkflowID, StepID: step.ID, Capability: step.Capability}
		if prev != nil {
			r.ExcludeAgent = prev.AssignedAgents[step.ID]
			// A retry that waited out its backoff starts on a later command,
			// after step_retrying already released the assignment.
			if r.ExcludeAgent == "" && prev.StepStates[step.ID] != StepRunning {
				if sp := next.Steps[step.ID]; sp != nil {
					r.ExcludeAgent = sp.PreviousAgent
				}
			}
		}
		out = append(out, r)
	}
	return out
}
