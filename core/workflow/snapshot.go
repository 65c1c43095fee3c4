package workflow

import (
	"fmt"
	"time"
)

// NewSnapshot returns the empty state that precedes workflow_created.
func NewSnapshot(workflowID string) *Snapshot {
	return &Snapshot{
		WorkflowID:     workflowID,
		StepStates:     map[string]StepState{},
		AssignedAgents: map[string]string{},
		Steps:          map[string]*StepProgress{},
	}
}

// Fold replays events from the empty state.
func Fold(workflowID string, events []Event) (*Snapshot, error) {
	snap := NewSnapshot(workflowID)
	if err := snap.ApplyAll(events); err != nil {
		return nil, err
	}
	return snap, nil
}

// Clone copies the snapshot so the copy can be folded forward independently.
// The definition and recorded results are immutable and shared.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.StepStates = make(map[string]StepState, len(s.StepStates))
	for k, v := range s.StepStates {
		out.StepStates[k] = v
	}
	out.AssignedAgents = make(map[string]string, len(s.AssignedAgents))
	for k, v := range s.AssignedAgents {
		out.AssignedAgents[k] = v
	}
	out.Steps = make(map[string]*StepProgress, len(s.Steps))
	for k, v := range s.Steps {
		if v == nil {
			continue
		}
		p := *v
		out.Steps[k] = &p
	}
	return &out
}

// ApplyAll folds events in order.
func (s *Snapshot) ApplyAll(events []Event) error {
	for _, ev := range events {
		if err := s.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}

// Apply folds one event. Events must arrive in sequence order with no gaps.
func (s *Snapshot) Apply(ev Event) error {
	if ev.Sequence != s.Sequence+1 {
		return fmt.Errorf("apply %s: sequence %d does not follow %d", ev.Type, ev.Sequence, s.Sequence)
	}
	payload, err := DecodePayload(ev)
	if err != nil {
		return err
	}
	at := ev.Timestamp

	switch p := payload.(type) {
	case *WorkflowCreatedData:
		if p.Definition == nil {
			return fmt.Errorf("apply %s: missing definition", ev.Type)
		}
		s.Definition = p.Definition
		s.State = StatePending
		s.Substate = SubstateCreated
		s.CreatedAt = at
		for _, step := range p.Definition.Steps {
			s.StepStates[step.ID] = StepPending
			s.Steps[step.ID] = &StepProgress{}
		}
	case *WorkflowReasonData:
		s.applyLifecycle(ev.Type, p, at)
	case *StepStartedData:
		sp := s.progress(p.StepID)
		s.StepStates[p.StepID] = StepRunning
		sp.Attempts = p.Attempt
		sp.Iteration = p.Iteration
		sp.StartedAt = &at
		sp.CompletedAt = nil
		sp.NotBefore = nil
		sp.Error = ""
	case *StepCompletedData:
		sp := s.progress(p.StepID)
		s.StepStates[p.StepID] = StepCompleted
		sp.Result = p.Result
		sp.Truncated = p.Truncated
		sp.CompletedAt = &at
	case *StepFailedData:
		sp := s.progress(p.StepID)
		s.StepStates[p.StepID] = StepFailed
		sp.Error = p.Reason
		sp.CompletedAt = &at
	case *StepRetryingData:
		sp := s.progress(p.StepID)
		s.StepStates[p.StepID] = StepPending
		nb := p.NotBefore
		sp.NotBefore = &nb
		sp.CompletedAt = nil
		sp.PreviousAgent = p.PreviousAgent
		delete(s.AssignedAgents, p.StepID)
	case *StepSkippedData:
		sp := s.progress(p.StepID)
		s.StepStates[p.StepID] = StepSkipped
		sp.CompletedAt = &at
		delete(s.AssignedAgents, p.StepID)
	case *LoopIterationData:
		sp := s.progress(p.StepID)
		s.StepStates[p.StepID] = StepPending
		sp.Iteration = p.Iteration
		sp.Attempts = 0
		sp.Result = p.Result
		sp.PreviousAgent = ""
	case *AgentAssignedData:
		s.AssignedAgents[p.StepID] = p.AgentID
		s.progress(p.StepID).PreviousAgent = ""
	default:
		return fmt.Errorf("apply %s: unhandled payload %T", ev.Type, payload)
	}

	s.Sequence = ev.Sequence
	s.UpdatedAt = at
	return nil
}

func (s *Snapshot) applyLifecycle(typ EventType, p *WorkflowReasonData, at time.Time) {
	switch typ {
	case EventWorkflowStarted, EventWorkflowResumed:
		s.State = StateActive
		s.Substate = SubstateExecuting
	case EventWorkflowPaused:
		s.State = StatePaused
		s.Substate = SubstateSuspended
	case EventWorkflowCompleted:
		s.State = StateCompleted
		s.Substate = SubstateSucceeded
	case EventWorkflowFailed:
		s.State = StateFailed
		s.Substate = SubstateStepFailure
		s.FailureReason = p.Reason
		s.skipOutstanding(at)
	case EventWorkflowCancelled:
		s.State = StateCancelled
		s.Substate = SubstateOperatorCancelled
		s.FailureReason = p.Reason
		s.skipOutstanding(at)
	}
}

// skipOutstanding forces every non-terminal step to skipped and releases its
// assignment. In-flight agents are not interrupted; their late callbacks go
// stale.
func (s *Snapshot) skipOutstanding(at time.Time) {
	for id, st := range s.StepStates {
		if st.Terminal() {
			continue
		}
		s.StepStates[id] = StepSkipped
		s.progress(id).CompletedAt = &at
		delete(s.AssignedAgents, id)
	}
}

func (s *Snapshot) progress(stepID string) *StepProgress {
	sp := s.Steps[stepID]
	if sp == nil {
		sp = &StepProgress{}
		s.Steps[stepID] = sp
	}
	return sp
}

// RunningSteps returns the IDs of running steps in definition order.
func (s *Snapshot) RunningSteps() []string {
	var out []string
	if s.Definition == nil {
		return out
	}
	for _, step := range s.Definition.Steps {
		if s.StepStates[step.ID] == StepRunning {
			out = append(out, step.ID)
		}
	}
	return out
}
