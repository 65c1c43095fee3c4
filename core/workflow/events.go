package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

// EventType classifies entries in a workflow's event log.
type EventType string

const (
	EventWorkflowCreated   EventType = "workflow_created"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventStepRetrying      EventType = "step_retrying"
	EventStepSkipped       EventType = "step_skipped"
	EventLoopIteration     EventType = "loop_iteration"
	EventAgentAssigned     EventType = "agent_assigned"
)

// Event is one immutable entry in a workflow's log. Sequence is assigned by
// the EventLog on append.
type Event struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Sequence   uint64          `json:"sequence_number"`
	Type       EventType       `json:"event_type"`
	Data       json.RawMessage `json:"event_data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Payloads, one per event type.

type WorkflowCreatedData struct {
	Definition *Workflow `json:"definition"`
}

type WorkflowReasonData struct {
	Reason string `json:"reason,omitempty"`
	StepID string `json:"step_id,omitempty"`
}

type StepStartedData struct {
	StepID    string `json:"step_id"`
	Attempt   int    `json:"attempt"`
	Iteration int    `json:"iteration,omitempty"`
}

type StepCompletedData struct {
	StepID    string         `json:"step_id"`
	Result    map[string]any `json:"result,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

type StepFailedData struct {
	StepID    string `json:"step_id"`
	Reason    string `json:"reason"`
	AgentID   string `json:"agent_id,omitempty"`
	WillRetry bool   `json:"will_retry,omitempty"`
}

type StepRetryingData struct {
	StepID        string    `json:"step_id"`
	Attempt       int       `json:"attempt"`
	NotBefore     time.Time `json:"not_before"`
	PreviousAgent string    `json:"previous_agent,omitempty"`
}

type StepSkippedData struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

type LoopIterationData struct {
	StepID    string         `json:"step_id"`
	Iteration int            `json:"iteration"`
	Result    map[string]any `json:"result,omitempty"`
}

type AgentAssignedData struct {
	StepID  string `json:"step_id"`
	AgentID string `json:"agent_id"`
}

type payloadDecoder func(json.RawMessage) (any, error)

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if len(raw) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// payloadDecoders maps each event type to the payload it carries.
var payloadDecoders = map[EventType]payloadDecoder{
	EventWorkflowCreated:   decodeAs[WorkflowCreatedData],
	EventWorkflowStarted:   decodeAs[WorkflowReasonData],
	EventWorkflowPaused:    decodeAs[WorkflowReasonData],
	EventWorkflowResumed:   decodeAs[WorkflowReasonData],
	EventWorkflowCancelled: decodeAs[WorkflowReasonData],
	EventWorkflowCompleted: decodeAs[WorkflowReasonData],
	EventWorkflowFailed:    decodeAs[WorkflowReasonData],
	EventStepStarted:       decodeAs[StepStartedData],
	EventStepCompleted:     decodeAs[StepCompletedData],
	EventStepFailed:        decodeAs[StepFailedData],
	EventStepRetrying:      decodeAs[StepRetryingData],
	EventStepSkipped:       decodeAs[StepSkippedData],
	EventLoopIteration:     decodeAs[LoopIterationData],
	EventAgentAssigned:     decodeAs[AgentAssignedData],
}

// DecodePayload returns a pointer to the typed payload for ev.
func DecodePayload(ev Event) (any, error) {
	dec, ok := payloadDecoders[ev.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	p, err := dec(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return p, nil
}

// NewEvent builds an unsequenced event with a JSON-encoded payload.
func NewEvent(workflowID string, typ EventType, payload any, at time.Time) (Event, error) {
	ev := Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Type:       typ,
		Timestamp:  at.UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		ev.Data = data
	}
	return ev, nil
}

func mustEvent(workflowID string, typ EventType, payload any, at time.Time) Event {
	ev, err := NewEvent(workflowID, typ, payload, at)
	if err != nil {
		// Payload types are all plain structs and maps decoded from JSON.
		panic(err)
	}
	return ev
}

// SequenceRange is the inclusive range assigned to an appended batch.
type SequenceRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// EventLog is the append-only, per-workflow event store.
type EventLog interface {
	// Append assigns contiguous sequence numbers starting at expected+1. It
	// fails with ErrConcurrencyConflict when the log's last sequence is not
	// expected.
	Append(ctx context.Context, workflowID string, expected uint64, events []Event) (SequenceRange, error)
	// ReadPage returns up to limit events with Sequence >= from, ascending.
	ReadPage(ctx context.Context, workflowID string, from uint64, limit int) ([]Event, error)
	// LastSequence returns 0 for an unknown workflow.
	LastSequence(ctx context.Context, workflowID string) (uint64, error)
	SaveCheckpoint(ctx context.Context, snap *Snapshot) error
	// LoadCheckpoint returns nil, nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, workflowID string) (*Snapshot, error)
	ListWorkflows(ctx context.Context, limit int) ([]string, error)
}

const defaultReadPageSize = 256

// Read lazily yields events with Sequence >= from, fetching pages of
// pageSize. It stops at the end of the log as of the last page read.
func Read(ctx context.Context, log EventLog, workflowID string, from uint64, pageSize int) iter.Seq2[Event, error] {
	if pageSize <= 0 {
		pageSize = defaultReadPageSize
	}
	if from == 0 {
		from = 1
	}
	return func(yield func(Event, error) bool) {
		next := from
		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			page, err := log.ReadPage(ctx, workflowID, next, pageSize)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
				next = ev.Sequence + 1
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// LoadSnapshot folds the latest checkpoint plus every event after it.
func LoadSnapshot(ctx context.Context, log EventLog, workflowID string, pageSize int) (*Snapshot, error) {
	snap, err := log.LoadCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if snap == nil {
		snap = NewSnapshot(workflowID)
	}
	for ev, err := range Read(ctx, log, workflowID, snap.Sequence+1, pageSize) {
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		if err := snap.Apply(ev); err != nil {
			return nil, err
		}
	}
	if snap.Sequence == 0 {
		return nil, ErrWorkflowNotFound
	}
	return snap, nil
}
