// Package eventstore provides workflow.EventLog implementations.
package eventstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cordum/flowlog/core/workflow"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// stamp validates a batch and assigns contiguous sequence numbers starting
// at expected+1. The input slice is not modified.
func stamp(workflowID string, expected uint64, events []workflow.Event) ([]workflow.Event, workflow.SequenceRange, error) {
	if strings.TrimSpace(workflowID) == "" {
		return nil, workflow.SequenceRange{}, fmt.Errorf("workflow id required")
	}
	if len(events) == 0 {
		return nil, workflow.SequenceRange{}, fmt.Errorf("no events to append")
	}
	out := make([]workflow.Event, len(events))
	for i, ev := range events {
		if ev.WorkflowID != "" && ev.WorkflowID != workflowID {
			return nil, workflow.SequenceRange{}, fmt.Errorf("event %s belongs to workflow %s", ev.Type, ev.WorkflowID)
		}
		if ev.Type == "" {
			return nil, workflow.SequenceRange{}, fmt.Errorf("event %d has no type", i)
		}
		ev.WorkflowID = workflowID
		ev.Sequence = expected + uint64(i) + 1
		out[i] = ev
	}
	return out, workflow.SequenceRange{From: expected + 1, To: expected + uint64(len(events))}, nil
}

func conflict(workflowID string, expected, actual uint64) error {
	return fmt.Errorf("%w: workflow %s at sequence %d, expected %d", workflow.ErrConcurrencyConflict, workflowID, actual, expected)
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func encodeCheckpoint(snap *workflow.Snapshot) ([]byte, error) {
	if snap == nil || snap.WorkflowID == "" {
		return nil, fmt.Errorf("checkpoint requires a workflow snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte) (*workflow.Snapshot, error) {
	var snap workflow.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if snap.StepStates == nil {
		snap.StepStates = map[string]workflow.StepState{}
	}
	if snap.AssignedAgents == nil {
		snap.AssignedAgents = map[string]string{}
	}
	if snap.Steps == nil {
		snap.Steps = map[string]*workflow.StepProgress{}
	}
	return &snap, nil
}
