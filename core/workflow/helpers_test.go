package workflow

import (
	"fmt"
	"testing"
	"time"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func created(t *testing.T, wf *Workflow) *Snapshot {
	t.Helper()
	if err := Validate(wf); err != nil {
		t.Fatalf("validate: %v", err)
	}
	ev := mustEvent(wf.ID, EventWorkflowCreated, &WorkflowCreatedData{Definition: wf}, testNow)
	ev.Sequence = 1
	snap, err := Fold(wf.ID, []Event{ev})
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	return snap
}

func execAt(t *testing.T, m Machine, snap *Snapshot, cmd Command, at time.Time) *Outcome {
	t.Helper()
	if cmd.WorkflowID == "" {
		cmd.WorkflowID = snap.WorkflowID
	}
	out, err := m.Execute(snap, cmd, at)
	if err != nil {
		t.Fatalf("%s: %v", cmd.Type, err)
	}
	return out
}

func execCmd(t *testing.T, m Machine, snap *Snapshot, cmd Command) *Outcome {
	t.Helper()
	return execAt(t, m, snap, cmd, testNow)
}

func started(t *testing.T, m Machine, wf *Workflow) (*Snapshot, []Event) {
	t.Helper()
	snap := created(t, wf)
	out := execCmd(t, m, snap, Command{Type: CommandStart})
	return out.Snapshot, out.Events
}

func eventTypes(events []Event) string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Type))
	}
	return fmt.Sprint(out)
}

func completeStep(t *testing.T, m Machine, snap *Snapshot, stepID string, result map[string]any) *Outcome {
	t.Helper()
	return execCmd(t, m, snap, Command{Type: CommandCompleteStep, StepID: stepID, Result: result})
}

func expectStates(t *testing.T, snap *Snapshot, want map[string]StepState) {
	t.Helper()
	for id, st := range want {
		if got := snap.StepStates[id]; got != st {
			t.Fatalf("step %s: want %s got %s (all: %v)", id, st, got, snap.StepStates)
		}
	}
}
