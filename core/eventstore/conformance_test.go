package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cordum/flowlog/core/workflow"
)

func testEvents(t *testing.T, workflowID string, n int) []workflow.Event {
	t.Helper()
	out := make([]workflow.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := workflow.NewEvent(workflowID, workflow.EventStepStarted, &workflow.StepStartedData{StepID: fmt.Sprintf("s%d", i), Attempt: 1}, time.Unix(1700000000, int64(i)))
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

// runConformance exercises the EventLog contract shared by every backend.
func runConformance(t *testing.T, log workflow.EventLog) {
	t.Run("append assigns gap-free sequences", func(t *testing.T) {
		ctx := context.Background()
		rng, err := log.Append(ctx, "wf-seq", 0, testEvents(t, "wf-seq", 3))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if rng.From != 1 || rng.To != 3 {
			t.Fatalf("unexpected range %+v", rng)
		}
		rng, err = log.Append(ctx, "wf-seq", 3, testEvents(t, "wf-seq", 2))
		if err != nil {
			t.Fatalf("append 2: %v", err)
		}
		if rng.From != 4 || rng.To != 5 {
			t.Fatalf("unexpected range %+v", rng)
		}
		events, err := log.ReadPage(ctx, "wf-seq", 1, 100)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("expected 5 events, got %d", len(events))
		}
		for i, ev := range events {
			if ev.Sequence != uint64(i+1) {
				t.Fatalf("event %d has sequence %d", i, ev.Sequence)
			}
			if ev.WorkflowID != "wf-seq" || ev.ID == "" || ev.Type != workflow.EventStepStarted {
				t.Fatalf("unexpected event %+v", ev)
			}
		}
		last, err := log.LastSequence(ctx, "wf-seq")
		if err != nil || last != 5 {
			t.Fatalf("expected last 5, got %d err=%v", last, err)
		}
	})

	t.Run("stale expected sequence conflicts", func(t *testing.T) {
		ctx := context.Background()
		if _, err := log.Append(ctx, "wf-cas", 0, testEvents(t, "wf-cas", 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
		_, err := log.Append(ctx, "wf-cas", 0, testEvents(t, "wf-cas", 1))
		if !errors.Is(err, workflow.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		_, err = log.Append(ctx, "wf-cas", 5, testEvents(t, "wf-cas", 1))
		if !errors.Is(err, workflow.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict for future sequence, got %v", err)
		}
		last, _ := log.LastSequence(ctx, "wf-cas")
		if last != 1 {
			t.Fatalf("conflicting append must not write, last=%d", last)
		}
	})

	t.Run("racing appends have one winner", func(t *testing.T) {
		ctx := context.Background()
		if _, err := log.Append(ctx, "wf-race", 0, testEvents(t, "wf-race", 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			batch := testEvents(t, "wf-race", 2)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := log.Append(ctx, "wf-race", 1, batch)
				results <- err
			}()
		}
		wg.Wait()
		close(results)
		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, workflow.ErrConcurrencyConflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
		if last, _ := log.LastSequence(ctx, "wf-race"); last != 3 {
			t.Fatalf("expected last 3, got %d", last)
		}
	})

	t.Run("read pages lazily from an offset", func(t *testing.T) {
		ctx := context.Background()
		if _, err := log.Append(ctx, "wf-page", 0, testEvents(t, "wf-page", 7)); err != nil {
			t.Fatalf("append: %v", err)
		}
		page, err := log.ReadPage(ctx, "wf-page", 3, 2)
		if err != nil {
			t.Fatalf("read page: %v", err)
		}
		if len(page) != 2 || page[0].Sequence != 3 || page[1].Sequence != 4 {
			t.Fatalf("unexpected page %+v", page)
		}
		var seqs []uint64
		for ev, err := range workflow.Read(ctx, log, "wf-page", 5, 2) {
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			seqs = append(seqs, ev.Sequence)
		}
		if fmt.Sprint(seqs) != "[5 6 7]" {
			t.Fatalf("unexpected sequences %v", seqs)
		}
		empty, err := log.ReadPage(ctx, "wf-page", 99, 10)
		if err != nil || len(empty) != 0 {
			t.Fatalf("expected empty page past the end, got %d err=%v", len(empty), err)
		}
		none, err := log.ReadPage(ctx, "wf-missing", 1, 10)
		if err != nil || len(none) != 0 {
			t.Fatalf("expected no events for unknown workflow")
		}
	})

	t.Run("payload survives the round trip", func(t *testing.T) {
		ctx := context.Background()
		if _, err := log.Append(ctx, "wf-payload", 0, testEvents(t, "wf-payload", 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
		events, err := log.ReadPage(ctx, "wf-payload", 1, 1)
		if err != nil || len(events) != 1 {
			t.Fatalf("read: %v", err)
		}
		payload, err := workflow.DecodePayload(events[0])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		started, ok := payload.(*workflow.StepStartedData)
		if !ok || started.StepID != "s0" || started.Attempt != 1 {
			t.Fatalf("unexpected payload %#v", payload)
		}
		if !events[0].Timestamp.Equal(time.Unix(1700000000, 0)) {
			t.Fatalf("unexpected timestamp %v", events[0].Timestamp)
		}
	})

	t.Run("checkpoints keep the newest snapshot", func(t *testing.T) {
		ctx := context.Background()
		got, err := log.LoadCheckpoint(ctx, "wf-ckpt")
		if err != nil || got != nil {
			t.Fatalf("expected no checkpoint, got %+v err=%v", got, err)
		}
		snap := workflow.NewSnapshot("wf-ckpt")
		snap.Sequence = 10
		snap.State = workflow.StateActive
		snap.StepStates["a"] = workflow.StepRunning
		snap.AssignedAgents["a"] = "agent-1"
		if err := log.SaveCheckpoint(ctx, snap); err != nil {
			t.Fatalf("save: %v", err)
		}
		older := snap.Clone()
		older.Sequence = 4
		older.State = workflow.StatePending
		if err := log.SaveCheckpoint(ctx, older); err != nil {
			t.Fatalf("save older: %v", err)
		}
		got, err = log.LoadCheckpoint(ctx, "wf-ckpt")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Sequence != 10 || got.State != workflow.StateActive || got.AssignedAgents["a"] != "agent-1" {
			t.Fatalf("unexpected checkpoint %+v", got)
		}
	})

	t.Run("list workflows", func(t *testing.T) {
		ctx := context.Background()
		ids, err := log.ListWorkflows(ctx, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		seen := map[string]bool{}
		for _, id := range ids {
			seen[id] = true
		}
		for _, want := range []string{"wf-seq", "wf-cas", "wf-race", "wf-page"} {
			if !seen[want] {
				t.Fatalf("expected %s in %v", want, ids)
			}
		}
		if seen["wf-ckpt"] || seen["wf-missing"] {
			t.Fatalf("only workflows with events are listed: %v", ids)
		}
		limited, err := log.ListWorkflows(ctx, 2)
		if err != nil || len(limited) != 2 {
			t.Fatalf("expected 2 ids, got %v err=%v", limited, err)
		}
	})

	t.Run("rejects malformed batches", func(t *testing.T) {
		ctx := context.Background()
		if _, err := log.Append(ctx, "wf-bad", 0, nil); err == nil {
			t.Fatalf("expected error for empty batch")
		}
		if _, err := log.Append(ctx, "", 0, testEvents(t, "", 1)); err == nil {
			t.Fatalf("expected error for missing workflow id")
		}
		if _, err := log.Append(ctx, "wf-bad", 0, testEvents(t, "wf-other", 1)); err == nil {
			t.Fatalf("expected error for foreign event")
		}
	})
}

func TestMemoryConformance(t *testing.T) {
	runConformance(t, NewMemory())
}

func TestMemoryListNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		if _, err := m.Append(ctx, id, 0, testEvents(t, id, 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	ids, err := m.ListWorkflows(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if fmt.Sprint(ids) != "[third second first]" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestMemoryReadReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.Append(ctx, "wf", 0, testEvents(t, "wf", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	page, _ := m.ReadPage(ctx, "wf", 1, 1)
	page[0].Type = "tampered"
	again, _ := m.ReadPage(ctx, "wf", 1, 1)
	if again[0].Type != workflow.EventStepStarted {
		t.Fatalf("stored events must be immutable")
	}
}
