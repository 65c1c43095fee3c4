package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordum/flowlog/core/eventstore"
	"github.com/cordum/flowlog/core/workflow"
)

type recordingNotifier struct {
	mu      sync.Mutex
	batches [][]workflow.Event
}

func (r *recordingNotifier) Notify(_ context.Context, events []workflow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]workflow.Event(nil), events...))
	return nil
}

func (r *recordingNotifier) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, b := range r.batches {
		for _, ev := range b {
			out = append(out, ev.Sequence)
		}
	}
	return out
}

type recordingReady struct {
	mu    sync.Mutex
	ready []workflow.StepReady
}

func (r *recordingReady) StepsReady(_ context.Context, ready []workflow.StepReady) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, ready...)
}

func (r *recordingReady) all() []workflow.StepReady {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]workflow.StepReady(nil), r.ready...)
}

type staticAgents map[string]bool

func (s staticAgents) IsAvailable(_ context.Context, agentID, _ string) (bool, error) {
	return s[agentID], nil
}

// flakyLog loses the first n appends to a simulated concurrent writer.
type flakyLog struct {
	workflow.EventLog
	failures atomic.Int32
}

func (f *flakyLog) Append(ctx context.Context, id string, expected uint64, events []workflow.Event) (workflow.SequenceRange, error) {
	if f.failures.Add(-1) >= 0 {
		return workflow.SequenceRange{}, workflow.ErrConcurrencyConflict
	}
	return f.EventLog.Append(ctx, id, expected, events)
}

func parallelWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID: id,
		Steps: []workflow.StepDefinition{
			{ID: "x", Type: workflow.StepTypeParallel, Capability: "assembly"},
			{ID: "y", Type: workflow.StepTypeParallel, Capability: "assembly"},
			{ID: "join", Type: workflow.StepTypeSynchronization, Dependencies: []string{"x", "y"}},
		},
	}
}

func newTestEngine(t *testing.T, settings workflow.Settings) (*workflow.Engine, *eventstore.Memory) {
	t.Helper()
	log := eventstore.NewMemory()
	eng := workflow.NewEngine(log, settings)
	t.Cleanup(eng.Close)
	return eng, log
}

func TestEngineRunsWorkflowToCompletion(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, workflow.Settings{})
	notes := &recordingNotifier{}
	eng.WithNotifier(notes)

	snap, err := eng.Submit(ctx, parallelWorkflow("wf-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.State != workflow.StatePending || snap.Sequence != 1 {
		t.Fatalf("unexpected submitted snapshot %s@%d", snap.State, snap.Sequence)
	}
	if _, err := eng.Start(ctx, "wf-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.CompleteStep(ctx, "wf-1", "x", map[string]any{"parts": 4}); err != nil {
		t.Fatalf("complete x: %v", err)
	}
	if _, err := eng.CompleteStep(ctx, "wf-1", "y", nil); err != nil {
		t.Fatalf("complete y: %v", err)
	}
	final, err := eng.CompleteStep(ctx, "wf-1", "join", nil)
	if err != nil {
		t.Fatalf("complete join: %v", err)
	}
	if final.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}

	loaded, err := eng.GetSnapshot(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if loaded.Sequence != final.Sequence || loaded.State != final.State {
		t.Fatalf("stored snapshot %s@%d differs from returned %s@%d", loaded.State, loaded.Sequence, final.State, final.Sequence)
	}

	seqs := notes.sequences()
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("notifications out of order: %v", seqs)
		}
	}
	if uint64(len(seqs)) != final.Sequence {
		t.Fatalf("notified %d events, log has %d", len(seqs), final.Sequence)
	}

	events, err := eng.GetEvents(ctx, "wf-1", 1, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if events[0].Type != workflow.EventWorkflowCreated || events[len(events)-1].Type != workflow.EventWorkflowCompleted {
		t.Fatalf("unexpected log bounds %s..%s", events[0].Type, events[len(events)-1].Type)
	}

	var streamed int
	for ev, err := range eng.Events(ctx, "wf-1", 3) {
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if ev.Sequence != uint64(streamed+3) {
			t.Fatalf("unexpected sequence %d", ev.Sequence)
		}
		streamed++
	}
	if uint64(streamed) != final.Sequence-2 {
		t.Fatalf("streamed %d events", streamed)
	}
}

func TestEngineSubmitRejections(t *testing.T) {
	ctx := context.Background()
	eng, log := newTestEngine(t, workflow.Settings{})
	if _, err := eng.Submit(ctx, parallelWorkflow("wf-dup")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Submit(ctx, parallelWorkflow("wf-dup")); !errors.Is(err, workflow.ErrWorkflowExists) {
		t.Fatalf("expected workflow exists, got %v", err)
	}

	cyclic := &workflow.Workflow{ID: "wf-cycle", Steps: []workflow.StepDefinition{
		{ID: "a", Type: workflow.StepTypeSequential, Dependencies: []string{"b"}},
		{ID: "b", Type: workflow.StepTypeSequential, Dependencies: []string{"a"}},
	}}
	if _, err := eng.Submit(ctx, cyclic); !errors.Is(err, workflow.ErrDependencyCycle) {
		t.Fatalf("expected dependency cycle, got %v", err)
	}
	last, err := log.LastSequence(ctx, "wf-cycle")
	if err != nil || last != 0 {
		t.Fatalf("rejected definition must not be stored: last=%d err=%v", last, err)
	}
	if _, err := eng.Start(ctx, "wf-cycle"); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := eng.GetEvents(ctx, "wf-cycle", 1, 10); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Fatalf("expected not found for events, got %v", err)
	}

	ids, err := eng.ListWorkflows(ctx, 10)
	if err != nil || len(ids) != 1 || ids[0] != "wf-dup" {
		t.Fatalf("unexpected list %v err=%v", ids, err)
	}
}

func TestEngineRejectedCommandsAppendNothing(t *testing.T) {
	ctx := context.Background()
	eng, log := newTestEngine(t, workflow.Settings{})
	if _, err := eng.Submit(ctx, parallelWorkflow("wf-rej")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Pause(ctx, "wf-rej", "too early"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("pause pending: expected invalid transition, got %v", err)
	}
	if _, err := eng.Start(ctx, "wf-rej"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.Cancel(ctx, "wf-rej", "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before, _ := log.LastSequence(ctx, "wf-rej")
	if _, err := eng.CompleteStep(ctx, "wf-rej", "x", nil); !errors.Is(err, workflow.ErrStaleStepCommand) {
		t.Fatalf("late completion: expected stale, got %v", err)
	}
	snap, err := eng.Cancel(ctx, "wf-rej", "again")
	if err != nil || snap.State != workflow.StateCancelled {
		t.Fatalf("repeat cancel should succeed as no-op, got %v", err)
	}
	after, _ := log.LastSequence(ctx, "wf-rej")
	if before != after {
		t.Fatalf("rejected and no-op commands appended events: %d -> %d", before, after)
	}
}

func TestEngineConcurrentCompletionsBothLand(t *testing.T) {
	ctx := context.Background()
	eng, log := newTestEngine(t, workflow.Settings{ConflictRetries: 10, ConflictBackoff: time.Millisecond})
	if _, err := eng.Submit(ctx, parallelWorkflow("wf-race")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Start(ctx, "wf-race"); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, step := range []string{"x", "y"} {
		wg.Add(1)
		go func(step string) {
			defer wg.Done()
			_, err := eng.CompleteStep(ctx, "wf-race", step, nil)
			errs <- err
		}(step)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	snap, err := eng.GetSnapshot(ctx, "wf-race")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.StepStates["x"] != workflow.StepCompleted || snap.StepStates["y"] != workflow.StepCompleted {
		t.Fatalf("both completions must land: %v", snap.StepStates)
	}
	if snap.StepStates["join"] != workflow.StepRunning {
		t.Fatalf("join should start exactly once: %v", snap.StepStates)
	}
	events, err := log.ReadPage(ctx, "wf-race", 1, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	joins := 0
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("gap at %d: %d", i, ev.Sequence)
		}
		if ev.Type == workflow.EventStepStarted {
			p, _ := workflow.DecodePayload(ev)
			if p.(*workflow.StepStartedData).StepID == "join" {
				joins++
			}
		}
	}
	if joins != 1 {
		t.Fatalf("join started %d times", joins)
	}
}

func TestEngineConflictRetryAndSurface(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyLog{EventLog: eventstore.NewMemory()}
	eng := workflow.NewEngine(flaky, workflow.Settings{ConflictRetries: 2, ConflictBackoff: time.Millisecond})
	defer eng.Close()
	if _, err := eng.Submit(ctx, parallelWorkflow("wf-flaky")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	flaky.failures.Store(2)
	snap, err := eng.Start(ctx, "wf-flaky")
	if err != nil {
		t.Fatalf("start should survive two conflicts: %v", err)
	}
	if snap.State != workflow.StateActive {
		t.Fatalf("expected active, got %s", snap.State)
	}

	flaky.failures.Store(3)
	_, err = eng.Pause(ctx, "wf-flaky", "")
	if !errors.Is(err, workflow.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict after retries exhausted, got %v", err)
	}
	if !workflow.IsTransient(err) {
		t.Fatalf("conflicts are transient")
	}
}

func TestEngineAgentAssignment(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, workflow.Settings{})
	ready := &recordingReady{}
	eng.WithReadyHandler(ready).WithAgents(staticAgents{"robot-1": true})

	if _, err := eng.Submit(ctx, parallelWorkflow("wf-assign")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Start(ctx, "wf-assign"); err != nil {
		t.Fatalf("start: %v", err)
	}
	adv := ready.all()
	if len(adv) != 2 || adv[0].StepID != "x" || adv[0].Capability != "assembly" {
		t.Fatalf("unexpected advisories %+v", adv)
	}

	if _, err := eng.AssignAgent(ctx, "wf-assign", "x", "robot-2"); !errors.Is(err, workflow.ErrNoAgentAvailable) {
		t.Fatalf("expected no agent available, got %v", err)
	}
	snap, err := eng.AssignAgent(ctx, "wf-assign", "x", "robot-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if snap.AssignedAgents["x"] != "robot-1" {
		t.Fatalf("assignment not recorded: %v", snap.AssignedAgents)
	}
}

func TestEngineWithoutDirectoryTrustsAssignments(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, workflow.Settings{})
	if _, err := eng.Submit(ctx, parallelWorkflow("wf-open")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Start(ctx, "wf-open"); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, err := eng.AssignAgent(ctx, "wf-open", "y", "anyone")
	if err != nil || snap.AssignedAgents["y"] != "anyone" {
		t.Fatalf("assign without directory: %v %v", snap, err)
	}
}

func TestEngineCheckpoints(t *testing.T) {
	ctx := context.Background()
	eng, log := newTestEngine(t, workflow.Settings{CheckpointInterval: 3})
	if _, err := eng.Submit(ctx, parallelWorkflow("wf-cp")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cp, _ := log.LoadCheckpoint(ctx, "wf-cp"); cp != nil {
		t.Fatalf("no checkpoint expected yet")
	}
	// workflow_started + two step_started takes the log to sequence 4.
	if _, err := eng.Start(ctx, "wf-cp"); err != nil {
		t.Fatalf("start: %v", err)
	}
	cp, err := log.LoadCheckpoint(ctx, "wf-cp")
	if err != nil || cp == nil {
		t.Fatalf("expected checkpoint, got %v %v", cp, err)
	}
	if cp.Sequence != 4 {
		t.Fatalf("checkpoint at %d", cp.Sequence)
	}
	if _, err := eng.CompleteStep(ctx, "wf-cp", "x", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	snap, err := eng.GetSnapshot(ctx, "wf-cp")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Sequence != 5 || snap.StepStates["x"] != workflow.StepCompleted {
		t.Fatalf("checkpoint plus tail fold wrong: %d %v", snap.Sequence, snap.StepStates)
	}
}

func TestEngineReconcilesAfterBackoff(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, workflow.Settings{})
	wf := &workflow.Workflow{ID: "wf-backoff", Steps: []workflow.StepDefinition{
		{ID: "a", Type: workflow.StepTypeSequential, Retry: &workflow.RetryConfig{MaxRetries: 1, BackoffMs: 30}},
	}}
	if _, err := eng.Submit(ctx, wf); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Start(ctx, "wf-backoff"); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap, err := eng.FailStep(ctx, "wf-backoff", "a", "sensor fault")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if snap.StepStates["a"] != workflow.StepPending {
		t.Fatalf("expected pending during backoff, got %s", snap.StepStates["a"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err = eng.GetSnapshot(ctx, "wf-backoff")
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if snap.StepStates["a"] == workflow.StepRunning {
			if snap.Steps["a"].Attempts != 2 {
				t.Fatalf("expected second attempt, got %d", snap.Steps["a"].Attempts)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("step never restarted after backoff")
}
