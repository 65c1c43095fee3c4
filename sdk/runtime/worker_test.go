package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/flowlog/core/infra/bus"
	"github.com/cordum/flowlog/core/workflow"
	"github.com/cordum/flowlog/sdk/client"
)

type loopbackBus struct {
	mu        sync.Mutex
	handler   bus.Handler
	published []*structpb.Struct
}

func (b *loopbackBus) Publish(subject string, env *structpb.Struct) error {
	if subject != bus.SubjectCommands {
		return errors.New("unexpected subject " + subject)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return nil
}

func (b *loopbackBus) Subscribe(_, _ string, handler bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *loopbackBus) deliver(t *testing.T, events ...workflow.Event) {
	t.Helper()
	env, err := bus.EventsEnvelope(events)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if err := h(env); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func (b *loopbackBus) commands(t *testing.T) []workflow.Command {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []workflow.Command
	for _, env := range b.published {
		cmd, err := bus.DecodeCommand(env)
		if err != nil {
			t.Fatalf("decode command: %v", err)
		}
		out = append(out, cmd)
	}
	return out
}

func (b *loopbackBus) subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler != nil
}

type fakeAPI struct {
	mu         sync.Mutex
	snaps      map[string]*workflow.Snapshot
	heartbeats []client.AgentRegistration
	removed    []string
}

func (f *fakeAPI) Heartbeat(_ context.Context, _ string, reg client.AgentRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, reg)
	return nil
}

func (f *fakeAPI) RemoveAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, agentID)
	return nil
}

func (f *fakeAPI) GetSnapshot(_ context.Context, id string) (*workflow.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[id]
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}
	return snap, nil
}

func runningSnapshot(wfID, stepID, agentID string) *workflow.Snapshot {
	snap := workflow.NewSnapshot(wfID)
	snap.State = workflow.StateActive
	snap.Definition = &workflow.Workflow{
		ID: wfID,
		Steps: []workflow.StepDefinition{{
			ID:         stepID,
			Type:       workflow.StepTypeSequential,
			Capability: "assembly",
			Parameters: map[string]any{"part": "gear"},
		}},
	}
	snap.StepStates[stepID] = workflow.StepRunning
	snap.AssignedAgents[stepID] = agentID
	snap.Steps[stepID] = &workflow.StepProgress{Attempts: 1}
	return snap
}

func event(t *testing.T, wfID string, typ workflow.EventType, payload any) workflow.Event {
	t.Helper()
	ev, err := workflow.NewEvent(wfID, typ, payload, time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func startWorker(t *testing.T, cfg Config, api *fakeAPI, handler TaskHandler) (*Worker, *loopbackBus, func()) {
	t.Helper()
	b := &loopbackBus{}
	w, err := NewWorker(cfg, b, api)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, handler) }()
	waitFor(t, b.subscribed)
	return w, b, func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("run: %v", err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewWorkerValidates(t *testing.T) {
	if _, err := NewWorker(Config{Capability: "x"}, nil, &fakeAPI{}); err == nil {
		t.Fatalf("expected error without bus")
	}
	if _, err := NewWorker(Config{}, &loopbackBus{}, &fakeAPI{}); err == nil {
		t.Fatalf("expected error without capability")
	}
	w, err := NewWorker(Config{Capability: "x"}, &loopbackBus{}, &fakeAPI{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if w.AgentID() == "" {
		t.Fatalf("expected generated agent id")
	}
}

func TestWorkerCompletesAssignedStep(t *testing.T) {
	api := &fakeAPI{snaps: map[string]*workflow.Snapshot{"wf-1": runningSnapshot("wf-1", "build", "robot-1")}}
	var got Task
	var mu sync.Mutex
	_, b, stop := startWorker(t, Config{AgentID: "robot-1", Capability: "assembly"}, api, func(_ context.Context, task Task) (map[string]any, error) {
		mu.Lock()
		got = task
		mu.Unlock()
		return map[string]any{"ok": true}, nil
	})
	defer stop()

	b.deliver(t, event(t, "wf-1", workflow.EventAgentAssigned, &workflow.AgentAssignedData{StepID: "build", AgentID: "robot-1"}))
	waitFor(t, func() bool { return len(b.commands(t)) == 1 })

	cmd := b.commands(t)[0]
	if cmd.Type != workflow.CommandCompleteStep || cmd.WorkflowID != "wf-1" || cmd.StepID != "build" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.Result["ok"] != true {
		t.Fatalf("unexpected result: %v", cmd.Result)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.Parameters["part"] != "gear" || got.Attempt != 1 {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestWorkerFailsOnHandlerError(t *testing.T) {
	api := &fakeAPI{snaps: map[string]*workflow.Snapshot{"wf-1": runningSnapshot("wf-1", "build", "robot-1")}}
	_, b, stop := startWorker(t, Config{AgentID: "robot-1", Capability: "assembly"}, api, func(context.Context, Task) (map[string]any, error) {
		return nil, errors.New("gripper jammed")
	})
	defer stop()

	b.deliver(t, event(t, "wf-1", workflow.EventAgentAssigned, &workflow.AgentAssignedData{StepID: "build", AgentID: "robot-1"}))
	waitFor(t, func() bool { return len(b.commands(t)) == 1 })
	cmd := b.commands(t)[0]
	if cmd.Type != workflow.CommandFailStep || cmd.Reason != "gripper jammed" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestWorkerIgnoresOtherAgentsAndStaleAssignments(t *testing.T) {
	api := &fakeAPI{snaps: map[string]*workflow.Snapshot{
		"wf-1": runningSnapshot("wf-1", "build", "robot-2"),
	}}
	called := make(chan struct{}, 1)
	_, b, stop := startWorker(t, Config{AgentID: "robot-1", Capability: "assembly"}, api, func(context.Context, Task) (map[string]any, error) {
		called <- struct{}{}
		return nil, nil
	})

	// Assigned elsewhere.
	b.deliver(t, event(t, "wf-1", workflow.EventAgentAssigned, &workflow.AgentAssignedData{StepID: "build", AgentID: "robot-2"}))
	// Assigned here, but the snapshot says otherwise by the time we look.
	b.deliver(t, event(t, "wf-1", workflow.EventAgentAssigned, &workflow.AgentAssignedData{StepID: "build", AgentID: "robot-1"}))
	stop()

	select {
	case <-called:
		t.Fatalf("handler should not run")
	default:
	}
	if n := len(b.commands(t)); n != 0 {
		t.Fatalf("expected no commands, got %d", n)
	}
}

func TestWorkerCancelsOnWorkflowCancelled(t *testing.T) {
	api := &fakeAPI{snaps: map[string]*workflow.Snapshot{"wf-1": runningSnapshot("wf-1", "build", "robot-1")}}
	started := make(chan struct{})
	cancelled := make(chan string, 1)
	cfg := Config{
		AgentID:    "robot-1",
		Capability: "assembly",
		OnCancel:   func(wfID, stepID string) { cancelled <- wfID + "/" + stepID },
	}
	_, b, stop := startWorker(t, cfg, api, func(ctx context.Context, _ Task) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	defer stop()

	b.deliver(t, event(t, "wf-1", workflow.EventAgentAssigned, &workflow.AgentAssignedData{StepID: "build", AgentID: "robot-1"}))
	<-started
	b.deliver(t, event(t, "wf-1", workflow.EventWorkflowCancelled, &workflow.WorkflowReasonData{Reason: "operator"}))

	select {
	case got := <-cancelled:
		if got != "wf-1/build" {
			t.Fatalf("unexpected cancel %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected OnCancel")
	}
	if n := len(b.commands(t)); n != 0 {
		t.Fatalf("abandoned task should not report, got %d commands", n)
	}
}

func TestWorkerRunsEachLoopIteration(t *testing.T) {
	snap := runningSnapshot("wf-loop", "poll", "robot-1")
	api := &fakeAPI{snaps: map[string]*workflow.Snapshot{"wf-loop": snap}}
	runs := make(chan Task, 4)
	_, b, stop := startWorker(t, Config{AgentID: "robot-1", Capability: "assembly"}, api, func(_ context.Context, task Task) (map[string]any, error) {
		runs <- task
		return map[string]any{"n": task.Iteration}, nil
	})
	defer stop()

	b.deliver(t, event(t, "wf-loop", workflow.EventAgentAssigned, &workflow.AgentAssignedData{StepID: "poll", AgentID: "robot-1"}))
	<-runs
	waitFor(t, func() bool { return len(b.commands(t)) == 1 })

	b.deliver(t,
		event(t, "wf-loop", workflow.EventLoopIteration, &workflow.LoopIterationData{StepID: "poll", Iteration: 1}),
		event(t, "wf-loop", workflow.EventStepStarted, &workflow.StepStartedData{StepID: "poll", Attempt: 1, Iteration: 1}),
	)
	<-runs
	waitFor(t, func() bool { return len(b.commands(t)) == 2 })

	b.deliver(t, event(t, "wf-loop", workflow.EventStepCompleted, &workflow.StepCompletedData{StepID: "poll"}))
	b.deliver(t, event(t, "wf-loop", workflow.EventStepStarted, &workflow.StepStartedData{StepID: "poll", Attempt: 1}))
	select {
	case <-runs:
		t.Fatalf("completed step should not run again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerHeartbeatsAndDeregisters(t *testing.T) {
	api := &fakeAPI{snaps: map[string]*workflow.Snapshot{}}
	_, _, stop := startWorker(t, Config{AgentID: "robot-9", Kind: "robot", Capability: "weld"}, api, func(context.Context, Task) (map[string]any, error) {
		return nil, nil
	})
	stop()

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.heartbeats) == 0 || api.heartbeats[0].Capability != "weld" || api.heartbeats[0].Kind != "robot" {
		t.Fatalf("unexpected heartbeats: %+v", api.heartbeats)
	}
	if len(api.removed) != 1 || api.removed[0] != "robot-9" {
		t.Fatalf("expected deregistration, got %v", api.removed)
	}
}
