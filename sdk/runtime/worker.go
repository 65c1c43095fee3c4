// Package runtime runs an agent: it heartbeats into the agent directory,
// picks up steps the engine assigns to it from the event bus, and reports
// each outcome back as a command.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/flowlog/core/infra/bus"
	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/workflow"
	"github.com/cordum/flowlog/sdk/client"
)

const component = "agent-runtime"

// Config configures an agent worker.
type Config struct {
	AgentID           string
	Kind              string
	Capability        string
	MaxParallel       int
	HeartbeatInterval time.Duration
	// OnCancel is called when a running task is abandoned because the
	// workflow ended or the step was taken away.
	OnCancel func(workflowID, stepID string)
}

// Task is one step execution handed to the handler.
type Task struct {
	WorkflowID string
	StepID     string
	Attempt    int
	Iteration  int
	Parameters map[string]any
	// Previous is the result of the prior loop iteration, if any.
	Previous map[string]any
}

// TaskHandler executes a task. A nil error completes the step with the
// returned result; an error fails it with the error text as reason.
type TaskHandler func(ctx context.Context, task Task) (map[string]any, error)

// Bus is the event and command transport. *bus.NatsBus implements it.
type Bus interface {
	Publish(subject string, env *structpb.Struct) error
	Subscribe(subject, queue string, handler bus.Handler) error
}

// API is the gateway surface the worker needs. *client.Client implements it.
type API interface {
	Heartbeat(ctx context.Context, agentID string, reg client.AgentRegistration) error
	RemoveAgent(ctx context.Context, agentID string) error
	GetSnapshot(ctx context.Context, workflowID string) (*workflow.Snapshot, error)
}

type taskKey struct {
	workflowID string
	stepID     string
}

type run struct {
	cancel context.CancelFunc
}

// Worker provides a minimal runtime for agents.
type Worker struct {
	cfg    Config
	bus    Bus
	api    API
	sem    chan struct{}
	active atomic.Int32
	wg     sync.WaitGroup

	mu       sync.Mutex
	ctx      context.Context
	handler  TaskHandler
	assigned map[taskKey]bool
	running  map[taskKey]*run
}

// NewWorker prepares a worker; Run starts it.
func NewWorker(cfg Config, b Bus, api API) (*Worker, error) {
	if b == nil || api == nil {
		return nil, fmt.Errorf("bus and api required")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	if cfg.Capability == "" {
		return nil, fmt.Errorf("capability required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	return &Worker{
		cfg:      cfg,
		bus:      b,
		api:      api,
		sem:      make(chan struct{}, cfg.MaxParallel),
		assigned: map[taskKey]bool{},
		running:  map[taskKey]*run{},
	}, nil
}

// AgentID returns the ID the worker registers under.
func (w *Worker) AgentID() string { return w.cfg.AgentID }

// Active returns the number of tasks in flight.
func (w *Worker) Active() int { return int(w.active.Load()) }

// Run registers the agent, follows the event bus and blocks until ctx is
// cancelled. On return the agent is removed from the directory and every
// task has finished.
func (w *Worker) Run(ctx context.Context, handler TaskHandler) error {
	if handler == nil {
		return fmt.Errorf("task handler required")
	}
	w.mu.Lock()
	w.ctx, w.handler = ctx, handler
	w.mu.Unlock()

	if err := w.heartbeat(ctx); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	if err := w.bus.Subscribe(bus.SubjectEventsAll, "", w.HandleEnvelope); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectEventsAll, err)
	}
	logging.Info(component, "agent started", "agent_id", w.cfg.AgentID, "capability", w.cfg.Capability)

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.deregister()
			return nil
		case <-ticker.C:
			if err := w.heartbeat(ctx); err != nil && ctx.Err() == nil {
				logging.Warn(component, "heartbeat failed", "agent_id", w.cfg.AgentID, "error", err)
			}
		}
	}
}

func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := w.api.RemoveAgent(ctx, w.cfg.AgentID); err != nil {
		logging.Warn(component, "deregister failed", "agent_id", w.cfg.AgentID, "error", err)
	}
	logging.Info(component, "agent stopped", "agent_id", w.cfg.AgentID)
}

func (w *Worker) heartbeat(ctx context.Context) error {
	return w.api.Heartbeat(ctx, w.cfg.AgentID, client.AgentRegistration{
		Kind:        w.cfg.Kind,
		Capability:  w.cfg.Capability,
		CurrentLoad: w.Active(),
	})
}

// HandleEnvelope consumes one events envelope from the bus.
func (w *Worker) HandleEnvelope(env *structpb.Struct) error {
	if bus.Kind(env) != bus.KindEvents {
		return nil
	}
	events, err := bus.DecodeEvents(env)
	if err != nil {
		return err
	}
	for _, ev := range events {
		w.observe(ev)
	}
	return nil
}

func (w *Worker) observe(ev workflow.Event) {
	payload, err := workflow.DecodePayload(ev)
	if err != nil {
		return
	}
	switch p := payload.(type) {
	case *workflow.AgentAssignedData:
		key := taskKey{ev.WorkflowID, p.StepID}
		if p.AgentID != w.cfg.AgentID {
			w.release(key)
			return
		}
		w.mu.Lock()
		w.assigned[key] = true
		w.mu.Unlock()
		w.launch(key)
	case *workflow.StepStartedData:
		// A loop iteration restarts the step under the same assignment.
		key := taskKey{ev.WorkflowID, p.StepID}
		w.mu.Lock()
		mine := w.assigned[key]
		w.mu.Unlock()
		if mine {
			w.launch(key)
		}
	case *workflow.StepRetryingData:
		w.release(taskKey{ev.WorkflowID, p.StepID})
	case *workflow.StepSkippedData:
		w.release(taskKey{ev.WorkflowID, p.StepID})
	case *workflow.StepCompletedData:
		w.forget(taskKey{ev.WorkflowID, p.StepID})
	case *workflow.StepFailedData:
		w.forget(taskKey{ev.WorkflowID, p.StepID})
	case *workflow.WorkflowReasonData:
		switch ev.Type {
		case workflow.EventWorkflowCancelled, workflow.EventWorkflowFailed, workflow.EventWorkflowCompleted:
			w.releaseWorkflow(ev.WorkflowID)
		}
	}
}

// launch starts the step unless it is already running here.
func (w *Worker) launch(key taskKey) {
	w.mu.Lock()
	if _, busy := w.running[key]; busy || w.ctx == nil {
		w.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(w.ctx)
	r := &run{cancel: cancel}
	w.running[key] = r
	handler := w.handler
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.execute(taskCtx, key, r, handler)
	}()
}

func (w *Worker) execute(ctx context.Context, key taskKey, r *run, handler TaskHandler) {
	defer w.finish(key, r)

	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	case <-ctx.Done():
		return
	}

	task, ok := w.lookup(ctx, key)
	if !ok {
		return
	}

	w.active.Add(1)
	result, err := handler(ctx, task)
	w.active.Add(-1)

	if ctx.Err() != nil {
		// Abandoned; the engine would reject the callback as stale.
		return
	}
	// Free the slot before reporting so the follow-up step_started of a
	// loop iteration can launch again.
	w.finish(key, r)

	cmd := workflow.Command{WorkflowID: key.workflowID, StepID: key.stepID, AgentID: w.cfg.AgentID}
	if err != nil {
		cmd.Type, cmd.Reason = workflow.CommandFailStep, err.Error()
	} else {
		cmd.Type, cmd.Result = workflow.CommandCompleteStep, result
	}
	if err := w.report(cmd); err != nil {
		logging.Error(component, "report failed", "workflow_id", key.workflowID, "step_id", key.stepID, "error", err)
	}
}

// lookup reads the step from the engine and confirms it is still running
// under this agent; a stale assignment yields ok=false.
func (w *Worker) lookup(ctx context.Context, key taskKey) (Task, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	snap, err := w.api.GetSnapshot(lookupCtx, key.workflowID)
	if err != nil {
		logging.Warn(component, "snapshot lookup failed", "workflow_id", key.workflowID, "error", err)
		return Task{}, false
	}
	if snap.StepStates[key.stepID] != workflow.StepRunning || snap.AssignedAgents[key.stepID] != w.cfg.AgentID {
		return Task{}, false
	}
	task := Task{WorkflowID: key.workflowID, StepID: key.stepID}
	if step, ok := snap.Definition.Step(key.stepID); ok {
		task.Parameters = step.Parameters
	}
	if sp := snap.Steps[key.stepID]; sp != nil {
		task.Attempt = sp.Attempts
		task.Iteration = sp.Iteration
		task.Previous = sp.Result
	}
	return task, true
}

func (w *Worker) report(cmd workflow.Command) error {
	env, err := bus.CommandEnvelope(cmd)
	if err != nil {
		return err
	}
	if err := w.bus.Publish(bus.SubjectCommands, env); err != nil {
		return err
	}
	logging.Info(component, "step reported", "workflow_id", cmd.WorkflowID, "step_id", cmd.StepID, "command", cmd.Type)
	return nil
}

// finish clears r's slot. A newer run of the same step is left alone.
func (w *Worker) finish(key taskKey, r *run) {
	r.cancel()
	w.mu.Lock()
	if w.running[key] == r {
		delete(w.running, key)
	}
	w.mu.Unlock()
}

// forget drops the assignment once the step reached a terminal state; a
// run still in flight is left to report and be rejected as stale.
func (w *Worker) forget(key taskKey) {
	w.mu.Lock()
	delete(w.assigned, key)
	w.mu.Unlock()
}

// release takes the step away: the assignment is dropped and a run in
// flight is cancelled.
func (w *Worker) release(key taskKey) {
	w.mu.Lock()
	delete(w.assigned, key)
	r, running := w.running[key]
	if running {
		r.cancel()
		delete(w.running, key)
	}
	w.mu.Unlock()
	if running && w.cfg.OnCancel != nil {
		w.cfg.OnCancel(key.workflowID, key.stepID)
	}
}

func (w *Worker) releaseWorkflow(workflowID string) {
	w.mu.Lock()
	var keys []taskKey
	for key := range w.assigned {
		if key.workflowID == workflowID {
			keys = append(keys, key)
		}
	}
	for key := range w.running {
		if key.workflowID == workflowID && !w.assigned[key] {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()
	for _, key := range keys {
		w.release(key)
	}
}
