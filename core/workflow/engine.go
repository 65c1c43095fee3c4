package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/infra/metrics"
)

const engineComponent = "workflow-engine"

// Notifier receives every batch the engine appends, in sequence order.
type Notifier interface {
	Notify(ctx context.Context, events []Event) error
}

// AgentChecker answers whether the Agent Directory currently lists an agent
// as available for a capability.
type AgentChecker interface {
	IsAvailable(ctx context.Context, agentID, capability string) (bool, error)
}

// ReadyHandler is told about running steps that still need an agent. It must
// not block.
type ReadyHandler interface {
	StepsReady(ctx context.Context, ready []StepReady)
}

// Settings tune the engine. Zero values fall back to defaults, except
// ConflictRetries where zero surfaces conflicts to the caller immediately.
type Settings struct {
	CheckpointInterval int
	ConflictRetries    int
	ConflictBackoff    time.Duration
	DirectoryTimeout   time.Duration
	ReadPageSize       int
	Retry              RetryDefaults
}

// Engine executes commands against workflows stored in an EventLog.
type Engine struct {
	log      EventLog
	machine  Machine
	settings Settings

	notifiers []Notifier
	agents    AgentChecker
	ready     ReadyHandler
	metrics   metrics.EngineMetrics
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewEngine binds an engine to an event log.
func NewEngine(log EventLog, settings Settings) *Engine {
	if settings.ConflictRetries < 0 {
		settings.ConflictRetries = 0
	}
	if settings.ConflictBackoff <= 0 {
		settings.ConflictBackoff = 20 * time.Millisecond
	}
	if settings.DirectoryTimeout <= 0 {
		settings.DirectoryTimeout = 2 * time.Second
	}
	if settings.ReadPageSize <= 0 {
		settings.ReadPageSize = defaultReadPageSize
	}
	return &Engine{
		log:      log,
		machine:  Machine{Retry: settings.Retry},
		settings: settings,
		metrics:  metrics.Noop{},
		now:      time.Now,
		timers:   map[string]*time.Timer{},
	}
}

// WithNotifier adds a sink for appended events.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	if n != nil {
		e.notifiers = append(e.notifiers, n)
	}
	return e
}

// WithAgents sets the directory consulted before assign_agent.
func (e *Engine) WithAgents(a AgentChecker) *Engine {
	e.agents = a
	return e
}

// WithReadyHandler sets the receiver of step_ready advisories.
func (e *Engine) WithReadyHandler(h ReadyHandler) *Engine {
	e.ready = h
	return e
}

// WithMetrics sets the metrics sink.
func (e *Engine) WithMetrics(m metrics.EngineMetrics) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// Close stops pending reconcile timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// Submit validates a definition and creates its event stream in pending.
func (e *Engine) Submit(ctx context.Context, wf *Workflow) (*Snapshot, error) {
	if err := Validate(wf); err != nil {
		e.metrics.IncCommand("submit", "rejected")
		return nil, err
	}
	last, err := e.log.LastSequence(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	if last > 0 {
		e.metrics.IncCommand("submit", "rejected")
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, wf.ID)
	}

	now := e.now().UTC()
	def := *wf
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	ev, err := NewEvent(def.ID, EventWorkflowCreated, &WorkflowCreatedData{Definition: &def}, now)
	if err != nil {
		return nil, err
	}
	ev.Sequence = 1
	snap := NewSnapshot(def.ID)
	if err := snap.Apply(ev); err != nil {
		return nil, err
	}

	started := time.Now()
	_, err = e.log.Append(ctx, def.ID, 0, []Event{ev})
	e.metrics.ObserveAppend(time.Since(started).Seconds())
	if errors.Is(err, ErrConcurrencyConflict) {
		e.metrics.IncCommand("submit", "rejected")
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, def.ID)
	}
	if err != nil {
		e.metrics.IncCommand("submit", "error")
		return nil, fmt.Errorf("append workflow_created: %w", err)
	}
	e.metrics.IncCommand("submit", "ok")
	e.metrics.AddEventsAppended(string(EventWorkflowCreated), 1)
	e.notify(ctx, []Event{ev})
	logging.Info(engineComponent, "workflow submitted", "workflow_id", def.ID, "steps", len(def.Steps))
	return snap, nil
}

func (e *Engine) Start(ctx context.Context, workflowID string) (*Snapshot, error) {
	return e.Handle(ctx, Command{Type: CommandStart, WorkflowID: workflowID})
}

func (e *Engine) Pause(ctx context.Context, workflowID, reason string) (*Snapshot, error) {
	return e.Handle(ctx, Command{Type: CommandPause, WorkflowID: workflowID, Reason: reason})
}

func (e *Engine) Resume(ctx context.Context, workflowID string) (*Snapshot, error) {
	return e.Handle(ctx, Command{Type: CommandResume, WorkflowID: workflowID})
}

// Cancel is idempotent on an already cancelled workflow.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) (*Snapshot, error) {
	return e.Handle(ctx, Command{Type: CommandCancel, WorkflowID: workflowID, Reason: reason})
}

func (e *Engine) CompleteStep(ctx context.Context, workflowID, stepID string, result map[string]any) (*Snapshot, error) {
	return e.Handle(ctx, Command{Type: CommandCompleteStep, WorkflowID: workflowID, StepID: stepID, Result: result})
}

func (e *Engine) FailStep(ctx context.Context, workflowID, stepID, reason string) (*Snapshot, error) {
	return e.Handle(ctx, Command{Type: CommandFailStep, WorkflowID: workflowID, StepID: stepID, Reason: reason})
}

func (e *Engine) AssignAgent(ctx context.Context, workflowID, stepID, agentID string) (*Snapshot, error) {
	return e.Handle(ctx, Command{Type: CommandAssignAgent, WorkflowID: workflowID, StepID: stepID, AgentID: agentID})
}

// Reconcile lets the orchestrator act on elapsed retry backoffs.
func (e *Engine) Reconcile(ctx context.Context, workflowID string) (*Snapshot, error) {
	return e.Handle(ctx, Command{Type: CommandReconcile, WorkflowID: workflowID})
}

// Handle runs one command: load, decide, append with the loaded sequence as
// the compare-and-swap token, and on conflict re-read and retry a bounded
// number of times.
func (e *Engine) Handle(ctx context.Context, cmd Command) (*Snapshot, error) {
	if cmd.WorkflowID == "" {
		return nil, fmt.Errorf("%w: workflow_id required", ErrWorkflowNotFound)
	}
	name := string(cmd.Type)
	for attempt := 0; ; attempt++ {
		snap, err := e.GetSnapshot(ctx, cmd.WorkflowID)
		if err != nil {
			e.metrics.IncCommand(name, "error")
			return nil, err
		}
		if cmd.Type == CommandAssignAgent {
			cmd.AgentAvailable = e.agentAvailable(ctx, snap, cmd)
		}

		out, err := e.machine.Execute(snap, cmd, e.now().UTC())
		if err != nil {
			e.rejected(cmd, snap, err)
			return nil, err
		}
		if len(out.Events) == 0 {
			e.metrics.IncCommand(name, "noop")
			e.advise(ctx, out)
			return out.Snapshot, nil
		}

		started := time.Now()
		_, err = e.log.Append(ctx, cmd.WorkflowID, snap.Sequence, out.Events)
		e.metrics.ObserveAppend(time.Since(started).Seconds())
		if errors.Is(err, ErrConcurrencyConflict) {
			e.metrics.IncConflict(name)
			if attempt >= e.settings.ConflictRetries {
				e.metrics.IncCommand(name, "conflict")
				return nil, err
			}
			if err := sleepCtx(ctx, e.conflictDelay(attempt)); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			e.metrics.IncCommand(name, "error")
			return nil, fmt.Errorf("append events: %w", err)
		}

		e.metrics.IncCommand(name, "ok")
		e.committed(ctx, snap, out)
		return out.Snapshot, nil
	}
}

// GetSnapshot folds the workflow's checkpoint plus the events after it.
func (e *Engine) GetSnapshot(ctx context.Context, workflowID string) (*Snapshot, error) {
	return LoadSnapshot(ctx, e.log, workflowID, e.settings.ReadPageSize)
}

// GetEvents returns up to limit events with Sequence >= from.
func (e *Engine) GetEvents(ctx context.Context, workflowID string, from uint64, limit int) ([]Event, error) {
	if limit <= 0 || limit > e.settings.ReadPageSize {
		limit = e.settings.ReadPageSize
	}
	if from == 0 {
		from = 1
	}
	events, err := e.log.ReadPage(ctx, workflowID, from, limit)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		last, err := e.log.LastSequence(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if last == 0 {
			return nil, ErrWorkflowNotFound
		}
	}
	return events, nil
}

// Events lazily yields the whole log from a sequence.
func (e *Engine) Events(ctx context.Context, workflowID string, from uint64) iter.Seq2[Event, error] {
	return Read(ctx, e.log, workflowID, from, e.settings.ReadPageSize)
}

// ListWorkflows returns known workflow IDs, newest first.
func (e *Engine) ListWorkflows(ctx context.Context, limit int) ([]string, error) {
	return e.log.ListWorkflows(ctx, limit)
}

func (e *Engine) agentAvailable(ctx context.Context, snap *Snapshot, cmd Command) bool {
	if e.agents == nil {
		return true
	}
	capability := ""
	if step, ok := snap.Definition.Step(cmd.StepID); ok {
		capability = step.Capability
	}
	lookupCtx, cancel := context.WithTimeout(ctx, e.settings.DirectoryTimeout)
	defer cancel()
	ok, err := e.agents.IsAvailable(lookupCtx, cmd.AgentID, capability)
	if err != nil {
		logging.Warn(engineComponent, "agent directory lookup failed", "workflow_id", cmd.WorkflowID, "agent_id", cmd.AgentID, "error", err)
		return false
	}
	return ok
}

func (e *Engine) rejected(cmd Command, snap *Snapshot, err error) {
	e.metrics.IncCommand(string(cmd.Type), "rejected")
	switch {
	case snap.State.Terminal():
		logging.Info(engineComponent, "command rejected on terminal workflow",
			"workflow_id", cmd.WorkflowID, "command", cmd.Type, "state", snap.State, "reason", err)
	case errors.Is(err, ErrStaleStepCommand):
		logging.Info(engineComponent, "stale step command discarded",
			"workflow_id", cmd.WorkflowID, "step_id", cmd.StepID, "command", cmd.Type)
	}
}

// committed runs the side effects of a successful append: metrics,
// checkpointing, notification, backoff timers and assignment advisories.
func (e *Engine) committed(ctx context.Context, prev *Snapshot, out *Outcome) {
	next := out.Snapshot
	counts := map[EventType]int{}
	for _, ev := range out.Events {
		counts[ev.Type]++
	}
	for typ, n := range counts {
		e.metrics.AddEventsAppended(string(typ), n)
	}
	if next.State.Terminal() && !prev.State.Terminal() {
		e.metrics.IncWorkflowFinished(string(next.State))
		logging.Info(engineComponent, "workflow finished", "workflow_id", next.WorkflowID, "state", next.State, "reason", next.FailureReason)
	}

	if n := uint64(e.settings.CheckpointInterval); n > 0 && next.Sequence/n > prev.Sequence/n {
		if err := e.log.SaveCheckpoint(ctx, next); err != nil {
			logging.Warn(engineComponent, "checkpoint failed", "workflow_id", next.WorkflowID, "sequence", next.Sequence, "error", err)
		}
	}

	e.notify(ctx, out.Events)
	e.advise(ctx, out)
}

func (e *Engine) notify(ctx context.Context, events []Event) {
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, events); err != nil {
			logging.Warn(engineComponent, "notify failed", "workflow_id", events[0].WorkflowID, "error", err)
		}
	}
}

func (e *Engine) advise(ctx context.Context, out *Outcome) {
	e.scheduleReconcile(out.Snapshot)
	if e.ready != nil && len(out.Ready) > 0 {
		e.ready.StepsReady(ctx, out.Ready)
	}
}

// scheduleReconcile arms one timer per workflow for the earliest pending
// retry backoff. Paused workflows wait for resume instead.
func (e *Engine) scheduleReconcile(snap *Snapshot) {
	id := snap.WorkflowID
	var earliest *time.Time
	if snap.State == StateActive {
		for stepID, st := range snap.StepStates {
			sp := snap.Steps[stepID]
			if st != StepPending || sp == nil || sp.NotBefore == nil {
				continue
			}
			if earliest == nil || sp.NotBefore.Before(*earliest) {
				earliest = sp.NotBefore
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	if earliest == nil || e.closed {
		return
	}
	delay := earliest.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := e.Reconcile(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
			logging.Warn(engineComponent, "reconcile failed", "workflow_id", id, "error", err)
		}
	})
}

func (e *Engine) conflictDelay(attempt int) time.Duration {
	base := e.settings.ConflictBackoff << attempt
	return base/2 + rand.N(base/2+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
