package assignment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/infra/metrics"
	"github.com/cordum/flowlog/core/workflow"
)

// Commands is the slice of the engine the assigner drives.
type Commands interface {
	GetSnapshot(ctx context.Context, workflowID string) (*workflow.Snapshot, error)
	AssignAgent(ctx context.Context, workflowID, stepID, agentID string) (*workflow.Snapshot, error)
}

type stepKey struct {
	workflowID string
	stepID     string
}

type pendingStep struct {
	ready workflow.StepReady
	gen   uint64
}

// Assigner turns step_ready advisories into assign_agent commands. Steps
// with no available agent stay queued and are retried every poll interval.
type Assigner struct {
	manager      *Manager
	engine       Commands
	pollInterval time.Duration
	metrics      metrics.AssignmentMetrics

	mu      sync.Mutex
	pending map[stepKey]pendingStep
	gen     uint64
	wake    chan struct{}
}

func NewAssigner(manager *Manager, engine Commands, pollInterval time.Duration) *Assigner {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Assigner{
		manager:      manager,
		engine:       engine,
		pollInterval: pollInterval,
		metrics:      metrics.Noop{},
		pending:      map[stepKey]pendingStep{},
		wake:         make(chan struct{}, 1),
	}
}

// WithMetrics sets the metrics sink.
func (a *Assigner) WithMetrics(m metrics.AssignmentMetrics) *Assigner {
	if m != nil {
		a.metrics = m
	}
	return a
}

// StepsReady queues advisories without blocking the engine.
func (a *Assigner) StepsReady(_ context.Context, ready []workflow.StepReady) {
	if len(ready) == 0 {
		return
	}
	a.mu.Lock()
	for _, r := range ready {
		key := stepKey{r.WorkflowID, r.StepID}
		if prev, ok := a.pending[key]; ok {
			if r.ExcludeAgent == "" {
				r.ExcludeAgent = prev.ready.ExcludeAgent
			}
			// A repeat of the queued notice keeps its generation so an
			// attempt already in flight can still retire it.
			if r == prev.ready {
				continue
			}
		}
		a.gen++
		a.pending[key] = pendingStep{ready: r, gen: a.gen}
	}
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued steps.
func (a *Assigner) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Start runs the assignment loop until the context is cancelled.
func (a *Assigner) Start(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
			a.drain(ctx)
		case <-ticker.C:
			a.drain(ctx)
		}
	}
}

func (a *Assigner) drain(ctx context.Context) {
	a.mu.Lock()
	batch := make([]pendingStep, 0, len(a.pending))
	for _, p := range a.pending {
		batch = append(batch, p)
	}
	a.mu.Unlock()

	for _, p := range batch {
		if ctx.Err() != nil {
			return
		}
		if a.attempt(ctx, p) {
			a.forget(p)
		}
	}
}

// attempt tries to assign one step and reports whether it should leave the
// queue.
func (a *Assigner) attempt(ctx context.Context, p pendingStep) bool {
	r := p.ready
	snap, err := a.engine.GetSnapshot(ctx, r.WorkflowID)
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		return true
	}
	if err != nil {
		logging.Warn("assignment", "load snapshot failed", "workflow_id", r.WorkflowID, "error", err)
		a.metrics.IncAssignment("error")
		return false
	}
	if snap.State.Terminal() || snap.StepStates[r.StepID] != workflow.StepRunning || snap.AssignedAgents[r.StepID] != "" {
		return true
	}

	agentID, err := a.manager.RequestAssignment(ctx, r)
	a.clearExclusion(p)
	if errors.Is(err, workflow.ErrNoAgentAvailable) {
		a.metrics.IncAssignment("no_agent")
		return false
	}
	if err != nil {
		logging.Warn("assignment", "request assignment failed", "workflow_id", r.WorkflowID, "step_id", r.StepID, "error", err)
		a.metrics.IncAssignment("error")
		return false
	}

	_, err = a.engine.AssignAgent(ctx, r.WorkflowID, r.StepID, agentID)
	switch {
	case err == nil:
		a.metrics.IncAssignment("assigned")
		logging.Info("assignment", "agent assigned", "workflow_id", r.WorkflowID, "step_id", r.StepID, "agent_id", agentID)
		return true
	case workflow.IsTransient(err):
		a.metrics.IncAssignment("retry")
		return false
	default:
		a.metrics.IncAssignment("rejected")
		logging.Info("assignment", "assignment rejected", "workflow_id", r.WorkflowID, "step_id", r.StepID, "agent_id", agentID, "error", err)
		return true
	}
}

// forget drops p unless a newer advisory replaced it meanwhile.
func (a *Assigner) forget(p pendingStep) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := stepKey{p.ready.WorkflowID, p.ready.StepID}
	if cur, ok := a.pending[key]; ok && cur.gen == p.gen {
		delete(a.pending, key)
	}
}

// clearExclusion stops re-sending the exclusion hint once the manager has
// recorded the cool-down.
func (a *Assigner) clearExclusion(p pendingStep) {
	if p.ready.ExcludeAgent == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := stepKey{p.ready.WorkflowID, p.ready.StepID}
	if cur, ok := a.pending[key]; ok && cur.gen == p.gen {
		cur.ready.ExcludeAgent = ""
		a.pending[key] = cur
	}
}
