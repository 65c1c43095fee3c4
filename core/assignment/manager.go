package assignment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/flowlog/core/workflow"
)

type cooldownKey struct {
	workflowID string
	stepID     string
	agentID    string
}

// Manager selects agents for steps. It never emits events; callers record
// the choice through the engine's assign_agent command.
type Manager struct {
	dir      Directory
	strategy Strategy
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	excluded  map[cooldownKey]time.Time
	lastSweep time.Time
}

// NewManager builds a manager. A nil strategy means LeastLoaded.
func NewManager(dir Directory, strategy Strategy, cooldown time.Duration) *Manager {
	if strategy == nil {
		strategy = LeastLoaded{}
	}
	return &Manager{
		dir:      dir,
		strategy: strategy,
		cooldown: cooldown,
		now:      time.Now,
		excluded: map[cooldownKey]time.Time{},
	}
}

// Exclude keeps agentID away from the step for the cool-down window.
func (m *Manager) Exclude(workflowID, stepID, agentID string) {
	if agentID == "" || m.cooldown <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excluded[cooldownKey{workflowID, stepID, agentID}] = m.now().Add(m.cooldown)
}

func (m *Manager) coolingDown(workflowID, stepID, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastSweep) > m.cooldown {
		for k, until := range m.excluded {
			if !now.Before(until) {
				delete(m.excluded, k)
			}
		}
		m.lastSweep = now
	}
	until, ok := m.excluded[cooldownKey{workflowID, stepID, agentID}]
	return ok && now.Before(until)
}

// Select picks an agent for the step from candidates the caller already
// fetched.
func (m *Manager) Select(step workflow.StepReady, candidates []workflow.AgentDescriptor) (string, error) {
	if step.ExcludeAgent != "" {
		m.Exclude(step.WorkflowID, step.StepID, step.ExcludeAgent)
	}
	eligible := make([]workflow.AgentDescriptor, 0, len(candidates))
	for _, c := range candidates {
		if !matchesCapability(c, step.Capability) {
			continue
		}
		if c.AgentID == step.ExcludeAgent || m.coolingDown(step.WorkflowID, step.StepID, c.AgentID) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return "", fmt.Errorf("%w: step %s capability %q", workflow.ErrNoAgentAvailable, step.StepID, step.Capability)
	}
	picked, ok := m.strategy.Pick(step, eligible)
	if !ok {
		return "", fmt.Errorf("%w: step %s capability %q", workflow.ErrNoAgentAvailable, step.StepID, step.Capability)
	}
	return picked.AgentID, nil
}

// RequestAssignment lists candidates from the directory and selects one.
func (m *Manager) RequestAssignment(ctx context.Context, step workflow.StepReady) (string, error) {
	candidates, err := m.dir.ListAvailableAgents(ctx, step.Capability)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	return m.Select(step, candidates)
}

// IsAvailable reports whether the directory currently lists agentID for the
// capability. It lets the manager serve as the engine's workflow.AgentChecker.
func (m *Manager) IsAvailable(ctx context.Context, agentID, capability string) (bool, error) {
	candidates, err := m.dir.ListAvailableAgents(ctx, capability)
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		if c.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}
