// Package assignment selects agents for running steps and feeds the choice
// back to the engine as assign_agent commands.
package assignment

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cordum/flowlog/core/workflow"
)

// Directory is the external Agent Directory. An empty capability lists every
// available agent.
type Directory interface {
	ListAvailableAgents(ctx context.Context, capability string) ([]workflow.AgentDescriptor, error)
}

// Registry is a Directory agents register with directly, by heartbeat.
type Registry interface {
	Directory
	Upsert(ctx context.Context, desc workflow.AgentDescriptor) error
	Remove(ctx context.Context, agentID string) error
}

var errAgentIDRequired = errors.New("agent_id required")

type memoryEntry struct {
	desc workflow.AgentDescriptor
	seen time.Time
}

// MemoryDirectory keeps agent registrations in-memory. Agents that have not
// re-registered within ttl are treated as gone; a zero ttl never expires.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]memoryEntry
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	return &MemoryDirectory{
		agents: make(map[string]memoryEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Upsert registers or refreshes an agent.
func (d *MemoryDirectory) Upsert(_ context.Context, desc workflow.AgentDescriptor) error {
	if strings.TrimSpace(desc.AgentID) == "" {
		return errAgentIDRequired
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[desc.AgentID] = memoryEntry{desc: desc, seen: d.now()}
	return nil
}

// Remove deregisters an agent.
func (d *MemoryDirectory) Remove(_ context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, agentID)
	return nil
}

func (d *MemoryDirectory) ListAvailableAgents(ctx context.Context, capability string) ([]workflow.AgentDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.now()
	var out []workflow.AgentDescriptor
	for _, e := range d.agents {
		if d.ttl > 0 && now.Sub(e.seen) > d.ttl {
			continue
		}
		if !matchesCapability(e.desc, capability) {
			continue
		}
		out = append(out, e.desc)
	}
	sortAgents(out)
	return out, nil
}

func matchesCapability(desc workflow.AgentDescriptor, capability string) bool {
	return capability == "" || desc.Capability == capability
}

func sortAgents(agents []workflow.AgentDescriptor) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
}

var (
	_ Registry = (*MemoryDirectory)(nil)
	_ Registry = (*RedisDirectory)(nil)
)
