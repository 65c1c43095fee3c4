package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cordum/flowlog/core/workflow"
)

// Memory is an in-process EventLog for tests and single-node development.
type Memory struct {
	mu          sync.RWMutex
	streams     map[string][]workflow.Event
	created     map[string]time.Time
	checkpoints map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		streams:     map[string][]workflow.Event{},
		created:     map[string]time.Time{},
		checkpoints: map[string][]byte{},
	}
}

func (m *Memory) Append(ctx context.Context, workflowID string, expected uint64, events []workflow.Event) (workflow.SequenceRange, error) {
	if err := ctx.Err(); err != nil {
		return workflow.SequenceRange{}, err
	}
	stamped, rng, err := stamp(workflowID, expected, events)
	if err != nil {
		return workflow.SequenceRange{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := m.streams[workflowID]
	if last := uint64(len(stream)); last != expected {
		return workflow.SequenceRange{}, conflict(workflowID, expected, last)
	}
	if len(stream) == 0 {
		m.created[workflowID] = time.Now()
	}
	m.streams[workflowID] = append(stream, stamped...)
	return rng, nil
}

func (m *Memory) ReadPage(ctx context.Context, workflowID string, from uint64, limit int) ([]workflow.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}
	limit = pageLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream := m.streams[workflowID]
	if from > uint64(len(stream)) {
		return nil, nil
	}
	end := from - 1 + uint64(limit)
	if end > uint64(len(stream)) {
		end = uint64(len(stream))
	}
	out := make([]workflow.Event, end-(from-1))
	copy(out, stream[from-1:end])
	return out, nil
}

func (m *Memory) LastSequence(ctx context.Context, workflowID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.streams[workflowID])), nil
}

func (m *Memory) SaveCheckpoint(ctx context.Context, snap *workflow.Snapshot) error {
	data, err := encodeCheckpoint(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.checkpoints[snap.WorkflowID]; ok {
		if old, err := decodeCheckpoint(prev); err == nil && old.Sequence >= snap.Sequence {
			return nil
		}
	}
	m.checkpoints[snap.WorkflowID] = data
	return nil
}

func (m *Memory) LoadCheckpoint(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.checkpoints[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeCheckpoint(data)
}

func (m *Memory) ListWorkflows(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.created))
	for id := range m.created {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := m.created[ids[i]], m.created[ids[j]]
		if ti.Equal(tj) {
			return ids[i] > ids[j]
		}
		return ti.After(tj)
	})
	m.mu.RUnlock()
	if n := listLimit(limit); len(ids) > n {
		ids = ids[:n]
	}
	return ids, nil
}
