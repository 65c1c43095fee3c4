package workflowengine

import (
	"context"
	"time"

	"github.com/cordum/flowlog/core/infra/locks"
	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/workflow"
)

const sweepLease = "workflow-engine:sweeper"

// Reconciler is the part of the engine the sweeper drives.
type Reconciler interface {
	ListWorkflows(ctx context.Context, limit int) ([]string, error)
	GetSnapshot(ctx context.Context, workflowID string) (*workflow.Snapshot, error)
	Reconcile(ctx context.Context, workflowID string) (*workflow.Snapshot, error)
}

// sweeper periodically reconciles active workflows. Retry timers live in
// the process that armed them, so after a restart, or when another replica
// handled the failing command, the sweep is what starts steps whose backoff
// elapsed and re-advises steps still waiting for an agent. One replica
// sweeps at a time under a lease.
type sweeper struct {
	engine    Reconciler
	lease     locks.Lease
	owner     string
	interval  time.Duration
	scanLimit int
}

func newSweeper(engine Reconciler, lease locks.Lease, owner string, interval time.Duration, scanLimit int) *sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if scanLimit <= 0 {
		scanLimit = 500
	}
	return &sweeper{engine: engine, lease: lease, owner: owner, interval: interval, scanLimit: scanLimit}
}

func (s *sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.lease.Release(context.Background(), sweepLease, s.owner)
			return
		case <-ticker.C:
			ok, err := s.lease.Acquire(ctx, sweepLease, s.owner, 2*s.interval)
			if err != nil {
				logging.Error(component, "sweep lease failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
			s.tick(ctx)
		}
	}
}

// tick reconciles every active workflow among the newest scanLimit and
// returns how many it touched.
func (s *sweeper) tick(ctx context.Context) int {
	ids, err := s.engine.ListWorkflows(ctx, s.scanLimit)
	if err != nil {
		logging.Error(component, "sweep list failed", "error", err)
		return 0
	}
	touched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return touched
		}
		snap, err := s.engine.GetSnapshot(ctx, id)
		if err != nil {
			logging.Warn(component, "sweep snapshot failed", "workflow_id", id, "error", err)
			continue
		}
		if snap.State != workflow.StateActive {
			continue
		}
		if _, err := s.engine.Reconcile(ctx, id); err != nil {
			logging.Warn(component, "sweep reconcile failed", "workflow_id", id, "error", err)
			continue
		}
		touched++
	}
	return touched
}
