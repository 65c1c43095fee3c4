// Package locks provides expiring exclusive leases so that only one engine
// replica runs a periodic job at a time.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultTTL = 30 * time.Second

var errLeaseArgs = errors.New("resource and owner required")

// Lease is an exclusive, expiring claim on a named resource. Acquire by the
// current holder extends the lease.
type Lease interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
}

// Local grants leases within one process. It backs single-replica
// deployments that run without Redis.
type Local struct {
	mu      sync.Mutex
	holders map[string]localHold
	now     func() time.Time
}

type localHold struct {
	owner   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{holders: map[string]localHold{}, now: time.Now}
}

func (l *Local) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if resource == "" || owner == "" {
		return false, errLeaseArgs
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.holders[resource]; ok && h.owner != owner && now.Before(h.expires) {
		return false, nil
	}
	l.holders[resource] = localHold{owner: owner, expires: now.Add(normalizeTTL(ttl))}
	return true, nil
}

func (l *Local) Release(_ context.Context, resource, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holders[resource]; ok && h.owner == owner {
		delete(l.holders, resource)
	}
	return nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
