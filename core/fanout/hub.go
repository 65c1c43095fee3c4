// Package fanout streams a workflow's events to subscribers: a replay from
// the event log followed by live delivery, in sequence order and without
// gaps.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/infra/metrics"
	"github.com/cordum/flowlog/core/workflow"
)

const (
	defaultBacklog  = 256
	defaultPageSize = 256
)

// ErrSlowSubscriber ends a subscription whose live backlog overflowed. The
// subscriber resumes by subscribing again from its last sequence + 1.
var ErrSlowSubscriber = errors.New("slow_subscriber")

// Reader is the part of the event log the hub replays from.
type Reader interface {
	ReadPage(ctx context.Context, workflowID string, from uint64, limit int) ([]workflow.Event, error)
	LastSequence(ctx context.Context, workflowID string) (uint64, error)
}

// Options tune a Hub.
type Options struct {
	// Backlog bounds live events buffered per subscriber.
	Backlog  int
	PageSize int
	Metrics  metrics.FanoutMetrics
}

// Hub implements workflow.Notifier and serves subscriptions.
type Hub struct {
	log      Reader
	backlog  int
	pageSize int
	metrics  metrics.FanoutMetrics

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewHub(log Reader, opts Options) *Hub {
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Hub{
		log:      log,
		backlog:  opts.Backlog,
		pageSize: opts.PageSize,
		metrics:  opts.Metrics,
		subs:     map[string]map[*Subscription]struct{}{},
	}
}

// Subscription is one subscriber's ordered stream.
type Subscription struct {
	ID         string
	WorkflowID string

	hub    *Hub
	inbox  chan workflow.Event
	out    chan workflow.Event
	cancel context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Events yields events in sequence order. It is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Events() <-chan workflow.Event {
	return s.out
}

// Err returns the reason the subscription ended: nil after Close, the
// context error after cancellation, ErrSlowSubscriber on overflow, or a
// read error.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.end(nil)
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.hub.remove(s)
		s.cancel()
		close(s.done)
	})
}

// Subscribe streams events with Sequence >= from (from 0 means 1). The
// subscription is registered for live events before the replay starts, so
// nothing appended in between is missed.
func (h *Hub) Subscribe(ctx context.Context, workflowID string, from uint64) (*Subscription, error) {
	last, err := h.log.LastSequence(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	if last == 0 {
		return nil, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, workflowID)
	}
	if from == 0 {
		from = 1
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		hub:        h,
		inbox:      make(chan workflow.Event, h.backlog),
		out:        make(chan workflow.Event),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, errors.New("hub closed")
	}
	set := h.subs[workflowID]
	if set == nil {
		set = map[*Subscription]struct{}{}
		h.subs[workflowID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddSubscribers(1)
	logging.Info("fanout", "subscriber attached", "workflow_id", workflowID, "subscriber", sub.ID, "from", from)

	go h.pump(subCtx, sub, from)
	return sub, nil
}

// Notify hands a committed batch to every live subscriber of its workflow.
// It never blocks: a subscriber whose backlog is full is disconnected.
func (h *Hub) Notify(_ context.Context, events []workflow.Event) error {
	if len(events) == 0 {
		return nil
	}
	var slow []*Subscription
	h.mu.Lock()
	for _, ev := range events {
		for sub := range h.subs[ev.WorkflowID] {
			select {
			case sub.inbox <- ev:
			default:
				slow = append(slow, sub)
				delete(h.subs[ev.WorkflowID], sub)
			}
		}
	}
	h.mu.Unlock()

	for _, sub := range slow {
		h.metrics.IncSlowDisconnect()
		logging.Warn("fanout", "slow subscriber disconnected", "workflow_id", sub.WorkflowID, "subscriber", sub.ID, "backlog", h.backlog)
		sub.end(ErrSlowSubscriber)
	}
	return nil
}

// Subscribers returns the number of live subscriptions for a workflow.
func (h *Hub) Subscribers(workflowID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[workflowID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range all {
		sub.end(nil)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.WorkflowID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.WorkflowID)
		}
	}
	h.metrics.AddSubscribers(-1)
}

// pump replays from the log, then forwards live events. Live events at or
// below the last delivered sequence are duplicates and dropped; a live event
// beyond the next expected sequence means notifications were missed, and the
// gap is filled from the log first.
func (h *Hub) pump(ctx context.Context, sub *Subscription, from uint64) {
	defer close(sub.out)
	next := from

	if err := h.catchUp(ctx, sub, &next, 0); err != nil {
		sub.end(err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			sub.end(ctx.Err())
			return
		case <-sub.done:
			return
		case ev := <-sub.inbox:
			if ev.Sequence < next {
				continue
			}
			if ev.Sequence > next {
				if err := h.catchUp(ctx, sub, &next, ev.Sequence); err != nil {
					sub.end(err)
					return
				}
				if ev.Sequence < next {
					continue
				}
			}
			if !deliver(ctx, sub, ev) {
				sub.end(ctx.Err())
				return
			}
			next = ev.Sequence + 1
		}
	}
}

// catchUp delivers events from the log starting at *next. With until == 0 it
// reads to the end of the log; otherwise it stops before until.
func (h *Hub) catchUp(ctx context.Context, sub *Subscription, next *uint64, until uint64) error {
	for {
		page, err := h.log.ReadPage(ctx, sub.WorkflowID, *next, h.pageSize)
		if err != nil {
			return fmt.Errorf("replay %s from %d: %w", sub.WorkflowID, *next, err)
		}
		for _, ev := range page {
			if until > 0 && ev.Sequence >= until {
				return nil
			}
			if !deliver(ctx, sub, ev) {
				return ctx.Err()
			}
			*next = ev.Sequence + 1
		}
		if len(page) < h.pageSize {
			return nil
		}
	}
}

func deliver(ctx context.Context, sub *Subscription, ev workflow.Event) bool {
	select {
	case sub.out <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-sub.done:
		return false
	}
}
