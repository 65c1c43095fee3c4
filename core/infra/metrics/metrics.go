package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics captures command handling in the workflow engine.
type EngineMetrics interface {
	IncCommand(command, outcome string)
	AddEventsAppended(eventType string, n int)
	IncConflict(command string)
	IncWorkflowFinished(state string)
	ObserveAppend(durationSeconds float64)
}

// FanoutMetrics captures subscription hub activity.
type FanoutMetrics interface {
	AddSubscribers(delta int)
	IncSlowDisconnect()
}

// AssignmentMetrics captures agent selection outcomes.
type AssignmentMetrics interface {
	IncAssignment(outcome string)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncCommand(string, string)                      {}
func (Noop) AddEventsAppended(string, int)                  {}
func (Noop) IncConflict(string)                             {}
func (Noop) IncWorkflowFinished(string)                     {}
func (Noop) ObserveAppend(float64)                          {}
func (Noop) AddSubscribers(int)                             {}
func (Noop) IncSlowDisconnect()                             {}
func (Noop) IncAssignment(string)                           {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements EngineMetrics backed by Prometheus collectors.
type Prom struct {
	commands       *prometheus.CounterVec
	eventsAppended *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	finished       *prometheus.CounterVec
	appendLatency  prometheus.Histogram
	once           sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Workflow commands by name and outcome",
		}, []string{"command", "outcome"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to workflow logs by type",
		}, []string{"event_type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Optimistic append conflicts by command",
		}, []string{"command"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Workflows reaching a terminal state",
		}, []string{"state"}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Event log append latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.commands, p.eventsAppended, p.conflicts, p.finished, p.appendLatency)
	})
	return p
}

func (p *Prom) IncCommand(command, outcome string) {
	p.commands.WithLabelValues(command, outcome).Inc()
}

func (p *Prom) AddEventsAppended(eventType string, n int) {
	p.eventsAppended.WithLabelValues(eventType).Add(float64(n))
}

func (p *Prom) IncConflict(command string) {
	p.conflicts.WithLabelValues(command).Inc()
}

func (p *Prom) IncWorkflowFinished(state string) {
	p.finished.WithLabelValues(state).Inc()
}

func (p *Prom) ObserveAppend(durationSeconds float64) {
	p.appendLatency.Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Fan-out metrics ---

type fanoutProm struct {
	subscribers prometheus.Gauge
	slow        prometheus.Counter
	once        sync.Once
}

// NewFanoutProm constructs FanoutMetrics with a gauge and a counter.
func NewFanoutProm(namespace string) FanoutMetrics {
	f := &fanoutProm{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers_active",
			Help:      "Connected event stream subscribers",
		}),
		slow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_slow_disconnects_total",
			Help:      "Subscribers dropped for exceeding their backlog",
		}),
	}
	f.once.Do(func() {
		prometheus.MustRegister(f.subscribers, f.slow)
	})
	return f
}

func (f *fanoutProm) AddSubscribers(delta int) {
	f.subscribers.Add(float64(delta))
}

func (f *fanoutProm) IncSlowDisconnect() {
	f.slow.Inc()
}

// --- Assignment metrics ---

type assignmentProm struct {
	assignments *prometheus.CounterVec
	once        sync.Once
}

// NewAssignmentProm constructs AssignmentMetrics.
func NewAssignmentProm(namespace string) AssignmentMetrics {
	a := &assignmentProm{
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Agent assignment attempts by outcome",
		}, []string{"outcome"}),
	}
	a.once.Do(func() {
		prometheus.MustRegister(a.assignments)
	})
	return a
}

func (a *assignmentProm) IncAssignment(outcome string) {
	a.assignments.WithLabelValues(outcome).Inc()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
