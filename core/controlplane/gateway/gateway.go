// Package gateway exposes the workflow engine over HTTP: the command and
// query API, agent registration, and a websocket event stream.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/flowlog/core/assignment"
	"github.com/cordum/flowlog/core/fanout"
	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/infra/metrics"
	"github.com/cordum/flowlog/core/workflow"
)

const (
	component = "api-gateway"

	maxDefinitionBytes    = 1 << 20
	maxCommandBytes       = 256 << 10
	defaultListLimit      = 100
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100

	envRateLimitRPS   = "FLOWLOG_API_RATE_LIMIT_RPS"
	envRateLimitBurst = "FLOWLOG_API_RATE_LIMIT_BURST"
	envAllowedOrigins = "FLOWLOG_ALLOWED_ORIGINS"
)

// Engine is the command and query surface of workflow.Engine.
type Engine interface {
	Submit(ctx context.Context, wf *workflow.Workflow) (*workflow.Snapshot, error)
	Handle(ctx context.Context, cmd workflow.Command) (*workflow.Snapshot, error)
	GetSnapshot(ctx context.Context, workflowID string) (*workflow.Snapshot, error)
	GetEvents(ctx context.Context, workflowID string, from uint64, limit int) ([]workflow.Event, error)
	ListWorkflows(ctx context.Context, limit int) ([]string, error)
}

// Streamer opens event subscriptions. *fanout.Hub implements it.
type Streamer interface {
	Subscribe(ctx context.Context, workflowID string, from uint64) (*fanout.Subscription, error)
}

// Options wire a Server. Agents and Hub are optional; their routes answer
// 503 when absent.
type Options struct {
	Engine  Engine
	Hub     Streamer
	Agents  assignment.Registry
	Metrics metrics.GatewayMetrics
	Auth    AuthProvider
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine  Engine
	hub     Streamer
	agents  assignment.Registry
	metrics metrics.GatewayMetrics
	auth    AuthProvider
	limiter *tokenBucket
	started time.Time
	now     func() time.Time
}

func New(opts Options) *Server {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Server{
		engine:  opts.Engine,
		hub:     opts.Hub,
		agents:  opts.Agents,
		metrics: m,
		auth:    opts.Auth,
		limiter: newTokenBucketFromEnv(),
		started: time.Now(),
		now:     time.Now,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  isAllowedOrigin,
	Subprotocols: []string{wsAPIKeyProtocol},
}

// Handler returns the routed, middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Workflows
	mux.HandleFunc("GET /api/v1/workflows", s.instrumented("/api/v1/workflows", s.handleListWorkflows))
	mux.HandleFunc("POST /api/v1/workflows", s.instrumented("/api/v1/workflows", s.handleSubmit))
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.instrumented("/api/v1/workflows/{id}", s.handleGetSnapshot))
	mux.HandleFunc("GET /api/v1/workflows/{id}/events", s.instrumented("/api/v1/workflows/{id}/events", s.handleGetEvents))
	mux.HandleFunc("POST /api/v1/workflows/{id}/{action}", s.instrumented("/api/v1/workflows/{id}/{action}", s.handleLifecycle))

	// Steps
	mux.HandleFunc("POST /api/v1/workflows/{id}/steps/{step_id}/{action}", s.instrumented("/api/v1/workflows/{id}/steps/{step_id}/{action}", s.handleStepCommand))

	// Agents
	mux.HandleFunc("GET /api/v1/agents", s.instrumented("/api/v1/agents", s.handleListAgents))
	mux.HandleFunc("PUT /api/v1/agents/{agent_id}", s.instrumented("/api/v1/agents/{agent_id}", s.handleRegisterAgent))
	mux.HandleFunc("DELETE /api/v1/agents/{agent_id}", s.instrumented("/api/v1/agents/{agent_id}", s.handleRemoveAgent))

	// Stream (WebSocket)
	mux.HandleFunc("GET /api/v1/workflows/{id}/stream", s.instrumented("/api/v1/workflows/{id}/stream", s.handleStream))

	return corsMiddleware(s.rateLimitMiddleware(apiKeyMiddleware(s.auth, mux)))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(component, "http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type tokenBucket struct {
	tokens chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst), stop: make(chan struct{})}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tb.stop:
				return
			case <-ticker.C:
				select {
				case tb.tokens <- struct{}{}:
				default:
				}
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	return newTokenBucket(intEnv(envRateLimitRPS, defaultRateLimitRPS), intEnv(envRateLimitBurst, defaultRateLimitBurst))
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

func (tb *tokenBucket) Close() {
	if tb == nil {
		return
	}
	tb.once.Do(func() { close(tb.stop) })
}

// Close stops the rate limiter's refill goroutine.
func (s *Server) Close() {
	s.limiter.Close()
}

func intEnv(key string, def int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin admits requests without an Origin, loopback origins, the
// request's own host, and anything listed in FLOWLOG_ALLOWED_ORIGINS ("*"
// allows all).
func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	raw := strings.TrimSpace(os.Getenv(envAllowedOrigins))
	if raw == "*" {
		return true
	}
	if raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == origin {
				return true
			}
		}
		return false
	}
	host := originHost(origin)
	switch host {
	case "":
		return false
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(host, requestHostname(r.Host))
}

func originHost(origin string) string {
	_, rest, ok := strings.Cut(origin, "://")
	if !ok || rest == "" {
		return ""
	}
	rest, _, _ = strings.Cut(rest, "/")
	if strings.HasPrefix(rest, "[") {
		if end := strings.Index(rest, "]"); end > 0 {
			return strings.ToLower(rest[1:end])
		}
	}
	host, _, _ := strings.Cut(rest, ":")
	return strings.ToLower(host)
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record request metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}
