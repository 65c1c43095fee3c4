package workflowengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/flowlog/core/assignment"
	"github.com/cordum/flowlog/core/configsvc"
	"github.com/cordum/flowlog/core/controlplane/gateway"
	"github.com/cordum/flowlog/core/fanout"
	"github.com/cordum/flowlog/core/infra/bus"
	"github.com/cordum/flowlog/core/infra/config"
	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/infra/metrics"
	"github.com/cordum/flowlog/core/workflow"
)

const (
	component              = "workflow-engine"
	metricsNamespace       = "flowlog"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second

	envSweepInterval  = "FLOWLOG_SWEEP_INTERVAL"
	envSweepScanLimit = "FLOWLOG_SWEEP_SCAN_LIMIT"
	envInstanceID     = "FLOWLOG_INSTANCE_ID"
)

// Run starts the engine process and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	engineCfg, err := config.LoadEngine(cfg.EngineConfigPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load engine config: %w", err)
		}
		logging.Warn(component, "engine config not found, using defaults", "path", cfg.EngineConfigPath)
	}

	sweepInterval := 5 * time.Second
	if v := os.Getenv(envSweepInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sweepInterval = d
		}
	}
	sweepLimit := 500
	if v := os.Getenv(envSweepScanLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sweepLimit = n
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := openBackends(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s backends: %w", cfg.Store, err)
	}
	defer backends.Close()

	owner := instanceID()
	if backends.redis != nil {
		engineCfg, err = overlayEngineConfig(ctx, configsvc.NewWithClient(backends.redis), engineCfg, instanceName())
		if err != nil {
			return err
		}
	}

	engine := workflow.NewEngine(backends.log, engineSettings(engineCfg)).
		WithMetrics(metrics.NewProm(metricsNamespace))
	defer engine.Close()

	hub := fanout.NewHub(backends.log, fanout.Options{
		Backlog:  engineCfg.SubscriberBacklog,
		PageSize: engineCfg.ReadPageSize,
		Metrics:  metrics.NewFanoutProm(metricsNamespace),
	})
	defer hub.Close()

	manager := assignment.NewManager(backends.agents, assignment.LeastLoaded{}, engineCfg.AgentCooldown())
	assigner := assignment.NewAssigner(manager, engine, engineCfg.AssignPollInterval()).
		WithMetrics(metrics.NewAssignmentProm(metricsNamespace))
	engine.WithAgents(manager).WithReadyHandler(assigner)
	go assigner.Start(ctx)

	// The hub drops sequences it already delivered, so local commits and
	// their echo from the relay reach each subscriber once.
	engine.WithNotifier(hub)

	var checks []DependencyCheck
	if cfg.NatsURL != config.NATSDisabled {
		natsBus, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()

		engine.WithNotifier(bus.NewEventPublisher(natsBus))
		if err := bus.StartEventRelay(natsBus, hub); err != nil {
			return fmt.Errorf("subscribe %s: %w", bus.SubjectEventsAll, err)
		}
		if err := bus.StartCommandIntake(ctx, natsBus, engine); err != nil {
			return fmt.Errorf("subscribe %s: %w", bus.SubjectCommands, err)
		}
		checks = append(checks, natsBus.IsConnected)
	} else {
		logging.Info(component, "nats disabled, serving local subscribers only")
	}

	sw := newSweeper(engine, backends.lease, owner, sweepInterval, sweepLimit)
	go sw.Start(ctx)

	metricsSrv := startMetricsServer(cfg.MetricsAddr)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	hs := newHealthServer(checks...)
	go func() {
		if err := hs.Serve(ctx, lis, sweepInterval); err != nil {
			logging.Error(component, "health server error", "error", err)
		}
	}()

	auth, err := gateway.NewAPIKeyAuthFromEnv()
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}
	opts := gateway.Options{
		Engine:  engine,
		Hub:     hub,
		Agents:  backends.agents,
		Metrics: metrics.NewGatewayProm(metricsNamespace),
	}
	if auth != nil {
		opts.Auth = auth
	} else {
		logging.Warn(component, "no api keys configured, http api is unauthenticated")
	}
	api := gateway.New(opts)
	defer api.Close()

	logging.Info(component, "started",
		"instance", owner,
		"store", cfg.Store,
		"http", cfg.HTTPAddr,
		"grpc", cfg.GRPCAddr,
		"metrics", cfg.MetricsAddr,
		"sweep_interval", sweepInterval.String(),
	)
	serveErr := api.ListenAndServe(ctx, cfg.HTTPAddr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	logging.Info(component, "stopped")
	return nil
}

// instanceName is the stable key for per-replica config overrides.
func instanceName() string {
	if v := os.Getenv(envInstanceID); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "flowlog"
	}
	return host
}

// instanceID is unique per process so two replicas on one host never share
// a lease owner.
func instanceID() string {
	return instanceName() + "-" + uuid.NewString()[:8]
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()
	return srv
}
