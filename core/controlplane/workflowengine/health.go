package workflowengine

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cordum/flowlog/core/infra/logging"
)

const (
	// healthService is the service name health clients ask about; "" covers the
	// whole process.
	healthService = "flowlog.engine"

	envHealthTLSCert = "FLOWLOG_GRPC_TLS_CERT"
	envHealthTLSKey  = "FLOWLOG_GRPC_TLS_KEY"
)

// DependencyCheck reports whether a dependency is reachable.
type DependencyCheck func() bool

// healthServer exposes grpc.health.v1 and flips to NOT_SERVING while any
// check fails.
type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
	checks []DependencyCheck
}

func newHealthServer(checks ...DependencyCheck) *healthServer {
	creds := grpc.Creds(insecure.NewCredentials())
	if cert := os.Getenv(envHealthTLSCert); cert != "" {
		key := os.Getenv(envHealthTLSKey)
		if key == "" {
			logging.Warn(component, "grpc tls cert provided without key, continuing insecure")
		} else if tc, err := credentials.NewServerTLSFromFile(cert, key); err != nil {
			logging.Warn(component, "grpc tls credentials failed, continuing insecure", "error", err)
		} else {
			creds = grpc.Creds(tc)
		}
	}
	hs := &healthServer{
		grpc:   grpc.NewServer(creds),
		health: health.NewServer(),
		checks: checks,
	}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	hs.refresh()
	return hs
}

func (h *healthServer) refresh() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for _, check := range h.checks {
		if !check() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(healthService, status)
	return status
}

// Serve blocks until ctx is cancelled, refreshing status every interval.
func (h *healthServer) Serve(ctx context.Context, lis net.Listener, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.health.Shutdown()
				h.grpc.GracefulStop()
				return
			case <-ticker.C:
				h.refresh()
			}
		}
	}()
	if err := h.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
