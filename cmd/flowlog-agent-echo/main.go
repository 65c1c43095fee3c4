package main

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/flowlog/core/infra/buildinfo"
	"github.com/cordum/flowlog/core/infra/bus"
	"github.com/cordum/flowlog/core/infra/config"
	"github.com/cordum/flowlog/sdk/client"
	"github.com/cordum/flowlog/sdk/runtime"
)

const defaultCapability = "echo"

func main() {
	log.Println("flowlog echo agent starting...")
	buildinfo.Log("flowlog-agent-echo")

	cfg := config.Load()
	if cfg.NatsURL == config.NATSDisabled {
		log.Fatalf("echo agent needs NATS; NATS_URL is %q", cfg.NatsURL)
	}
	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("connect nats: %v", err)
	}
	defer natsBus.Close()

	api := client.New(envOr("FLOWLOG_GATEWAY", "http://localhost:8080"), os.Getenv("FLOWLOG_API_KEY"))
	worker, err := runtime.NewWorker(runtime.Config{
		AgentID:     os.Getenv("FLOWLOG_AGENT_ID"),
		Kind:        "ai",
		Capability:  envOr("FLOWLOG_AGENT_CAPABILITY", defaultCapability),
		MaxParallel: 2,
	}, natsBus, api)
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := worker.Run(ctx, echoHandler(worker.AgentID())); err != nil {
		log.Fatalf("agent failed: %v", err)
	}
}

// echoHandler returns the step parameters after a short simulated delay.
func echoHandler(agentID string) runtime.TaskHandler {
	return func(ctx context.Context, task runtime.Task) (map[string]any, error) {
		log.Printf("[AGENT echo] received workflow_id=%s step_id=%s attempt=%d", task.WorkflowID, task.StepID, task.Attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100+rand.IntN(400)) * time.Millisecond):
		}
		return map[string]any{
			"echo":             task.Parameters,
			"iteration":        task.Iteration,
			"processed_by":     agentID,
			"completed_at_utc": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
