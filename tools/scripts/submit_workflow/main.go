// Command submit_workflow pushes a demo workflow through the NATS command
// intake instead of the HTTP gateway and prints its events as they commit.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/flowlog/core/infra/bus"
	"github.com/cordum/flowlog/core/infra/config"
	"github.com/cordum/flowlog/core/workflow"
)

func main() {
	capability := flag.String("capability", "echo", "capability every demo step requires")
	flag.Parse()

	cfg := config.Load()
	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	wf := demoWorkflow("demo-"+uuid.NewString()[:8], *capability)

	done := make(chan struct{})
	var finish sync.Once
	err = natsBus.Subscribe(bus.EventsSubject(wf.ID), "", func(env *structpb.Struct) error {
		events, err := bus.DecodeEvents(env)
		if err != nil {
			return err
		}
		for _, ev := range events {
			log.Printf("seq=%d type=%s data=%s", ev.Sequence, ev.Type, string(ev.Data))
			switch ev.Type {
			case workflow.EventWorkflowCompleted, workflow.EventWorkflowFailed, workflow.EventWorkflowCancelled:
				finish.Do(func() { close(done) })
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}

	submit, err := bus.SubmitEnvelope(wf)
	if err != nil {
		log.Fatalf("failed to build submit envelope: %v", err)
	}
	if err := natsBus.Publish(bus.SubjectCommands, submit); err != nil {
		log.Fatalf("failed to publish submit: %v", err)
	}
	start, err := bus.CommandEnvelope(workflow.Command{Type: workflow.CommandStart, WorkflowID: wf.ID})
	if err != nil {
		log.Fatalf("failed to build start envelope: %v", err)
	}
	if err := natsBus.Publish(bus.SubjectCommands, start); err != nil {
		log.Fatalf("failed to publish start: %v", err)
	}
	log.Printf("submitted workflow_id=%s", wf.ID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-sig:
	case <-time.After(2 * time.Minute):
		log.Printf("timed out waiting for workflow_id=%s", wf.ID)
	}
}

// demoWorkflow fans two parallel steps into a join, then runs a bounded
// loop.
func demoWorkflow(id, capability string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:   id,
		Name: "nats demo",
		Steps: []workflow.StepDefinition{
			{ID: "fetch-a", Type: workflow.StepTypeParallel, Capability: capability, Parameters: map[string]any{"source": "a"}},
			{ID: "fetch-b", Type: workflow.StepTypeParallel, Capability: capability, Parameters: map[string]any{"source": "b"}},
			{ID: "join", Type: workflow.StepTypeSynchronization, Capability: capability, Dependencies: []string{"fetch-a", "fetch-b"}},
			{
				ID:           "poll",
				Type:         workflow.StepTypeLoop,
				Capability:   capability,
				Dependencies: []string{"join"},
				Loop:         &workflow.LoopConfig{MaxIterations: 3},
				Retry:        &workflow.RetryConfig{MaxRetries: 1, BackoffMs: 500},
			},
		},
	}
}
