package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/flowlog/core/workflow"
)

type loopbackBus struct {
	mu       sync.Mutex
	handlers map[string]Handler
	sent     map[string][]*structpb.Struct
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{handlers: map[string]Handler{}, sent: map[string][]*structpb.Struct{}}
}

func (b *loopbackBus) Publish(subject string, env *structpb.Struct) error {
	b.mu.Lock()
	b.sent[subject] = append(b.sent[subject], env)
	h := b.handlers[subject]
	b.mu.Unlock()
	if h != nil {
		return h(env)
	}
	return nil
}

func (b *loopbackBus) Subscribe(subject, _ string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return nil
}

type stubEngine struct {
	submitted []*workflow.Workflow
	handled   []workflow.Command
	err       error
}

func (e *stubEngine) Submit(_ context.Context, wf *workflow.Workflow) (*workflow.Snapshot, error) {
	e.submitted = append(e.submitted, wf)
	return workflow.NewSnapshot(wf.ID), e.err
}

func (e *stubEngine) Handle(_ context.Context, cmd workflow.Command) (*workflow.Snapshot, error) {
	e.handled = append(e.handled, cmd)
	return workflow.NewSnapshot(cmd.WorkflowID), e.err
}

type collectNotifier struct {
	batches [][]workflow.Event
}

func (n *collectNotifier) Notify(_ context.Context, events []workflow.Event) error {
	n.batches = append(n.batches, events)
	return nil
}

func TestCommandEnvelopeRoundTrip(t *testing.T) {
	cmd := workflow.Command{
		Type:       workflow.CommandCompleteStep,
		WorkflowID: "wf-1",
		StepID:     "fetch",
		Result:     map[string]any{"rows": 3.0, "source": "s3"},
	}
	env, err := CommandEnvelope(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if Kind(env) != KindCommand || envelopeID(env) == "" {
		t.Fatalf("unexpected envelope header %v", env)
	}
	got, err := DecodeCommand(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != cmd.Type || got.StepID != "fetch" || got.Result["rows"] != 3.0 {
		t.Fatalf("command mismatch: %+v", got)
	}
	if _, err := DecodeEvents(env); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
}

func TestSubmitEnvelopeUsesWorkflowID(t *testing.T) {
	wf := &workflow.Workflow{
		ID:    "wf-9",
		Name:  "ingest",
		Steps: []workflow.StepDefinition{{ID: "a", Type: workflow.StepTypeSequential}},
	}
	env, err := SubmitEnvelope(wf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if envelopeID(env) != "submit:wf-9" {
		t.Fatalf("unexpected dedup id %q", envelopeID(env))
	}
	got, err := DecodeSubmit(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "wf-9" || len(got.Steps) != 1 || got.Steps[0].Type != workflow.StepTypeSequential {
		t.Fatalf("workflow mismatch: %+v", got)
	}
	if _, err := SubmitEnvelope(nil); err == nil {
		t.Fatalf("expected error for nil workflow")
	}
}

func TestEventsEnvelopePreservesPayload(t *testing.T) {
	ev, err := workflow.NewEvent("wf-2", workflow.EventStepCompleted, &workflow.StepCompletedData{StepID: "a", Result: map[string]any{"ok": true}}, time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	ev.Sequence = 4
	env, err := EventsEnvelope([]workflow.Event{ev})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if envelopeID(env) != "wf-2:4" {
		t.Fatalf("unexpected id %q", envelopeID(env))
	}
	got, err := DecodeEvents(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Sequence != 4 || !got[0].Timestamp.Equal(ev.Timestamp) {
		t.Fatalf("event mismatch: %+v", got)
	}
	payload, err := workflow.DecodePayload(got[0])
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	data, ok := payload.(*workflow.StepCompletedData)
	if !ok || data.StepID != "a" || data.Result["ok"] != true {
		t.Fatalf("payload mismatch: %#v", payload)
	}
}

func TestDecodeRejectsMissingPayload(t *testing.T) {
	if _, err := DecodeCommand(nil); !errors.Is(err, errNilEnvelope) {
		t.Fatalf("expected nil envelope error, got %v", err)
	}
	env := &structpb.Struct{Fields: map[string]*structpb.Value{fieldKind: structpb.NewStringValue(KindCommand)}}
	if _, err := DecodeCommand(env); err == nil {
		t.Fatalf("expected error for missing payload")
	}
}

func TestCommandIntakeDispatches(t *testing.T) {
	b := newLoopbackBus()
	eng := &stubEngine{}
	if err := StartCommandIntake(context.Background(), b, eng); err != nil {
		t.Fatalf("start intake: %v", err)
	}

	wf := &workflow.Workflow{ID: "wf-3", Steps: []workflow.StepDefinition{{ID: "a", Type: workflow.StepTypeSequential}}}
	env, _ := SubmitEnvelope(wf)
	if err := b.Publish(SubjectCommands, env); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env, _ = CommandEnvelope(workflow.Command{Type: workflow.CommandStart, WorkflowID: "wf-3"})
	if err := b.Publish(SubjectCommands, env); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(eng.submitted) != 1 || eng.submitted[0].ID != "wf-3" {
		t.Fatalf("expected one submit, got %+v", eng.submitted)
	}
	if len(eng.handled) != 1 || eng.handled[0].Type != workflow.CommandStart {
		t.Fatalf("expected one start, got %+v", eng.handled)
	}
}

func TestCommandHandlerErrorClasses(t *testing.T) {
	eng := &stubEngine{}
	h := CommandHandler(context.Background(), eng)
	env, _ := CommandEnvelope(workflow.Command{Type: workflow.CommandPause, WorkflowID: "wf-4"})

	eng.err = workflow.ErrConcurrencyConflict
	if _, ok := retryDelay(h(env)); !ok {
		t.Fatalf("conflict should request redelivery")
	}

	eng.err = &workflow.CommandError{Kinds: []error{workflow.ErrInvalidTransition}, Command: workflow.CommandPause}
	if err := h(env); err != nil {
		t.Fatalf("rejected command should be acknowledged, got %v", err)
	}

	events, _ := EventsEnvelope(nil)
	if err := h(events); err == nil {
		t.Fatalf("expected error for events envelope on command subject")
	}
}

func TestEventPublisherAndRelay(t *testing.T) {
	b := newLoopbackBus()
	pub := NewEventPublisher(b)
	sink := &collectNotifier{}

	// the loopback routes by exact subject, so attach the relay handler to
	// the concrete workflow subject as well as the wildcard
	if err := StartEventRelay(b, sink); err != nil {
		t.Fatalf("relay: %v", err)
	}
	b.handlers[EventsSubject("wf-5")] = b.handlers[SubjectEventsAll]

	if err := pub.Notify(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	ev, _ := workflow.NewEvent("wf-5", workflow.EventWorkflowStarted, &workflow.WorkflowReasonData{}, time.Now())
	ev.Sequence = 2
	if err := pub.Notify(context.Background(), []workflow.Event{ev}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(b.sent[EventsSubject("wf-5")]) != 1 {
		t.Fatalf("expected one publish on workflow subject, got %v", b.sent)
	}
	if len(sink.batches) != 1 || sink.batches[0][0].Sequence != 2 {
		t.Fatalf("relay did not deliver batch: %+v", sink.batches)
	}
}
