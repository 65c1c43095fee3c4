package bus

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/workflow"
)

// QueueEngine is the queue group engine replicas share for command intake.
const QueueEngine = "flowlog-engine"

const transientRedelivery = 500 * time.Millisecond

// Publisher sends envelopes.
type Publisher interface {
	Publish(subject string, env *structpb.Struct) error
}

// Subscriber attaches envelope handlers.
type Subscriber interface {
	Subscribe(subject, queue string, handler Handler) error
}

// Engine is the part of workflow.Engine the command intake drives.
type Engine interface {
	Submit(ctx context.Context, wf *workflow.Workflow) (*workflow.Snapshot, error)
	Handle(ctx context.Context, cmd workflow.Command) (*workflow.Snapshot, error)
}

// EventPublisher implements workflow.Notifier by publishing each committed
// batch on the workflow's events subject.
type EventPublisher struct {
	pub Publisher
}

func NewEventPublisher(pub Publisher) *EventPublisher {
	return &EventPublisher{pub: pub}
}

func (p *EventPublisher) Notify(_ context.Context, events []workflow.Event) error {
	if len(events) == 0 {
		return nil
	}
	env, err := EventsEnvelope(events)
	if err != nil {
		return err
	}
	return p.pub.Publish(EventsSubject(events[0].WorkflowID), env)
}

// StartCommandIntake consumes command and submit envelopes on
// SubjectCommands. Replicas share the queue group, so each envelope is
// handled once.
func StartCommandIntake(ctx context.Context, sub Subscriber, engine Engine) error {
	return sub.Subscribe(SubjectCommands, QueueEngine, CommandHandler(ctx, engine))
}

// CommandHandler executes one envelope against the engine. Transient
// failures ask for redelivery; everything else is logged and acknowledged.
func CommandHandler(ctx context.Context, engine Engine) Handler {
	return func(env *structpb.Struct) error {
		var (
			err        error
			workflowID string
			what       string
		)
		switch kind := Kind(env); kind {
		case KindSubmit:
			var wf *workflow.Workflow
			wf, err = DecodeSubmit(env)
			if err != nil {
				return err
			}
			workflowID, what = wf.ID, KindSubmit
			_, err = engine.Submit(ctx, wf)
		case KindCommand:
			var cmd workflow.Command
			cmd, err = DecodeCommand(env)
			if err != nil {
				return err
			}
			workflowID, what = cmd.WorkflowID, string(cmd.Type)
			_, err = engine.Handle(ctx, cmd)
		default:
			return fmt.Errorf("unexpected envelope kind %q on %s", kind, SubjectCommands)
		}

		switch {
		case err == nil:
			return nil
		case workflow.IsTransient(err):
			return RetryAfter(err, transientRedelivery)
		default:
			logging.Info("bus", "command rejected", "workflow_id", workflowID, "command", what, "error", err)
			return nil
		}
	}
}

// StartEventRelay feeds events published by any replica into n. Every
// replica receives every batch; consumers deduplicate by sequence.
func StartEventRelay(sub Subscriber, n workflow.Notifier) error {
	return sub.Subscribe(SubjectEventsAll, "", func(env *structpb.Struct) error {
		events, err := DecodeEvents(env)
		if err != nil {
			return err
		}
		return n.Notify(context.Background(), events)
	})
}
