package bus

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/flowlog/core/workflow"
)

// Envelope kinds.
const (
	KindCommand = "command"
	KindSubmit  = "submit"
	KindEvents  = "events"
)

const (
	fieldKind    = "kind"
	fieldID      = "id"
	fieldPayload = "payload"
)

// CommandEnvelope wraps a state machine command.
func CommandEnvelope(cmd workflow.Command) (*structpb.Struct, error) {
	return newEnvelope(KindCommand, uuid.NewString(), cmd)
}

// SubmitEnvelope wraps a workflow definition for submission. The workflow
// ID doubles as the JetStream dedup ID so a resent submit is dropped.
func SubmitEnvelope(wf *workflow.Workflow) (*structpb.Struct, error) {
	if wf == nil {
		return nil, fmt.Errorf("nil workflow")
	}
	return newEnvelope(KindSubmit, "submit:"+wf.ID, wf)
}

// EventsEnvelope wraps one committed batch.
func EventsEnvelope(events []workflow.Event) (*structpb.Struct, error) {
	id := ""
	if len(events) > 0 {
		id = fmt.Sprintf("%s:%d", events[0].WorkflowID, events[0].Sequence)
	}
	return newEnvelope(KindEvents, id, events)
}

// Kind returns the envelope kind, or "" when absent.
func Kind(env *structpb.Struct) string {
	return stringField(env, fieldKind)
}

func DecodeCommand(env *structpb.Struct) (workflow.Command, error) {
	var cmd workflow.Command
	err := decodePayload(env, KindCommand, &cmd)
	return cmd, err
}

func DecodeSubmit(env *structpb.Struct) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := decodePayload(env, KindSubmit, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func DecodeEvents(env *structpb.Struct) ([]workflow.Event, error) {
	var events []workflow.Event
	err := decodePayload(env, KindEvents, &events)
	return events, err
}

func envelopeID(env *structpb.Struct) string {
	return stringField(env, fieldID)
}

func stringField(env *structpb.Struct, name string) string {
	if env == nil {
		return ""
	}
	return env.GetFields()[name].GetStringValue()
}

// newEnvelope converts payload through its JSON form so structpb only ever
// sees maps, slices, strings, float64 and bool.
func newEnvelope(kind, id string, payload any) (*structpb.Struct, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	val, err := structpb.NewValue(generic)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldKind:    structpb.NewStringValue(kind),
		fieldID:      structpb.NewStringValue(id),
		fieldPayload: val,
	}}, nil
}

func decodePayload(env *structpb.Struct, kind string, out any) error {
	if env == nil {
		return errNilEnvelope
	}
	if got := Kind(env); got != kind {
		return fmt.Errorf("envelope kind %q, want %q", got, kind)
	}
	val, ok := env.GetFields()[fieldPayload]
	if !ok {
		return fmt.Errorf("%s envelope has no payload", kind)
	}
	raw, err := json.Marshal(val.AsInterface())
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}
