package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Compiled is a parsed JSON Schema that can validate many values.
type Compiled struct {
	id     string
	schema *jsonschema.Schema
}

// Compile parses an inline schema document.
func Compile(id string, doc map[string]any) (*Compiled, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return CompileBytes(id, data)
}

// CompileBytes parses a raw JSON schema payload.
func CompileBytes(id string, data []byte) (*Compiled, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Compiled{id: resourceID, schema: compiled}, nil
}

// Validate checks value against the schema.
func (c *Compiled) Validate(value any) error {
	if c == nil || c.schema == nil {
		return fmt.Errorf("schema not compiled")
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := c.schema.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %s", strings.Join(Violations(err), "; "))
	}
	return nil
}

// ValidateMap validates a value against an inline schema map.
func ValidateMap(doc map[string]any, value any) error {
	compiled, err := Compile("inline", doc)
	if err != nil {
		return err
	}
	return compiled.Validate(value)
}

// Violations flattens a validation error into instance-located messages.
func Violations(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		if err == nil {
			return nil
		}
		return []string{err.Error()}
	}
	var out []string
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, loc+": "+e.Error)
	}
	if len(out) == 0 {
		out = append(out, ve.Error())
	}
	return out
}

// normalizeValue converts Go values into the JSON-native shapes the
// validator understands (float64 numbers, []any, map[string]any).
func normalizeValue(value any) (any, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
