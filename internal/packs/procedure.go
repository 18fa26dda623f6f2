// ABOUTME: Procedure definitions: tool metadata, input schema and in-process executor.
// ABOUTME: NewProcedure reflects the input schema from a Go type and decodes arguments strictly.

package packs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
)

// ErrInvalidArguments indicates tool arguments do not match the declared input shape.
var ErrInvalidArguments = errors.New("invalid arguments")

// Executor runs a procedure with raw JSON arguments. The result is normalized
// by the caller: strings become text, anything else is rendered as JSON.
type Executor func(ctx context.Context, args json.RawMessage) (any, error)

// Procedure is a tool the relay executes in-process.
type Procedure struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Annotations json.RawMessage
	Execute     Executor

	// decode, when set, checks arguments against the Go type the schema was
	// reflected from.
	decode func(json.RawMessage) error
}

// ProcedureOption configures NewProcedure.
type ProcedureOption func(*Procedure)

// WithAnnotations attaches tool annotations (readOnlyHint and friends).
func WithAnnotations(annotations map[string]any) ProcedureOption {
	return func(p *Procedure) {
		if data, err := json.Marshal(annotations); err == nil {
			p.Annotations = data
		}
	}
}

// NewProcedure builds a procedure whose arguments decode into A. The input
// schema is reflected from A; unknown fields are rejected.
func NewProcedure[A any](name, description string, fn func(ctx context.Context, args A) (any, error), opts ...ProcedureOption) *Procedure {
	p := &Procedure{
		Name:        name,
		Description: description,
		InputSchema: reflectInputSchema[A](),
	}
	p.decode = func(raw json.RawMessage) error {
		var a A
		return decodeStrict(raw, &a)
	}
	p.Execute = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a A
		if err := decodeStrict(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		return fn(ctx, a)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func decodeStrict(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// reflectInputSchema reflects A into an inline object schema. Only named
// types can be expanded; unnamed ones are already inlined.
func reflectInputSchema[A any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: reflect.TypeFor[A]().Name() != "",
		Anonymous:      true,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// inputShape is the subset of a JSON schema checked by Validate.
type inputShape struct {
	Type                 string                `json:"type"`
	Properties           map[string]inputShape `json:"properties"`
	Required             []string              `json:"required"`
	AdditionalProperties *bool                 `json:"additionalProperties"`
}

// Validate checks args against the declared input shape: args must be an
// object, required keys must be present, declared property types must match,
// and unknown keys are rejected when the schema closes the object.
func (p *Procedure) Validate(args json.RawMessage) error {
	if err := p.validateShape(args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if p.decode != nil {
		if err := p.decode(args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	return nil
}

func (p *Procedure) validateShape(args json.RawMessage) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte(`{}`)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return errors.New("arguments must be a JSON object")
	}
	if len(p.InputSchema) == 0 {
		return nil
	}
	var shape inputShape
	if err := json.Unmarshal(p.InputSchema, &shape); err != nil {
		return nil
	}

	for _, key := range shape.Required {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("missing required argument %q", key)
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		prop, declared := shape.Properties[key]
		if !declared {
			if shape.AdditionalProperties != nil && !*shape.AdditionalProperties {
				return fmt.Errorf("unknown argument %q", key)
			}
			continue
		}
		if prop.Type != "" && !jsonKindMatches(prop.Type, obj[key]) {
			return fmt.Errorf("argument %q must be of type %s", key, prop.Type)
		}
	}
	return nil
}

func jsonKindMatches(want string, raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch want {
	case "string":
		return trimmed[0] == '"'
	case "boolean":
		return bytes.Equal(trimmed, []byte("true")) || bytes.Equal(trimmed, []byte("false"))
	case "object":
		return trimmed[0] == '{'
	case "array":
		return trimmed[0] == '['
	case "number":
		var f float64
		return json.Unmarshal(trimmed, &f) == nil
	case "integer":
		var i int64
		return json.Unmarshal(trimmed, &i) == nil
	case "null":
		return bytes.Equal(trimmed, []byte("null"))
	}
	return true
}
