// ABOUTME: Tests for typed procedures: schema reflection, strict decoding and shape validation.
// ABOUTME: Also covers validation of hand-written schemas.

package packs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetArgs struct {
	Name  string `json:"name" jsonschema:"description=Who to greet"`
	Times int    `json:"times,omitempty"`
}

func greetProcedure() *Procedure {
	return NewProcedure("greet", "Greets someone", func(ctx context.Context, a greetArgs) (any, error) {
		out := ""
		for i := 0; i < max(a.Times, 1); i++ {
			out += "hello " + a.Name + "\n"
		}
		return out, nil
	}, WithAnnotations(map[string]any{"readOnlyHint": true}))
}

func TestNewProcedureReflectsSchema(t *testing.T) {
	p := greetProcedure()

	var schema map[string]any
	require.NoError(t, json.Unmarshal(p.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"name"}, schema["required"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.NotContains(t, schema, "$schema")

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	name, ok := props["name"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", name["type"])
	assert.Equal(t, "Who to greet", name["description"])

	assert.JSONEq(t, `{"readOnlyHint":true}`, string(p.Annotations))
}

func TestNewProcedureWithUnnamedArgumentTypes(t *testing.T) {
	empty := NewProcedure("ping", "No arguments", func(ctx context.Context, _ struct{}) (any, error) {
		return "pong", nil
	})
	var schema map[string]any
	require.NoError(t, json.Unmarshal(empty.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.NoError(t, empty.Validate(nil))
	assert.ErrorIs(t, empty.Validate(json.RawMessage(`{"extra":1}`)), ErrInvalidArguments)

	inline := NewProcedure("shout", "Inline argument struct", func(ctx context.Context, a struct {
		Text string `json:"text"`
	}) (any, error) {
		return a.Text + "!", nil
	})
	schema = nil
	require.NoError(t, json.Unmarshal(inline.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"text"}, schema["required"])

	out, err := inline.Execute(context.Background(), json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi!", out)
}

func TestProcedureValidate(t *testing.T) {
	p := greetProcedure()
	tests := []struct {
		name    string
		args    string
		wantErr string
	}{
		{"valid", `{"name":"ada","times":2}`, ""},
		{"missing required", `{"times":2}`, `missing required argument "name"`},
		{"wrong type", `{"name":5}`, `argument "name" must be of type string`},
		{"unknown field", `{"name":"ada","colour":"red"}`, `unknown argument "colour"`},
		{"not an object", `"ada"`, "must be a JSON object"},
		{"fractional integer", `{"name":"ada","times":1.5}`, `argument "times" must be of type integer`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(json.RawMessage(tt.args))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidArguments)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProcedureExecuteDecodesArguments(t *testing.T) {
	p := greetProcedure()
	out, err := p.Execute(context.Background(), json.RawMessage(`{"name":"ada","times":2}`))
	require.NoError(t, err)
	assert.Equal(t, "hello ada\nhello ada\n", out)

	_, err = p.Execute(context.Background(), json.RawMessage(`{"nom":"ada"}`))
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestValidateHandWrittenSchema(t *testing.T) {
	p := &Procedure{
		Name:        "open",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"flag":{"type":"boolean"},"tags":{"type":"array"}},"required":["flag"]}`),
		Execute:     func(ctx context.Context, args json.RawMessage) (any, error) { return nil, nil },
	}
	assert.NoError(t, p.Validate(json.RawMessage(`{"flag":true,"extra":1}`)), "open schemas accept unknown keys")
	assert.ErrorIs(t, p.Validate(json.RawMessage(`{"flag":"yes"}`)), ErrInvalidArguments)
	assert.ErrorIs(t, p.Validate(json.RawMessage(`{"flag":true,"tags":{}}`)), ErrInvalidArguments)
	assert.ErrorIs(t, p.Validate(nil), ErrInvalidArguments)
}

func TestValidateEmptyArgumentsAsObject(t *testing.T) {
	p := rawProcedure("noargs")
	assert.NoError(t, p.Validate(nil))
	assert.NoError(t, p.Validate(json.RawMessage(`null`)))
}
