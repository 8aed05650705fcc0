package event

import (
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ErrSchemaInvalid marks a payload that failed validation against its event
// type's declared schema.
var ErrSchemaInvalid = errors.New("payload schema invalid")

// Payload schemas per event type. Types absent from this map carry free-form
// object payloads and pass validation unconditionally.
var payloadSchemas = map[Type]map[string]any{
	TypeSessionResponse: {
		"type": "object",
		"properties": map[string]any{
			"response": map[string]any{"type": "string"},
		},
		"required":             []any{"response"},
		"additionalProperties": true,
	},
	TypeUserPromptSubmit: {
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{"type": "string"},
		},
		"required":             []any{"prompt"},
		"additionalProperties": true,
	},
	TypePreToolUse: {
		"type": "object",
		"properties": map[string]any{
			"tool_name":  map[string]any{"type": "string"},
			"tool_input": map[string]any{"type": "object"},
		},
		"required":             []any{"tool_name", "tool_input"},
		"additionalProperties": true,
	},
	TypePostToolUse: {
		"type": "object",
		"properties": map[string]any{
			"tool_name":   map[string]any{"type": "string"},
			"tool_output": map[string]any{"type": "object"},
		},
		"required":             []any{"tool_name", "tool_output"},
		"additionalProperties": true,
	},
}

var compiledSchemas = map[Type]*gojsonschema.Schema{}

func init() {
	for t, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("event: compile schema for %s: %v", t, err))
		}
		compiledSchemas[t] = schema
	}
}

// ValidatePayload checks payload against the schema declared for t.
// A nil payload is treated as an empty object.
func ValidatePayload(t Type, payload map[string]any) error {
	schema, ok := compiledSchemas[t]
	if !ok {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, verr := range result.Errors() {
			details[i] = verr.String()
		}
		return fmt.Errorf("%w for %s: %v", ErrSchemaInvalid, t, details)
	}
	return nil
}
