package toolexecutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrPayloadInvalid is returned when a payload violates a tool's parameter schema
var ErrPayloadInvalid = errors.New("payload does not match parameter schema")

// ValidatePayload checks payload against a JSON schema.
// An empty schema accepts any object.
func ValidatePayload(schema, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if len(schema) == 0 {
		return nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return fmt.Errorf("invalid parameter schema: %w", err)
	}
	return validateAgainst(compiled, gojsonschema.NewBytesLoader(payload))
}

func validateAgainst(schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) error {
	result, err := schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrPayloadInvalid, strings.Join(msgs, "; "))
	}
	return nil
}

// schemaMap builds a JSON schema from flat parameter definitions
func schemaMap(params []ToolParameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// SchemaFor renders parameter definitions as a JSON schema document
func SchemaFor(params []ToolParameter) json.RawMessage {
	raw, err := json.Marshal(schemaMap(params))
	if err != nil {
		return nil
	}
	return raw
}
