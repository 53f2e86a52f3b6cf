package nl2sql

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var candidatesSchema = map[string]any{
	"type":     "object",
	"required": []any{"candidates"},
	"properties": map[string]any{
		"candidates": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"sql"},
				"properties": map[string]any{
					"sql":     map[string]any{"type": "string"},
					"summary": map[string]any{"type": "string"},
				},
			},
		},
	},
}

var classificationSchema = map[string]any{
	"type":     "object",
	"required": []any{"intent"},
	"properties": map[string]any{
		"intent":    map[string]any{"enum": []any{"TEXT_TO_SQL", "MISLEADING_QUERY"}},
		"reasoning": map[string]any{"type": "string"},
	},
}

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// decodeValidated checks data against schema and then decodes it into out.
func decodeValidated(schema *jsonschema.Schema, data []byte, out any) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
