package provider

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// defaultResponseSchema is the acceptance contract for provider output: a
// non-empty result string and a non-negative cost. Tasks whose providers
// return anything else are treated as failed dispatches.
const defaultResponseSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["output"],
	"properties": {
		"output": {"type": "string", "minLength": 1},
		"cost": {"type": "number", "minimum": 0}
	}
}`

// Validator checks provider responses against a JSON schema before the
// orchestrator accepts them.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaJSON, or the default response schema when
// schemaJSON is empty.
func NewValidator(schemaJSON string) (*Validator, error) {
	if schemaJSON == "" {
		schemaJSON = defaultResponseSchema
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("parse response schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", doc); err != nil {
		return nil, fmt.Errorf("add response schema: %w", err)
	}
	schema, err := compiler.Compile("response.json")
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a response against the schema. The response is round-tripped
// through JSON so the schema sees exactly what the wire carried.
func (v *Validator) Validate(resp *Response) error {
	if resp == nil {
		return fmt.Errorf("validate response: nil response")
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("validate response: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("validate response: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("response rejected by schema: %w", err)
	}
	return nil
}
