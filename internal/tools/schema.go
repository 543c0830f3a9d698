// ABOUTME: JSON Schema compilation and validation helpers for tool contracts
// ABOUTME: Wraps santhosh-tekuri/jsonschema with fault-coded validation results

package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/2389/fabric-gateway/internal/fault"
)

// compileSchema compiles a raw JSON Schema document.
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validate checks a raw JSON document against a compiled schema, mapping
// violations to VALIDATION_ERROR with the schema path in the details.
func validate(schema *jsonschema.Schema, raw json.RawMessage, what string) error {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fault.New(fault.CodeValidation, "%s is not valid JSON: %v", what, err)
	}
	if err := schema.Validate(value); err != nil {
		return fault.New(fault.CodeValidation, "%s does not match schema", what).
			WithDetail("violation", err.Error())
	}
	return nil
}
