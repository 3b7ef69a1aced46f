package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaFor derives a JSON schema object from a Go struct type using
// reflection. Use struct tags (`json`, `jsonschema`) to shape the result:
//
//	type CalculatorArgs struct {
//	    A         float64 `json:"a" jsonschema:"description=First operand"`
//	    B         float64 `json:"b" jsonschema:"description=Second operand"`
//	    Operation string  `json:"operation" jsonschema:"enum=add,enum=sub,enum=mul,enum=div"`
//	}
func SchemaFor[T any]() (map[string]any, error) {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := reflector.Reflect(&zero)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reflected schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode reflected schema: %w", err)
	}
	// The $schema marker is noise in provider payloads.
	delete(out, "$schema")
	return out, nil
}

// MustSchemaFor is SchemaFor for statically known types; it panics on
// reflection failure, which indicates a programming error.
func MustSchemaFor[T any]() map[string]any {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return schema
}

// compileSchema compiles a schema object into a validator. A nil schema
// yields a nil validator, which skips validation.
func compileSchema(name string, schema map[string]any) (*schemavalidate.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for tool %s: %w", name, err)
	}
	compiled, err := schemavalidate.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for tool %s: %w", name, err)
	}
	return compiled, nil
}

// validateArguments checks raw JSON arguments against a compiled schema.
func validateArguments(compiled *schemavalidate.Schema, args json.RawMessage) error {
	if compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return err
	}
	return nil
}
