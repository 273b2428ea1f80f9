// ABOUTME: Tool input schemas and their JSON Schema rendering
// ABOUTME: Inputs are validated with santhosh-tekuri/jsonschema compiled once per tool

package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Field types accepted in a Schema.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Field describes one named input field.
type Field struct {
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Schema maps input field names to their descriptions.
type Schema map[string]Field

// JSONSchema renders the schema as a JSON Schema object document.
// Extra input fields are allowed.
func (s Schema) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s))
	required := make([]string, 0)

	for name, f := range s {
		prop := map[string]any{"type": f.Type}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[name] = prop
		if f.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func validFieldType(t string) bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// compile checks field types and compiles the JSON Schema rendering.
func (s Schema) compile() (*jsonschema.Schema, error) {
	for name, f := range s {
		if name == "" {
			return nil, fmt.Errorf("empty field name")
		}
		if !validFieldType(f.Type) {
			return nil, fmt.Errorf("field %q has unsupported type %q", name, f.Type)
		}
	}

	// Round-trip through JSON so the compiler sees plain JSON values.
	raw, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// validate checks an input mapping against a compiled schema.
func validate(schema *jsonschema.Schema, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("input is not JSON-encodable: %w", err)
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}

	return schema.Validate(payload)
}
