package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchema is a tool's input schema compiled once at registration.
// A nil schema accepts any JSON input.
type compiledSchema struct {
	schema   *jsonschema.Schema
	required []string
}

// compileSchema compiles a tool's parameter schema.
func compileSchema(name string, raw json.RawMessage) (*compiledSchema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &compiledSchema{}, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}

	var shape struct {
		Required []string `json:"required"`
	}
	_ = json.Unmarshal(raw, &shape)
	return &compiledSchema{schema: compiled, required: shape.Required}, nil
}

// validate checks input against the schema. Empty input is treated as an
// empty object, and a failure then carries a hint naming what is required.
func (c *compiledSchema) validate(input json.RawMessage) error {
	empty := isEmptyInput(input)
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}

	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	if c.schema == nil {
		return nil
	}
	err := c.schema.Validate(v)
	if err == nil {
		return nil
	}

	msg := describeValidation(err)
	if empty && len(c.required) > 0 {
		msg += fmt.Sprintf("; the call had no input, provide the required parameters: %s", joinComma(c.required))
	}
	return errors.New(msg)
}

func isEmptyInput(input json.RawMessage) bool {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return true
	}
	var m map[string]json.RawMessage
	return json.Unmarshal(trimmed, &m) == nil && len(m) == 0
}

// describeValidation flattens a jsonschema error tree into its leaf causes.
func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.Strings(leaves)
	return "schema validation failed: " + strings.Join(leaves, "; ")
}
