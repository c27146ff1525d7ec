package tripsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RouterConfig declares one entity type's event stream. Schema is optional;
// when present, create payloads and post-patch update snapshots must satisfy
// it. AggregateOf resolves the owning aggregate for membership checks and
// recipient computation. SelfAggregate marks the router whose entities are
// aggregates themselves (the actor becomes the first member on create).
type RouterConfig struct {
	Name          string
	Schema        *jsonschema.Schema
	AggregateOf   func(data json.RawMessage) (string, error)
	SelfAggregate bool
}

// AggregateField returns an AggregateOf that reads a required string field
// from the payload, e.g. AggregateField("travelId").
func AggregateField(field string) func(json.RawMessage) (string, error) {
	return func(data json.RawMessage) (string, error) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return "", ErrInvalidInput
		}
		raw, ok := fields[field]
		if !ok {
			return "", fmt.Errorf("missing %s: %w", field, ErrInvalidInput)
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil || strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("invalid %s: %w", field, ErrInvalidInput)
		}
		return value, nil
	}
}

// MustCompileSchema compiles an inline JSON Schema document. Panics on a
// malformed schema; router schemas are program constants.
func MustCompileSchema(name, document string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(document))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return schema
}

func (c RouterConfig) validate(data json.RawMessage) error {
	if c.Schema == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Router: c.Name, Detail: "invalid json"}
	}
	if err := c.Schema.Validate(instance); err != nil {
		return &ValidationError{Router: c.Name, Detail: err.Error()}
	}
	return nil
}

func (c RouterConfig) aggregateOf(entityID string, data json.RawMessage) (string, error) {
	if c.SelfAggregate {
		return entityID, nil
	}
	if c.AggregateOf == nil {
		return "", fmt.Errorf("router %s has no aggregate resolver: %w", c.Name, ErrInvalidInput)
	}
	return c.AggregateOf(data)
}
