package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// MachineEventSchemaName is the schema used for machine-state events arriving from Kafka
const MachineEventSchemaName = "machine_event"

// MachineEventSchema describes one machine-state event as published by the line controllers
const MachineEventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "MachineEvent",
  "type": "object",
  "required": ["mill", "event_time", "state"],
  "properties": {
    "id":           {"type": "string"},
    "mill":         {"type": "string", "minLength": 1},
    "factory":      {"type": ["string", "null"]},
    "event_time":   {"type": "string", "format": "date-time"},
    "state":        {"type": "string", "enum": ["RUNNING", "DOWNTIME", "UNSCHEDULED", "CHANGEOVER", "UNKNOWN"]},
    "minutes":      {"type": ["number", "null"], "minimum": 0},
    "reason":       {"type": ["string", "null"]},
    "category":     {"type": ["string", "null"]},
    "sub_category": {"type": ["string", "null"]},
    "equipment":    {"type": ["string", "null"]},
    "product_spec": {"type": ["string", "null"]},
    "comment":      {"type": ["string", "null"]}
  }
}`

// JSONSchemaValidator handles validation against JSON schemas
type JSONSchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// NewMachineEventValidator returns a validator with the machine event schema loaded
func NewMachineEventValidator() (*JSONSchemaValidator, error) {
	v := NewJSONSchemaValidator()
	if err := v.LoadSchema(MachineEventSchemaName, MachineEventSchema); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadSchema loads and compiles a JSON schema
func (v *JSONSchemaValidator) LoadSchema(name, schema string) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	v.mu.Lock()
	v.schemas[name] = compiled
	v.mu.Unlock()
	return nil
}

// ValidateBytes validates a raw JSON document against a named schema.
// Schema violations wrap ErrValidation.
func (v *JSONSchemaValidator) ValidateBytes(name string, document []byte) error {
	v.mu.RLock()
	schema, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("%w: malformed document: %v", ErrValidation, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(messages, "; "))
	}

	return nil
}
