// Package uischema validates NodeResult.UISchema payloads against the UI
// component contract (spec section 3/glossary): a closed set of component
// types, each with its own data/actions shape. Unknown component values
// degrade to a generic card rather than failing validation, since the
// contract explicitly allows that fallback.
package uischema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Component is one of the closed set of UI component types the contract
// recognizes.
type Component string

const (
	SmartTable      Component = "smart_table"
	DocumentPreview Component = "document_preview"
	ChartReport     Component = "chart_report"
	ImagePreview    Component = "image_preview"
	// GenericCard is not itself a contract member: it is the fallback
	// rendering hint attached when a node emits an unrecognized component.
	GenericCard Component = "generic_card"
)

// Envelope is the shared shape every ui_schema payload carries: a
// component discriminator plus component-specific data/actions.
type Envelope struct {
	Component Component       `json:"component"`
	Data      json.RawMessage `json:"data"`
	Actions   json.RawMessage `json:"actions"`
}

// Decode parses a validated ui_schema payload into its Envelope, for
// callers (the Agent Controller) that need to read Component/Data/Actions
// back out to build a ui_render frame.
func Decode(raw json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("uischema: decode envelope: %w", err)
	}
	return env, nil
}

// schemas maps each known component to the JSON Schema its "data" field
// must satisfy. Actions are validated against a shared list-of-action
// schema regardless of component.
var schemas = map[Component]string{
	SmartTable: `{
		"type": "object",
		"required": ["columns", "rows"],
		"properties": {
			"columns": {"type": "array", "items": {"type": "string"}},
			"rows": {"type": "array"}
		}
	}`,
	DocumentPreview: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string"},
			"title": {"type": "string"},
			"page_count": {"type": "integer"}
		}
	}`,
	ChartReport: `{
		"type": "object",
		"required": ["chart_type", "series"],
		"properties": {
			"chart_type": {"type": "string", "enum": ["line", "bar", "pie"]},
			"series": {"type": "array"}
		}
	}`,
	ImagePreview: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string"},
			"alt": {"type": "string"}
		}
	}`,
}

const actionsSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["label", "event"],
		"properties": {
			"label": {"type": "string"},
			"event": {"type": "string"}
		}
	}
}`

var (
	dataValidators   = map[Component]*jsonschema.Schema{}
	actionsValidator *jsonschema.Schema
)

func init() {
	for component, schemaJSON := range schemas {
		dataValidators[component] = mustCompile(component+"-data.json", schemaJSON)
	}
	actionsValidator = mustCompile("actions.json", actionsSchemaJSON)
}

func mustCompile(resourceName string, schemaJSON string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("uischema: invalid built-in schema %s: %v", resourceName, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		panic(fmt.Sprintf("uischema: add resource %s: %v", resourceName, err))
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("uischema: compile %s: %v", resourceName, err))
	}
	return schema
}

// Validate checks raw against the UI component contract. An unrecognized
// component is not an error: Validate returns a rewritten payload tagged
// GenericCard, per the contract's explicit fallback. A recognized
// component whose data or actions fail their schema IS an error.
func Validate(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("uischema: decode ui_schema: %w", err)
	}

	validator, known := dataValidators[env.Component]
	if !known {
		return toGenericCard(raw)
	}

	if len(env.Data) > 0 {
		var dataDoc any
		if err := json.Unmarshal(env.Data, &dataDoc); err != nil {
			return nil, fmt.Errorf("uischema: decode %s data: %w", env.Component, err)
		}
		if err := validator.Validate(dataDoc); err != nil {
			return nil, fmt.Errorf("uischema: %s data failed validation: %w", env.Component, err)
		}
	}
	if len(env.Actions) > 0 {
		var actionsDoc any
		if err := json.Unmarshal(env.Actions, &actionsDoc); err != nil {
			return nil, fmt.Errorf("uischema: decode %s actions: %w", env.Component, err)
		}
		if err := actionsValidator.Validate(actionsDoc); err != nil {
			return nil, fmt.Errorf("uischema: %s actions failed validation: %w", env.Component, err)
		}
	}
	return raw, nil
}

// toGenericCard wraps an unrecognized payload as a generic_card so the
// client always receives a renderable component.
func toGenericCard(raw json.RawMessage) (json.RawMessage, error) {
	wrapped, err := json.Marshal(map[string]any{
		"component": GenericCard,
		"data":      json.RawMessage(raw),
	})
	if err != nil {
		return nil, fmt.Errorf("uischema: wrap generic card: %w", err)
	}
	return wrapped, nil
}
