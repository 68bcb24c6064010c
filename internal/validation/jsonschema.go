package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/crmflow/pkg/schema"
)

const workflowSchemaURL = "https://crmflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://crmflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["triggers"],
  "properties": {
    "triggers": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/trigger" }
    },
    "conditions": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/condition_group" }
    },
    "nodes": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/connection" }
    },
    "actions": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/action" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "operator": {
      "type": "string",
      "enum": ["equals", "not_equals", "gt", "gte", "lt", "lte", "contains",
               "changed_to", "changed_from_to", "is_null", "is_not_null", "expression"]
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["RecordCreated", "RecordUpdated", "RecordDeleted", "FieldChanged", "DateBased"]
        },
        "field": { "type": "string" },
        "operator": { "$ref": "#/$defs/operator" },
        "value": { "type": "string" },
        "from_value": { "type": ["string", "null"] },
        "offset_days": { "type": "integer" },
        "preferred_time": {
          "type": "string",
          "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"
        }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "enum": ["FieldChanged", "DateBased"] } } },
          "then": { "required": ["field"], "properties": { "field": { "minLength": 1 } } }
        }
      ]
    },
    "condition": {
      "type": "object",
      "required": ["operator"],
      "properties": {
        "field": { "type": "string" },
        "operator": { "$ref": "#/$defs/operator" },
        "value": { "type": "string" },
        "from_value": { "type": ["string", "null"] }
      },
      "additionalProperties": false
    },
    "condition_group": {
      "type": "object",
      "required": ["conditions"],
      "properties": {
        "conditions": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/condition" }
        }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["trigger", "action", "branch", "wait", "condition"] },
        "config": {}
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["source_node_id", "target_node_id"],
      "properties": {
        "source_node_id": { "type": "string", "minLength": 1 },
        "target_node_id": { "type": "string", "minLength": 1 },
        "source_output": { "type": "string", "enum": ["", "yes", "no"] }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["action_type"],
      "properties": {
        "node_id": { "type": "string" },
        "action_type": { "type": "string", "minLength": 1 },
        "continue_on_error": { "type": "boolean" },
        "params": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the shape of workflow definitions and of action
// params against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled param schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInput validates params against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their source.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and URL per schema so resources never collide.
	url := fmt.Sprintf("crmflow://params-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError listing
// every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
