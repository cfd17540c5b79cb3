package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flexli/flexli/pkg/schema"
)

const workflowSchemaURL = "https://flexli.dev/schemas/workflow-v1.json"

// workflowSchemaJSON describes the shape of a workflow document. Rules that
// depend on action types or cross-field values live in rules.go.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flexli.dev/schemas/workflow-v1.json",
  "type": "object",
  "required": ["name", "actions"],
  "properties": {
    "id": { "type": "string" },
    "tenant_id": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string", "minLength": 1 },
    "enabled": { "type": "boolean" },
    "created_at": { "type": "string" },
    "source": { "$ref": "#/$defs/source" },
    "actions": {
      "type": "array",
      "minItems": 1,
      "maxItems": 100,
      "items": { "$ref": "#/$defs/action" }
    },
    "on_error": { "$ref": "#/$defs/workflow_on_error" }
  },
  "additionalProperties": false,
  "$defs": {
    "source": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "connector_id": { "type": "string" },
        "condition": { "$ref": "#/$defs/condition" },
        "transform": { "$ref": "#/$defs/transform" },
        "parameters": { "type": "object" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["type", "order"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "connector_id": { "type": "string" },
        "description": { "type": "string" },
        "order": { "type": "integer", "minimum": 1, "maximum": 100 },
        "condition": { "$ref": "#/$defs/condition" },
        "timeout": { "type": "integer", "minimum": 1, "maximum": 120 },
        "on_error": { "$ref": "#/$defs/on_error" },
        "wait_for_callback": { "type": "boolean" },
        "parameters": { "type": "object" },
        "variables": { "$ref": "#/$defs/transform" },
        "transform": { "$ref": "#/$defs/transform" }
      },
      "additionalProperties": false
    },
    "transform": {
      "type": "object",
      "additionalProperties": { "type": ["string", "number", "boolean"] }
    },
    "retry_on": {
      "type": "array",
      "items": { "type": "string", "pattern": "^[1-5][0-9][0-9]$" }
    },
    "on_error": {
      "type": "object",
      "required": ["max_retries"],
      "properties": {
        "max_retries": { "type": "integer", "minimum": 1, "maximum": 10 },
        "retry_on": { "$ref": "#/$defs/retry_on" },
        "on_fail": { "enum": ["skip", "stop", "fail"] },
        "backoff": { "$ref": "#/$defs/backoff" }
      },
      "additionalProperties": false
    },
    "workflow_on_error": {
      "type": "object",
      "required": ["max_retries"],
      "properties": {
        "max_retries": { "type": "integer", "minimum": 1, "maximum": 10 },
        "retry_on": { "$ref": "#/$defs/retry_on" },
        "backoff": { "$ref": "#/$defs/backoff" }
      },
      "additionalProperties": false
    },
    "backoff": {
      "type": "object",
      "properties": {
        "wait": { "type": "number", "minimum": 0 },
        "rate": { "type": "number", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["criteria"],
      "properties": {
        "operator": { "enum": ["and", "or"] },
        "criteria": {
          "type": "array",
          "minItems": 1,
          "maxItems": 10,
          "items": { "$ref": "#/$defs/criteria" }
        },
        "on_fail": { "enum": ["skip", "stop", "fail"] }
      },
      "additionalProperties": false
    },
    "criteria": {
      "type": "object",
      "required": ["attributes"],
      "properties": {
        "operator": { "enum": ["and", "or"] },
        "attributes": {
          "type": "array",
          "minItems": 1,
          "maxItems": 10,
          "items": { "$ref": "#/$defs/attribute" }
        }
      },
      "additionalProperties": false
    },
    "attribute": {
      "type": "object",
      "required": ["type", "attribute", "operator", "value"],
      "properties": {
        "type": { "enum": ["String", "Number", "Boolean", "Date", "Version"] },
        "attribute": { "type": "string", "pattern": "^::" },
        "operator": { "type": "string" },
        "value": { "not": { "type": "null" } }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks workflow documents against the built-in
// workflow schema and action parameters against connector-supplied schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the compiled parameter schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
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

// ValidateDocument checks a decoded workflow document, such as the result of
// parsing YAML, against the workflow schema. Unknown fields are rejected.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	jv, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON-compatible").WithCause(err)
	}
	if err := v.workflowSchema.Validate(jv); err != nil {
		return toFlexliError(err)
	}
	return nil
}

// ValidateWorkflow checks the encoded form of wf against the workflow schema.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	return v.ValidateDocument(wf)
}

// ValidateParams checks action parameters against a JSON Schema. A nil or
// empty schema accepts anything. Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateParams(params map[string]any, paramSchema map[string]any) error {
	if len(paramSchema) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}

	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "parameters are not JSON-compatible").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlexliError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(paramSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(paramSchema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("flexli://parameters/%d", len(v.cache))
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

// toJSONValue re-encodes v so numbers become json.Number, as the schema
// library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlexliError flattens a schema validation error into one VALIDATION_ERROR
// whose details list every leaf violation with its location.
func toFlexliError(err error) *schema.FlexliError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
