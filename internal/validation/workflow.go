package validation

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flexli/flexli/pkg/schema"
)

// WorkflowValidator runs the two-stage workflow check:
// 1. Structural (JSON Schema)
// 2. Rules (action types, orders, conditions, sources)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	builtins   BuiltinLookup
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to
// skip built-in parameter checks.
func NewWorkflowValidator(lookup BuiltinLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, builtins: lookup}, nil
}

// Validate returns every issue found in wf. Structural errors short-circuit
// the rule checks.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := structuralResult(wv.jsonSchema.ValidateWorkflow(wf))
	if !result.Valid() {
		return result
	}
	result.Merge(validateRules(wf, wv.builtins))
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateParams delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateParams(params map[string]any, paramSchema map[string]any) error {
	return wv.jsonSchema.ValidateParams(params, paramSchema)
}

// Load parses a YAML or JSON workflow document, checks it and applies
// defaults. The returned result is non-nil whenever the document parsed.
func (wv *WorkflowValidator) Load(data []byte) (*schema.Workflow, *schema.ValidationResult, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not valid YAML").WithCause(err)
	}
	if doc == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}

	result := structuralResult(wv.jsonSchema.ValidateDocument(doc))
	if !result.Valid() {
		return nil, result, nil
	}

	wf, err := decodeWorkflow(doc)
	if err != nil {
		return nil, nil, err
	}
	if err := ApplyDefaults(wf); err != nil {
		return nil, nil, err
	}
	result.Merge(validateRules(wf, wv.builtins))
	return wf, result, nil
}

// decodeWorkflow converts a generic document to a Workflow via JSON so
// nested maps carry JSON types.
func decodeWorkflow(doc map[string]any) (*schema.Workflow, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON-compatible").WithCause(err)
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("decode workflow: %v", err)).WithCause(err)
	}
	return &wf, nil
}

// structuralResult converts a schema validation error into a result with
// one issue per violation.
func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlexliError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
