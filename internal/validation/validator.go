package validation

import "github.com/flexli/flexli/pkg/schema"

// Validator checks workflow definitions before they are stored and action
// parameters before they are sent to a connector. Parameter schemas are JSON
// Schema Draft 2020-12.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateParams(params map[string]any, paramSchema map[string]any) error
}
