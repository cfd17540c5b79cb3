package main

import (
	"github.com/flexli/flexli/internal/actions"
	"github.com/flexli/flexli/internal/validation"
)

// newStandaloneValidator checks documents without opening any storage.
func newStandaloneValidator() (*validation.WorkflowValidator, error) {
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.Deps{Logger: logger}); err != nil {
		return nil, err
	}
	return validation.NewWorkflowValidator(reg)
}
