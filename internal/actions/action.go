// Package actions implements the built-in Flexli:CoreV1 action handlers and
// the registry the runner dispatches them through.
package actions

import (
	"context"

	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/pkg/schema"
)

// Builtin is the handler of one CoreV1 action type.
type Builtin interface {
	// Type is the full action type, e.g. "Flexli:CoreV1:Wait".
	Type() string
	Description() string
	// Validate checks write-time parameters, before any expression is resolved.
	Validate(params map[string]any) error
	// Execute runs the action with prepared parameters. The result is the
	// source of the action's transform.
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// Invocation is one dispatch of a built-in action within a run.
type Invocation struct {
	TenantID        string
	WorkflowID      string
	WorkflowVersion int
	RunID           string

	Action *schema.Action
	// Params are the action parameters after transform.
	Params map[string]any
	// State is the run state at dispatch. Handlers must not mutate it.
	State any
	Exec  *expressions.ExecContext

	// Nested is set inside iterator children, which run to completion
	// within their parent and so never suspend.
	Nested bool
	Host   Host
}

// Host executes nested action lists for control-flow actions. The workflow
// runner implements it and is bound per invocation.
type Host interface {
	// RunChild runs actions as a separate child run with input as its source
	// input. A failing child does not fail the caller.
	RunChild(ctx context.Context, inv *Invocation, input any, actions []schema.Action, iteratorValue any) error
	// RunInline runs actions as part of the current run, sharing its state
	// and history.
	RunInline(ctx context.Context, inv *Invocation, actions []schema.Action) error
}

// Info is a summary of a registered built-in for listing.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func coreFailure(format string, args ...any) *schema.FlexliError {
	return schema.NewErrorf(schema.ErrCodeCoreActionFailure, format, args...)
}
