package actions

import (
	"context"

	"github.com/flexli/flexli/pkg/schema"
)

// --- Flexli:CoreV1:RunWorkflow ---

// runWorkflowAction enqueues an independent run of another workflow version
// and returns without waiting for it.
type runWorkflowAction struct {
	deps Deps
}

func (a *runWorkflowAction) Type() string { return schema.ActionRunWorkflow }

func (a *runWorkflowAction) Description() string {
	return "Start a nested run of a workflow version."
}

func (a *runWorkflowAction) Validate(params map[string]any) error {
	var p RunWorkflowParams
	return DecodeParams(schema.ActionRunWorkflow, params, &p)
}

func (a *runWorkflowAction) Execute(ctx context.Context, inv *Invocation) (any, error) {
	var p RunWorkflowParams
	if err := DecodeParams(schema.ActionRunWorkflow, inv.Params, &p); err != nil {
		return nil, err
	}

	wf, err := a.deps.Store.GetWorkflow(ctx, inv.TenantID, p.WorkflowID, p.WorkflowVersion)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, coreFailure("Nested workflow %s version %d not found.", p.WorkflowID, p.WorkflowVersion)
		}
		return nil, err
	}

	// Source-less workflows may always be started.
	if wf.Source != nil && wf.Source.Condition != nil {
		if !a.deps.Conditions.Evaluate(ctx, inv.Exec, wf.Source.Condition, p.WorkflowInput) {
			return nil, coreFailure("Nested workflow condition failed.")
		}
	}

	now := a.deps.Clock().UTC()
	msg := &schema.RunMessage{
		TenantID:        inv.TenantID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		WorkflowName:    wf.Name,
		RunID:           newID(),
		ParentRunID:     inv.RunID,
		SourceInput:     p.WorkflowInput,
		Actions:         wf.Actions,
		SourceTime:      now,
	}
	if err := a.deps.Store.PutRun(ctx, &schema.RunRecord{
		RunID:           msg.RunID,
		TenantID:        inv.TenantID,
		ParentRunID:     inv.RunID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		WorkflowName:    wf.Name,
		Status:          schema.RunStatusQueued,
		StartTime:       now,
	}); err != nil {
		return nil, err
	}
	// The record exists before any worker can pick the message up.
	if err := a.deps.Runs.PublishRun(ctx, msg); err != nil {
		return nil, err
	}

	a.deps.Logger.InfoContext(ctx, "nested run queued",
		"nested_run_id", msg.RunID,
		"workflow_id", wf.ID,
		"workflow_version", wf.Version,
	)
	return map[string]any{"run_id": msg.RunID}, nil
}
