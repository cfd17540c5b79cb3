package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/internal/transforms"
	"github.com/flexli/flexli/pkg/schema"
)

// handleValidate parses a workflow document and reports every issue found.
func (s *FlexliServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}
	if s.loader == nil {
		return mcp.NewToolResultError("validation is not configured"), nil
	}

	wf, result, loadErr := s.loader.Load([]byte(doc))
	if loadErr != nil {
		return mcp.NewToolResultError(loadErr.Error()), nil
	}

	out := map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}
	if wf != nil && result.Valid() {
		out["workflow"] = wf
	}
	return marshalResult(out)
}

// handleEvaluateCondition evaluates a condition against a resource.
func (s *FlexliServer) handleEvaluateCondition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.conditions == nil {
		return mcp.NewToolResultError("condition evaluation is not configured"), nil
	}
	raw := mcp.ParseStringMap(req, "condition", nil)
	if raw == nil {
		return mcp.NewToolResultError("condition is required"), nil
	}
	resource, ok := req.GetArguments()["resource"]
	if !ok {
		return mcp.NewToolResultError("resource is required"), nil
	}

	var cond schema.Condition
	if err := remarshal(raw, &cond); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid condition: %v", err)), nil
	}

	now := time.Now().UTC()
	ec := s.resolver.NewContext(now, now)
	return marshalResult(map[string]any{
		"result": s.conditions.Evaluate(ctx, ec, &cond, resource),
	})
}

// handleTransform applies a transform to a source document.
func (s *FlexliServer) handleTransform(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	source, ok := args["source"]
	if !ok {
		return mcp.NewToolResultError("source is required"), nil
	}
	updates := mcp.ParseStringMap(req, "transform", nil)
	if updates == nil {
		return mcp.NewToolResultError("transform is required"), nil
	}

	now := time.Now().UTC()
	out, err := transforms.Apply(ctx, s.resolver.NewContext(now, now), transforms.Input{
		Source:    source,
		Target:    mcp.ParseStringMap(req, "target", nil),
		Updates:   updates,
		Variables: mcp.ParseStringMap(req, "variables", nil),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("transform failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"result": out})
}

// handleRun starts a run of a stored workflow version, either by enqueueing
// it or by running it to completion in-process.
func (s *FlexliServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	version, err := req.RequireInt("version")
	if err != nil || version < 1 {
		return mcp.NewToolResultError("version must be a positive integer"), nil
	}
	mode := req.GetString("mode", "enqueue")
	if mode != "enqueue" && mode != "inline" {
		return mcp.NewToolResultError("mode must be enqueue or inline"), nil
	}
	if s.store == nil || s.launcher == nil {
		return mcp.NewToolResultError("runs are not configured"), nil
	}
	if mode == "inline" && s.runner == nil {
		return mcp.NewToolResultError("inline runs are not configured"), nil
	}

	wf, err := s.store.GetWorkflow(ctx, tenantID, workflowID, version)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}

	var input any = map[string]any{}
	if m := mcp.ParseStringMap(req, "input", nil); m != nil {
		input = m
	}
	msg, err := s.launcher.Prepare(ctx, wf, input, engine.LaunchOptions{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run rejected: %v", err)), nil
	}

	if mode == "enqueue" {
		if err := s.launcher.Enqueue(ctx, msg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("enqueue failed: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"run_id": msg.RunID,
			"status": schema.RunStatusQueued,
		})
	}

	if err := s.launcher.Record(ctx, msg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("record run failed: %v", err)), nil
	}
	status, err := s.runner.Start(ctx, msg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s failed: %v", msg.RunID, err)), nil
	}
	s.logger.InfoContext(ctx, "inline run finished", "run_id", msg.RunID, "status", status)

	history, err := s.store.ListHistory(ctx, tenantID, msg.RunID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"run_id":  msg.RunID,
		"status":  status,
		"history": history,
	})
}

// handleHistory returns a run record and its history entries.
func (s *FlexliServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("history is not configured"), nil
	}

	rec, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
	}
	items, err := s.store.ListHistory(ctx, tenantID, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"run":   rec,
		"items": items,
	})
}

// remarshal converts a generic argument map into a typed value via JSON.
func remarshal(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
