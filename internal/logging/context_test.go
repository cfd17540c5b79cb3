package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TenantID(ctx))
	assert.Empty(t, RunID(ctx))
	assert.Zero(t, ActionOrder(ctx))

	ctx = WithRun(ctx, "acme", "wf-1", "run-1", "run-0")
	ctx = WithActionOrder(ctx, 3)

	assert.Equal(t, "acme", TenantID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "run-0", ParentRunID(ctx))
	assert.Equal(t, 3, ActionOrder(ctx))
}

func TestWithRun_SkipsEmpty(t *testing.T) {
	ctx := WithRun(context.Background(), "acme", "", "run-1", "")
	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, ParentRunID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithRun(context.Background(), "acme", "wf-abc", "run-9", "")
	LogWith(ctx, logger).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "tenant_id=acme")
	assert.Contains(t, out, "workflow_id=wf-abc")
	assert.Contains(t, out, "run_id=run-9")
	assert.NotContains(t, out, "parent_run_id")
	assert.NotContains(t, out, "action_order")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithActionOrder(WithRun(context.Background(), "acme", "wf", "run", "parent"), 2)
	logger.InfoContext(ctx, "auto inject")

	out := buf.String()
	assert.Contains(t, out, `"tenant_id":"acme"`)
	assert.Contains(t, out, `"parent_run_id":"parent"`)
	assert.Contains(t, out, `"action_order":2`)
	assert.Contains(t, out, "auto inject")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	out := buf.String()
	assert.NotContains(t, out, "tenant_id")
	assert.NotContains(t, out, "run_id")
	assert.Contains(t, out, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "runner")}).WithGroup("run"))

	logger.InfoContext(WithRunID(context.Background(), "run-7"), "grouped", "key", "val")

	out := buf.String()
	assert.Contains(t, out, `"component":"runner"`)
	assert.Contains(t, out, "run-7")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", true)
	logger.InfoContext(context.Background(), "hidden")
	logger.WarnContext(WithTenantID(context.Background(), "acme"), "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"tenant_id":"acme"`)
}
