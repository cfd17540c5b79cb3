// Package logging carries run correlation fields on a context and copies
// them onto every slog record.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	tenantIDKey ctxKey = iota
	workflowIDKey
	runIDKey
	parentRunIDKey
	actionOrderKey
)

// WithTenantID returns a context carrying the tenant id.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithWorkflowID returns a context carrying the workflow id.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithRunID returns a context carrying the run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithParentRunID returns a context carrying the parent run id.
func WithParentRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, parentRunIDKey, id)
}

// WithActionOrder returns a context carrying the order of the running action.
func WithActionOrder(ctx context.Context, order int) context.Context {
	return context.WithValue(ctx, actionOrderKey, order)
}

// WithRun sets the run identity fields at once. Empty values are skipped.
func WithRun(ctx context.Context, tenantID, workflowID, runID, parentRunID string) context.Context {
	if tenantID != "" {
		ctx = WithTenantID(ctx, tenantID)
	}
	if workflowID != "" {
		ctx = WithWorkflowID(ctx, workflowID)
	}
	if runID != "" {
		ctx = WithRunID(ctx, runID)
	}
	if parentRunID != "" {
		ctx = WithParentRunID(ctx, parentRunID)
	}
	return ctx
}

func TenantID(ctx context.Context) string    { return stringValue(ctx, tenantIDKey) }
func WorkflowID(ctx context.Context) string  { return stringValue(ctx, workflowIDKey) }
func RunID(ctx context.Context) string       { return stringValue(ctx, runIDKey) }
func ParentRunID(ctx context.Context) string { return stringValue(ctx, parentRunIDKey) }

// ActionOrder returns the running action's order, or 0.
func ActionOrder(ctx context.Context) int {
	v, _ := ctx.Value(actionOrderKey).(int)
	return v
}

func stringValue(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// attrs returns the correlation fields present on ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range []struct {
		name  string
		value string
	}{
		{"tenant_id", TenantID(ctx)},
		{"workflow_id", WorkflowID(ctx)},
		{"run_id", RunID(ctx)},
		{"parent_run_id", ParentRunID(ctx)},
	} {
		if f.value != "" {
			out = append(out, slog.String(f.name, f.value))
		}
	}
	if order := ActionOrder(ctx); order > 0 {
		out = append(out, slog.Int("action_order", order))
	}
	return out
}

// LogWith returns logger with the correlation fields of ctx attached.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps a handler and adds the correlation fields of the
// record's context, so callers only need the *Context logging methods.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a JSON or text handler on w, wrapped in a
// CorrelationHandler.
func New(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if json {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
