package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexli/flexli/pkg/schema"
)

const instrumentationName = "github.com/flexli/flexli/internal/engine"

// telemetry holds the runner's tracer and instruments. With no providers
// configured the global (no-op by default) providers are used.
type telemetry struct {
	tracer         trace.Tracer
	runs           metric.Int64Counter
	actions        metric.Int64Counter
	retries        metric.Int64Counter
	actionDuration metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	runs, err := meter.Int64Counter("flexli.runs",
		metric.WithDescription("Runs that reached a terminal or waiting status."))
	if err != nil {
		return nil, err
	}
	acts, err := meter.Int64Counter("flexli.actions",
		metric.WithDescription("Actions dispatched."))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("flexli.connector.retries",
		metric.WithDescription("Connector call retries."))
	if err != nil {
		return nil, err
	}
	dur, err := meter.Float64Histogram("flexli.action.duration",
		metric.WithDescription("Action dispatch time."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:         tp.Tracer(instrumentationName),
		runs:           runs,
		actions:        acts,
		retries:        retries,
		actionDuration: dur,
	}, nil
}

func (t *telemetry) startRun(ctx context.Context, r *run) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "flexli.run", trace.WithAttributes(
		attribute.String("flexli.tenant_id", r.tenantID),
		attribute.String("flexli.workflow_id", r.workflowID),
		attribute.Int("flexli.workflow_version", r.version),
		attribute.String("flexli.run_id", r.runID),
		attribute.Bool("flexli.nested", r.nested),
	))
}

func (t *telemetry) endRun(ctx context.Context, span trace.Span, r *run, status schema.RunStatus, err error) {
	span.SetAttributes(attribute.String("flexli.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if status == schema.RunStatusFailed {
		span.SetStatus(codes.Error, "run failed")
	}
	span.End()
	if status != "" {
		t.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status)),
			attribute.Bool("nested", r.nested),
		))
	}
}

func (t *telemetry) startAction(ctx context.Context, act *schema.Action) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "flexli.action", trace.WithAttributes(
		attribute.String("flexli.action_type", act.Type),
		attribute.Int("flexli.action_order", act.Order),
		attribute.String("flexli.connector_id", act.ConnectorID),
	))
}

func (t *telemetry) endAction(ctx context.Context, span trace.Span, act *schema.Action, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = schema.ErrorCode(err)
		if outcome == "" {
			outcome = "error"
		}
		if _, ok := err.(*suspension); ok {
			outcome = "suspended"
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()

	attrs := metric.WithAttributes(
		attribute.String("action_type", actionKind(act)),
		attribute.String("outcome", outcome),
	)
	t.actions.Add(ctx, 1, attrs)
	t.actionDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (t *telemetry) recordRetries(ctx context.Context, act *schema.Action, n int) {
	if n <= 0 {
		return
	}
	t.retries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("connector_id", act.ConnectorID)))
}

// actionKind bounds metric cardinality: connector action types are tenant
// defined, so they are reported as "connector".
func actionKind(act *schema.Action) string {
	if schema.IsCoreV1(act.Type) {
		return act.Type
	}
	return "connector"
}
