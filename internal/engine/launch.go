package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flexli/flexli/internal/conditions"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/internal/transforms"
	"github.com/flexli/flexli/pkg/schema"
)

// RunRecorder creates run records. Satisfied by store.Store.
type RunRecorder interface {
	PutRun(ctx context.Context, rec *schema.RunRecord) error
}

// RunPublisher enqueues run messages. Satisfied by queue.Publisher.
type RunPublisher interface {
	PublishRun(ctx context.Context, msg *schema.RunMessage) error
}

// Launcher turns a workflow trigger into a queued run: it gates the input
// on the workflow's source condition, applies the source transform, records
// the run as queued and publishes the run message.
type Launcher struct {
	store      RunRecorder
	runs       RunPublisher
	conditions *conditions.Evaluator
	resolver   *expressions.Resolver
	clock      func() time.Time
}

func NewLauncher(store RunRecorder, runs RunPublisher, cond *conditions.Evaluator, resolver *expressions.Resolver, clock func() time.Time) *Launcher {
	if clock == nil {
		clock = time.Now
	}
	return &Launcher{store: store, runs: runs, conditions: cond, resolver: resolver, clock: clock}
}

// LaunchOptions carries trigger details of a launch.
type LaunchOptions struct {
	ParentRunID string
	SourceTime  time.Time
	Meta        map[string]any
}

// Prepare checks input against wf's source and returns the run message that
// would be enqueued. A failed source condition is CONDITION_FAILED_FAIL.
func (l *Launcher) Prepare(ctx context.Context, wf *schema.Workflow, input any, opts LaunchOptions) (*schema.RunMessage, error) {
	if !wf.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s version %d is disabled", wf.ID, wf.Version)
	}
	now := l.clock().UTC()
	if opts.SourceTime.IsZero() {
		opts.SourceTime = now
	}
	if input == nil {
		input = map[string]any{}
	}

	ec := l.resolver.NewContext(now, opts.SourceTime)
	if src := wf.Source; src != nil {
		if src.Condition != nil && !l.conditions.Evaluate(ctx, ec, src.Condition, input) {
			return nil, schema.NewError(schema.ErrCodeConditionFailedFail, "Source condition failed")
		}
		if len(src.Transform) > 0 {
			out, err := transforms.Apply(ctx, ec, transforms.Input{Source: input, Updates: src.Transform})
			if err != nil {
				return nil, err
			}
			input = out
		}
	}

	return &schema.RunMessage{
		TenantID:        wf.TenantID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		WorkflowName:    wf.Name,
		RunID:           newID(),
		ParentRunID:     opts.ParentRunID,
		SourceInput:     input,
		Actions:         wf.Actions,
		SourceTime:      opts.SourceTime,
		Meta:            opts.Meta,
	}, nil
}

// Launch prepares and enqueues a run of wf.
func (l *Launcher) Launch(ctx context.Context, wf *schema.Workflow, input any, opts LaunchOptions) (*schema.RunMessage, error) {
	msg, err := l.Prepare(ctx, wf, input, opts)
	if err != nil {
		return nil, err
	}
	if err := l.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Enqueue records msg's run as queued and publishes it.
func (l *Launcher) Enqueue(ctx context.Context, msg *schema.RunMessage) error {
	if err := l.Record(ctx, msg); err != nil {
		return err
	}
	return l.runs.PublishRun(ctx, msg)
}

// Record writes msg's run record with status queued. Callers that run msg
// in-process use it in place of Enqueue.
func (l *Launcher) Record(ctx context.Context, msg *schema.RunMessage) error {
	if msg.RunID == "" {
		return fmt.Errorf("engine: run message has no run id")
	}
	return l.store.PutRun(ctx, &schema.RunRecord{
		RunID:           msg.RunID,
		TenantID:        msg.TenantID,
		ParentRunID:     msg.ParentRunID,
		WorkflowID:      msg.WorkflowID,
		WorkflowVersion: msg.WorkflowVersion,
		WorkflowName:    msg.WorkflowName,
		Status:          schema.RunStatusQueued,
		StartTime:       l.clock().UTC(),
	})
}
