package engine

import (
	"context"

	"github.com/flexli/flexli/internal/actions"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/internal/logging"
	"github.com/flexli/flexli/pkg/schema"
)

// run is the mutable state of one executing run. Actions are kept as a stack
// of frames: the bottom frame is the workflow's action list and each Branch
// pushes the list it selected on top.
type run struct {
	tenantID     string
	workflowID   string
	version      int
	workflowName string
	runID        string
	parentRunID  string
	msg          *schema.RunMessage

	state   any
	frames  [][]schema.Action
	exec    *expressions.ExecContext
	nested  bool
	current *schema.Action

	continuationKey string
}

func newRun(msg *schema.RunMessage, ec *expressions.ExecContext) *run {
	return &run{
		tenantID:     msg.TenantID,
		workflowID:   msg.WorkflowID,
		version:      msg.WorkflowVersion,
		workflowName: msg.WorkflowName,
		runID:        msg.RunID,
		parentRunID:  msg.ParentRunID,
		msg:          msg,
		exec:         ec,
	}
}

// next pops the next action from the frames above depth, discarding
// exhausted frames.
func (r *run) next(depth int) (*schema.Action, bool) {
	for len(r.frames) > depth {
		top := len(r.frames) - 1
		if len(r.frames[top]) == 0 {
			r.frames = r.frames[:top]
			continue
		}
		act := r.frames[top][0]
		r.frames[top] = r.frames[top][1:]
		return &act, true
	}
	return nil, false
}

// remaining flattens the frames into the order they would execute.
func (r *run) remaining() []schema.Action {
	var out []schema.Action
	for i := len(r.frames) - 1; i >= 0; i-- {
		out = append(out, r.frames[i]...)
	}
	return out
}

// message is the run message a continuation resumes from.
func (r *run) message() schema.RunMessage {
	m := *r.msg
	m.Actions = nil
	m.ContinuationKey = ""
	return m
}

// frameHost runs the nested action lists of Iterator and Branch within the
// run that dispatched them.
type frameHost struct {
	rn  *Runner
	run *run
}

var _ actions.Host = (*frameHost)(nil)

func (h *frameHost) RunInline(ctx context.Context, _ *actions.Invocation, acts []schema.Action) error {
	depth := len(h.run.frames)
	h.run.frames = append(h.run.frames, schema.SortActions(acts))
	return h.rn.drain(ctx, h.run, depth)
}

// RunChild runs acts to completion as a child of the host run. The child's
// outcome is recorded in history only; only errors that leave it unfinished
// are returned.
func (h *frameHost) RunChild(ctx context.Context, inv *actions.Invocation, input any, acts []schema.Action, iteratorValue any) error {
	parent := h.run
	msg := &schema.RunMessage{
		TenantID:        parent.tenantID,
		WorkflowID:      parent.workflowID,
		WorkflowVersion: parent.version,
		WorkflowName:    parent.workflowName,
		RunID:           newID(),
		ParentRunID:     parent.runID,
		SourceInput:     input,
		SourceTime:      parent.msg.SourceTime,
	}
	child := newRun(msg, inv.Exec.WithIteratorValue(iteratorValue))
	child.nested = true
	child.state = input
	if child.state == nil {
		child.state = map[string]any{}
	}
	child.frames = [][]schema.Action{schema.SortActions(acts)}

	ctx = logging.WithRun(ctx, "", "", child.runID, child.parentRunID)
	ctx, span := h.rn.tel.startRun(ctx, child)
	status, err := h.rn.finish(ctx, child, h.rn.drain(ctx, child, 0))
	h.rn.tel.endRun(ctx, span, child, status, err)
	return err
}
