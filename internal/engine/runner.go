package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexli/flexli/internal/actions"
	"github.com/flexli/flexli/internal/conditions"
	"github.com/flexli/flexli/internal/connectors"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/internal/logging"
	"github.com/flexli/flexli/internal/transforms"
	"github.com/flexli/flexli/pkg/schema"
)

// Reasons recorded on terminal history entries.
const (
	reasonConditionFailed = "Action condition failed"
	reasonWorkflowError   = "The workflow encountered an error."
)

// RunStore is the persistence the runner writes to. Satisfied by store.Store.
type RunStore interface {
	PutRun(ctx context.Context, rec *schema.RunRecord) error
	UpdateRunStatus(ctx context.Context, tenantID, runID string, status schema.RunStatus, endTime *time.Time) error
	AppendHistory(ctx context.Context, entry *schema.HistoryEntry) error
}

// ConnectorCaller performs one connector action call. Satisfied by
// connectors.Client.
type ConnectorCaller interface {
	Call(ctx context.Context, ec *expressions.ExecContext, tenantID string, action *schema.Action, params map[string]any) (any, error)
}

// ContinuationStore persists suspended runs.
type ContinuationStore interface {
	Save(ctx context.Context, key string, c *schema.Continuation) error
	Load(ctx context.Context, key string) (*schema.Continuation, error)
	Delete(ctx context.Context, key string) error
}

// WakeupScheduler re-delivers a continuation key once at is reached.
type WakeupScheduler interface {
	Schedule(ctx context.Context, key string, at time.Time) error
}

// Config wires a Runner. Store, Builtins, Conditions and Resolver are
// required. Without Continuations and Wakeups, long waits sleep in place.
type Config struct {
	Store         RunStore
	Builtins      *actions.Registry
	Connectors    ConnectorCaller
	Conditions    *conditions.Evaluator
	Resolver      *expressions.Resolver
	Continuations ContinuationStore
	Wakeups       WakeupScheduler

	Sleep  SleepFunc
	Clock  func() time.Time
	Logger *slog.Logger

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Runner executes run messages: it walks a workflow's actions in order,
// threading the run state through each action's parameters and transform,
// and records history until the run reaches a terminal status.
type Runner struct {
	store         RunStore
	builtins      *actions.Registry
	connectors    ConnectorCaller
	conditions    *conditions.Evaluator
	resolver      *expressions.Resolver
	continuations ContinuationStore
	wakeups       WakeupScheduler
	sleep         SleepFunc
	clock         func() time.Time
	logger        *slog.Logger
	tel           *telemetry
}

// NewRunner validates cfg and builds a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("engine: run store is required")
	case cfg.Builtins == nil:
		return nil, fmt.Errorf("engine: builtin registry is required")
	case cfg.Conditions == nil:
		return nil, fmt.Errorf("engine: condition evaluator is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("engine: expression resolver is required")
	}
	if err := cfg.Builtins.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sleep == nil {
		cfg.Sleep = actions.SleepContext
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	tel, err := newTelemetry(cfg.TracerProvider, cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("engine: telemetry: %w", err)
	}

	return &Runner{
		store:         cfg.Store,
		builtins:      cfg.Builtins,
		connectors:    cfg.Connectors,
		conditions:    cfg.Conditions,
		resolver:      cfg.Resolver,
		continuations: cfg.Continuations,
		wakeups:       cfg.Wakeups,
		sleep:         cfg.Sleep,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		tel:           tel,
	}, nil
}

// Handle processes one run message, starting a run or resuming a suspended
// one. It returns the status the run reached. A non-nil error means the
// message could not be processed and should be redelivered.
func (rn *Runner) Handle(ctx context.Context, msg *schema.RunMessage) (schema.RunStatus, error) {
	if msg == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "run message is nil")
	}
	if msg.ContinuationKey != "" {
		return rn.Resume(ctx, msg.ContinuationKey)
	}
	return rn.Start(ctx, msg)
}

// Start runs msg's actions from the beginning. A message without a run id
// gets one, and its run record is created here.
func (rn *Runner) Start(ctx context.Context, msg *schema.RunMessage) (schema.RunStatus, error) {
	now := rn.clock().UTC()
	m := *msg

	if m.RunID == "" {
		m.RunID = newID()
		if err := rn.store.PutRun(ctx, &schema.RunRecord{
			RunID:           m.RunID,
			TenantID:        m.TenantID,
			ParentRunID:     m.ParentRunID,
			WorkflowID:      m.WorkflowID,
			WorkflowVersion: m.WorkflowVersion,
			WorkflowName:    m.WorkflowName,
			Status:          schema.RunStatusRunning,
			StartTime:       now,
		}); err != nil {
			return "", err
		}
	} else if ok, err := rn.markRunning(ctx, m.TenantID, m.RunID); err != nil || !ok {
		return "", err
	}
	if m.SourceTime.IsZero() {
		m.SourceTime = now
	}

	r := newRun(&m, rn.resolver.NewContext(now, m.SourceTime))
	r.state = m.SourceInput
	if r.state == nil {
		r.state = map[string]any{}
	}
	r.frames = [][]schema.Action{schema.SortActions(m.Actions)}

	ctx = logging.WithRun(ctx, m.TenantID, m.WorkflowID, m.RunID, m.ParentRunID)
	ctx, span := rn.tel.startRun(ctx, r)

	rn.logger.InfoContext(ctx, "run started", "actions", len(m.Actions))
	err := rn.prepareInput(ctx, r)
	if err == nil {
		err = rn.drain(ctx, r, 0)
	}
	status, err := rn.finish(ctx, r, err)
	rn.tel.endRun(ctx, span, r, status, err)
	return status, err
}

// Resume continues the run saved under key. A missing continuation means the
// wake-up was already handled; it is acknowledged without effect.
func (rn *Runner) Resume(ctx context.Context, key string) (schema.RunStatus, error) {
	if rn.continuations == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "continuations are not configured")
	}
	cont, err := rn.continuations.Load(ctx, key)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			rn.logger.WarnContext(ctx, "continuation not found", "continuation_key", key)
			return "", nil
		}
		return "", err
	}

	m := cont.Message
	if ok, err := rn.markRunning(ctx, m.TenantID, m.RunID); err != nil || !ok {
		return "", err
	}

	r := newRun(&m, rn.resolver.NewContext(rn.clock().UTC(), m.SourceTime))
	r.state = cont.State
	r.frames = [][]schema.Action{cont.Remaining}
	r.continuationKey = key

	ctx = logging.WithRun(ctx, m.TenantID, m.WorkflowID, m.RunID, m.ParentRunID)
	ctx, span := rn.tel.startRun(ctx, r)

	rn.logger.InfoContext(ctx, "run resumed", "remaining", len(cont.Remaining))
	status, err := rn.finish(ctx, r, rn.drain(ctx, r, 0))
	rn.tel.endRun(ctx, span, r, status, err)
	return status, err
}

// markRunning moves a known run to running. It reports false for a run that
// already finished, whose message is a duplicate delivery.
func (rn *Runner) markRunning(ctx context.Context, tenantID, runID string) (bool, error) {
	err := rn.store.UpdateRunStatus(ctx, tenantID, runID, schema.RunStatusRunning, nil)
	switch {
	case err == nil, schema.IsCode(err, schema.ErrCodeNotFound):
		return true, nil
	case schema.IsCode(err, schema.ErrCodeConflict):
		rn.logger.WarnContext(ctx, "run already finished, skipping", "run_id", runID, "error", err)
		return false, nil
	default:
		return false, err
	}
}

// updateStatus records status on the run record. Records that are missing
// or already moved past status are left alone.
func (rn *Runner) updateStatus(ctx context.Context, r *run, status schema.RunStatus, end *time.Time) error {
	err := rn.store.UpdateRunStatus(ctx, r.tenantID, r.runID, status, end)
	switch {
	case err == nil, schema.IsCode(err, schema.ErrCodeNotFound):
		return nil
	case schema.IsCode(err, schema.ErrCodeConflict):
		rn.logger.WarnContext(ctx, "run status not updated", "status", status, "error", err)
		return nil
	default:
		return err
	}
}

// prepareInput applies the "transform" update map that may accompany the
// source input.
func (rn *Runner) prepareInput(ctx context.Context, r *run) error {
	in, ok := r.state.(map[string]any)
	if !ok {
		return nil
	}
	updates, ok := in["transform"].(map[string]any)
	if !ok {
		return nil
	}
	st, err := transforms.Apply(ctx, r.exec, transforms.Input{Source: in, Updates: updates})
	if err != nil {
		return err
	}
	r.state = st
	return nil
}

// drain executes actions until the frames above depth are exhausted.
func (rn *Runner) drain(ctx context.Context, r *run, depth int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		act, ok := r.next(depth)
		if !ok {
			return nil
		}
		if err := rn.step(ctx, r, act); err != nil {
			return err
		}
	}
}

func (rn *Runner) step(ctx context.Context, r *run, act *schema.Action) (err error) {
	r.current = act
	ctx = logging.WithActionOrder(ctx, act.Order)
	ctx, span := rn.tel.startAction(ctx, act)
	start := time.Now()
	defer func() { rn.tel.endAction(ctx, span, act, start, err) }()

	if err := rn.appendHistory(ctx, r, schema.RunStatusRunning, act.Descriptor(), nil, true); err != nil {
		return err
	}

	if act.Condition != nil && !rn.conditions.Evaluate(ctx, r.exec, act.Condition, r.state) {
		switch act.Condition.EffectiveOnFail() {
		case schema.OnFailSkip:
			rn.logger.DebugContext(ctx, "action skipped", "action_type", act.Type)
			return nil
		case schema.OnFailStop:
			return schema.NewError(schema.ErrCodeConditionFailedStop, reasonConditionFailed).WithAction(act.Order)
		default:
			return schema.NewError(schema.ErrCodeConditionFailedFail, reasonConditionFailed).WithAction(act.Order)
		}
	}

	params, err := transforms.ApplyMap(ctx, r.exec, transforms.Input{
		Source:       r.state,
		Updates:      act.Parameters,
		Variables:    act.Variables,
		IgnoredPaths: ignoredParamPaths(act.Type),
	})
	if err != nil {
		return err
	}

	resp, err := rn.dispatch(ctx, r, act, params)
	var s *actions.Suspend
	if errors.As(err, &s) {
		if err := rn.applyTransform(ctx, r, act, map[string]any{}); err != nil {
			return err
		}
		return &suspension{until: s.Until, action: act}
	}
	if err != nil {
		return err
	}
	return rn.applyTransform(ctx, r, act, resp)
}

func (rn *Runner) dispatch(ctx context.Context, r *run, act *schema.Action, params map[string]any) (any, error) {
	if schema.IsCoreV1(act.Type) {
		b, err := rn.builtins.Get(act.Type)
		if err != nil {
			return nil, err
		}
		return b.Execute(ctx, &actions.Invocation{
			TenantID:        r.tenantID,
			WorkflowID:      r.workflowID,
			WorkflowVersion: r.version,
			RunID:           r.runID,
			Action:          act,
			Params:          params,
			State:           r.state,
			Exec:            r.exec,
			Nested:          r.nested,
			Host:            &frameHost{rn: rn, run: r},
		})
	}

	if rn.connectors == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAction,
			"no connector client configured for action %q", act.Type).WithAction(act.Order)
	}
	policy := PolicyFor(act)
	retryable := func(err error) bool { return connectors.IsRetryable(err, policy.RetryOn) }
	resp, retries, err := Retry(ctx, policy, rn.sleep, retryable, func(ctx context.Context) (any, error) {
		return rn.connectors.Call(ctx, r.exec, r.tenantID, act, params)
	})
	if retries > 0 {
		rn.tel.recordRetries(ctx, act, retries)
		rn.logger.InfoContext(ctx, "connector call retried",
			"connector_id", act.ConnectorID,
			"retries", retries,
			"error", err,
		)
	}
	return resp, err
}

// applyTransform layers the action's transform of resp onto the run state.
func (rn *Runner) applyTransform(ctx context.Context, r *run, act *schema.Action, resp any) error {
	if len(act.Transform) == 0 {
		return nil
	}
	target, _ := r.state.(map[string]any)
	st, err := transforms.Apply(ctx, r.exec, transforms.Input{
		Source:  resp,
		Target:  target,
		Updates: act.Transform,
	})
	if err != nil {
		return err
	}
	r.state = st
	return nil
}

// finish records the outcome of a run. Errors from the store or queue, and
// cancellation of ctx, are returned so the message is redelivered; every
// other outcome ends the run with one terminal history entry.
func (rn *Runner) finish(ctx context.Context, r *run, err error) (schema.RunStatus, error) {
	var s *suspension
	if errors.As(err, &s) {
		return rn.suspend(ctx, r, s)
	}
	if isInfrastructure(ctx, err) {
		rn.logger.ErrorContext(ctx, "run interrupted", "error", err)
		return "", err
	}

	status, action, reason, withState := classify(r, err)
	if herr := rn.appendHistory(ctx, r, status, action, reason, withState); herr != nil {
		return "", herr
	}

	end := rn.clock().UTC()
	if !r.nested {
		if uerr := rn.updateStatus(ctx, r, status, &end); uerr != nil {
			return "", uerr
		}
	}
	if r.continuationKey != "" {
		if derr := rn.continuations.Delete(ctx, r.continuationKey); derr != nil {
			rn.logger.WarnContext(ctx, "delete continuation", "continuation_key", r.continuationKey, "error", derr)
		}
	}

	if err != nil {
		rn.logger.WarnContext(ctx, "run ended", "status", status, "error", err)
	} else {
		rn.logger.InfoContext(ctx, "run ended", "status", status)
	}
	return status, nil
}

// suspend parks the run until s.until. Without continuation storage, and for
// child runs, the run sleeps in place and carries on.
func (rn *Runner) suspend(ctx context.Context, r *run, s *suspension) (schema.RunStatus, error) {
	if rn.continuations == nil || rn.wakeups == nil || r.nested {
		if err := rn.sleep(ctx, s.until.Sub(rn.clock())); err != nil {
			return "", err
		}
		return rn.finish(ctx, r, rn.drain(ctx, r, 0))
	}

	key := fmt.Sprintf("%s/%s/%s", r.tenantID, r.runID, newID())
	msg := r.message()
	cont := &schema.Continuation{
		Message:   msg,
		State:     r.state,
		Remaining: r.remaining(),
		ResumeAt:  s.until.UTC(),
	}
	if err := rn.continuations.Save(ctx, key, cont); err != nil {
		return "", err
	}
	if err := rn.wakeups.Schedule(ctx, key, s.until); err != nil {
		return "", err
	}

	reason := map[string]any{"resume_at": s.until.UTC().Format(schema.TimestampLayout)}
	if err := rn.appendHistory(ctx, r, schema.RunStatusWaiting, s.action.Descriptor(), reason, true); err != nil {
		return "", err
	}
	if uerr := rn.updateStatus(ctx, r, schema.RunStatusWaiting, nil); uerr != nil {
		return "", uerr
	}
	if r.continuationKey != "" {
		if derr := rn.continuations.Delete(ctx, r.continuationKey); derr != nil {
			rn.logger.WarnContext(ctx, "delete continuation", "continuation_key", r.continuationKey, "error", derr)
		}
	}

	rn.logger.InfoContext(ctx, "run suspended",
		"continuation_key", key,
		"resume_at", s.until.UTC(),
		"remaining", len(cont.Remaining),
	)
	return schema.RunStatusWaiting, nil
}

func (rn *Runner) appendHistory(ctx context.Context, r *run, status schema.RunStatus, action *schema.ActionDescriptor, reason any, withState bool) error {
	now := rn.clock().UTC()
	entry := &schema.HistoryEntry{
		TenantID:  r.tenantID,
		RunID:     r.runID,
		Status:    status,
		Action:    action,
		Reason:    reason,
		Time:      now,
		ExpiresAt: now.Add(schema.HistoryTTL),
	}
	if r.parentRunID != "" {
		entry.RunID = r.parentRunID
		entry.NestedRunID = r.runID
	}
	if withState {
		entry.State = expressions.DeepCopy(r.state)
	}
	return rn.store.AppendHistory(ctx, entry)
}

// classify maps a run's final error to its terminal status and history
// detail.
func classify(r *run, err error) (schema.RunStatus, *schema.ActionDescriptor, any, bool) {
	if err == nil {
		return schema.RunStatusSuccessful, nil, nil, false
	}

	var descriptor *schema.ActionDescriptor
	if r.current != nil {
		descriptor = r.current.Descriptor()
	}

	switch schema.ErrorCode(err) {
	case schema.ErrCodeConditionFailedFail:
		return schema.RunStatusFailed, nil, reasonConditionFailed, false
	case schema.ErrCodeConditionFailedStop:
		return schema.RunStatusStopped, nil, reasonConditionFailed, false
	case schema.ErrCodeTransform, schema.ErrCodeExpression:
		return schema.RunStatusFailed, nil, errorReason(err), true
	case schema.ErrCodeWorkflowFailed:
		reason := errorReason(err)
		reason["response"] = responseBody(err)
		return schema.RunStatusFailed, descriptor, reason, false
	default:
		return schema.RunStatusFailed, descriptor, errorReason(err), true
	}
}

func errorReason(err error) map[string]any {
	msg := err.Error()
	var fe *schema.FlexliError
	if errors.As(err, &fe) {
		msg = fe.Message
		if fe.Cause != nil {
			msg = fe.Cause.Error()
		}
	}
	return map[string]any{
		"message": reasonWorkflowError,
		"error":   msg,
	}
}

func responseBody(err error) string {
	var fe *schema.FlexliError
	if errors.As(err, &fe) {
		if body, ok := fe.Details["response"].(string); ok {
			return body
		}
	}
	var ce *connectors.CallError
	if errors.As(err, &ce) {
		return ce.Body
	}
	return ""
}

// isInfrastructure reports whether err should leave the run unfinished for
// redelivery rather than end it.
func isInfrastructure(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return true
	}
	switch schema.ErrorCode(err) {
	case schema.ErrCodeStore, schema.ErrCodeQueue:
		return true
	}
	return false
}

func ignoredParamPaths(actionType string) []string {
	switch actionType {
	case schema.ActionIterator:
		return []string{"actions", "iterator_input"}
	case schema.ActionBranch:
		return []string{"branches"}
	}
	return nil
}

// suspension carries a Wait's suspend point up through nested action lists
// after the waiting action's transform was applied.
type suspension struct {
	until  time.Time
	action *schema.Action
}

func (s *suspension) Error() string {
	return fmt.Sprintf("run suspended until %s", s.until.UTC().Format(time.RFC3339))
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
