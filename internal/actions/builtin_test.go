package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexli/flexli/internal/conditions"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/pkg/schema"
)

// --- Fakes ---

type fakeStore struct {
	workflows map[string]*schema.Workflow
	runs      []*schema.RunRecord
}

func (f *fakeStore) GetWorkflow(_ context.Context, tenantID, id string, version int) (*schema.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok || wf.Version != version {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

func (f *fakeStore) PutRun(_ context.Context, rec *schema.RunRecord) error {
	f.runs = append(f.runs, rec)
	return nil
}

type fakePublisher struct {
	runs   []*schema.RunMessage
	events []*schema.Event
}

func (f *fakePublisher) PublishRun(_ context.Context, msg *schema.RunMessage) error {
	f.runs = append(f.runs, msg)
	return nil
}

func (f *fakePublisher) PublishEvent(_ context.Context, ev *schema.Event) error {
	f.events = append(f.events, ev)
	return nil
}

type childCall struct {
	input     any
	actions   []schema.Action
	iterValue any
}

type fakeHost struct {
	children []childCall
	inline   [][]schema.Action
}

func (h *fakeHost) RunChild(_ context.Context, _ *Invocation, input any, actions []schema.Action, iterValue any) error {
	h.children = append(h.children, childCall{input: input, actions: actions, iterValue: iterValue})
	return nil
}

func (h *fakeHost) RunInline(_ context.Context, _ *Invocation, actions []schema.Action) error {
	h.inline = append(h.inline, actions)
	return nil
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	reg   *Registry
	store *fakeStore
	pub   *fakePublisher
	host  *fakeHost
	slept []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: &fakeStore{workflows: map[string]*schema.Workflow{}},
		pub:   &fakePublisher{},
		host:  &fakeHost{},
	}
	eval, err := conditions.NewEvaluator(nil)
	require.NoError(t, err)

	h.reg = NewRegistry()
	require.NoError(t, RegisterBuiltins(h.reg, Deps{
		Store:         h.store,
		Runs:          h.pub,
		Events:        h.pub,
		Conditions:    eval,
		WaitThreshold: 10 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		},
		Clock: func() time.Time { return fixedNow },
	}))
	return h
}

func (h *harness) invoke(t *testing.T, typ string, params map[string]any, state any) (any, error) {
	t.Helper()
	b, err := h.reg.Get(typ)
	require.NoError(t, err)
	inv := &Invocation{
		TenantID:        "t1",
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		RunID:           "run-1",
		Action:          &schema.Action{Type: typ, Order: 1},
		Params:          params,
		State:           state,
		Exec:            expressions.NewResolver().NewContext(fixedNow, fixedNow),
		Host:            h.host,
	}
	return b.Execute(context.Background(), inv)
}

// --- Transform and Data ---

func TestTransform_ResultIsPreparedParams(t *testing.T) {
	h := newHarness(t)
	state := map[string]any{"a": 1}

	out, err := h.invoke(t, schema.ActionTransform, nil, state)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out, "state is never echoed")

	out, err = h.invoke(t, schema.ActionTransform, map[string]any{"b": 2}, state)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": 2}, out)
	assert.Equal(t, map[string]any{"a": 1}, state)
}

func TestData_IsNoOp(t *testing.T) {
	h := newHarness(t)
	out, err := h.invoke(t, schema.ActionData, map[string]any{"operation": "write", "scope": "run", "key": "k", "value": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)

	_, err = h.invoke(t, schema.ActionData, map[string]any{"operation": "explode"}, nil)
	assert.Equal(t, schema.ErrCodeCoreActionFailure, schema.ErrorCode(err))
}

// --- Wait ---

func TestWait_ShortSleeps(t *testing.T) {
	h := newHarness(t)
	out, err := h.invoke(t, schema.ActionWait, map[string]any{"seconds": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.slept)
}

func TestWait_LongSuspends(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(t, schema.ActionWait, map[string]any{"seconds": 3600.0}, nil)

	var s *Suspend
	require.ErrorAs(t, err, &s)
	assert.Equal(t, fixedNow.Add(time.Hour), s.Until)
	assert.Empty(t, h.slept)
}

func TestWait_NestedAlwaysSleeps(t *testing.T) {
	h := newHarness(t)
	b, err := h.reg.Get(schema.ActionWait)
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), &Invocation{Params: map[string]any{"seconds": 60}, Nested: true})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute}, h.slept)
}

func TestWait_BadParams(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(t, schema.ActionWait, map[string]any{"seconds": "soon"}, nil)
	assert.Equal(t, schema.ErrCodeCoreActionFailure, schema.ErrorCode(err))

	_, err = h.invoke(t, schema.ActionWait, map[string]any{"seconds": 1, "minutes": 2}, nil)
	assert.Equal(t, schema.ErrCodeCoreActionFailure, schema.ErrorCode(err))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), 0))
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepContext(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}

// --- CustomEvent ---

func TestCustomEvent_Envelope(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(t, schema.ActionCustomEvent, map[string]any{
		"event_type":   "DeviceReady",
		"content_type": "Application/JSON",
		"body":         map[string]any{"serial": "C02"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, h.pub.events, 1)

	ev := h.pub.events[0]
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.Equal(t, "Flexli:CoreV1:DeviceReady", ev.Type)
	assert.Equal(t, "flexli.workflow", ev.Source)
	assert.Equal(t, "Flexli:CoreV1", ev.ConnectorID)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "2024-03-01T12:00:00.000Z", ev.Time)
	assert.NotEmpty(t, ev.ID)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev.Data.(string)), &body))
	assert.Equal(t, "C02", body["serial"])
}

func TestCustomEvent_TextBodyAndPairing(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(t, schema.ActionCustomEvent, map[string]any{
		"event_type": "Note", "content_type": "text/plain", "body": "hello",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", h.pub.events[0].Data)

	_, err = h.invoke(t, schema.ActionCustomEvent, map[string]any{"event_type": "Note", "body": "hello"}, nil)
	assert.Equal(t, schema.ErrCodeCoreActionFailure, schema.ErrorCode(err))

	_, err = h.invoke(t, schema.ActionCustomEvent, map[string]any{"event_type": "Note"}, nil)
	require.NoError(t, err)
}

// --- RunWorkflow ---

func TestRunWorkflow_EnqueuesNestedRun(t *testing.T) {
	h := newHarness(t)
	h.store.workflows["child"] = &schema.Workflow{
		ID: "child", Version: 2, Name: "Child",
		Actions: []schema.Action{{Type: schema.ActionData, Order: 1}},
	}

	out, err := h.invoke(t, schema.ActionRunWorkflow, map[string]any{
		"workflow_id": "child", "workflow_version": 2, "workflow_input": map[string]any{"x": 1},
	}, nil)
	require.NoError(t, err)

	require.Len(t, h.pub.runs, 1)
	msg := h.pub.runs[0]
	assert.Equal(t, "run-1", msg.ParentRunID)
	assert.Equal(t, "child", msg.WorkflowID)
	assert.Equal(t, map[string]any{"x": 1}, msg.SourceInput)
	assert.Len(t, msg.Actions, 1)
	assert.Equal(t, map[string]any{"run_id": msg.RunID}, out)

	require.Len(t, h.store.runs, 1)
	rec := h.store.runs[0]
	assert.Equal(t, schema.RunStatusQueued, rec.Status)
	assert.Equal(t, msg.RunID, rec.RunID)
	assert.Equal(t, "run-1", rec.ParentRunID)
	assert.Equal(t, "Child", rec.WorkflowName)
}

func TestRunWorkflow_SourceConditionFails(t *testing.T) {
	h := newHarness(t)
	h.store.workflows["child"] = &schema.Workflow{
		ID: "child", Version: 1,
		Source: &schema.Source{
			Type: schema.SourceCustomEvent,
			Condition: &schema.Condition{Criteria: []schema.Criteria{{Attributes: []schema.Attribute{
				{Type: schema.AttributeBoolean, Attribute: "::ready", Operator: "eq", Value: true},
			}}}},
		},
	}

	_, err := h.invoke(t, schema.ActionRunWorkflow, map[string]any{
		"workflow_id": "child", "workflow_version": 1, "workflow_input": map[string]any{"ready": false},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCoreActionFailure, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "Nested workflow condition failed.")
	assert.Empty(t, h.pub.runs)
	assert.Empty(t, h.store.runs)
}

func TestRunWorkflow_MissingWorkflow(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(t, schema.ActionRunWorkflow, map[string]any{
		"workflow_id": "nope", "workflow_version": 1, "workflow_input": map[string]any{},
	}, nil)
	assert.Equal(t, schema.ErrCodeCoreActionFailure, schema.ErrorCode(err))
}

// --- Iterator ---

func TestIterator_OneChildPerElement(t *testing.T) {
	h := newHarness(t)
	nested := []any{
		map[string]any{"type": schema.ActionData, "order": 1, "parameters": map[string]any{"v": "::flexli_iterator_value()"}},
	}

	_, err := h.invoke(t, schema.ActionIterator, map[string]any{
		"array_path": []any{1, 2, 3},
		"actions":    nested,
	}, nil)
	require.NoError(t, err)

	require.Len(t, h.host.children, 3)
	for i, c := range h.host.children {
		assert.Equal(t, i+1, c.input)
		assert.Equal(t, i+1, c.iterValue)
		require.Len(t, c.actions, 1)
		assert.Equal(t, "::flexli_iterator_value()", c.actions[0].Parameters["v"])
	}

	h.host.children[0].actions[0].Parameters["v"] = "changed"
	assert.Equal(t, "::flexli_iterator_value()", h.host.children[1].actions[0].Parameters["v"])
}

func TestIterator_IteratorInputShapesChildInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(t, schema.ActionIterator, map[string]any{
		"array_path":     []any{map[string]any{"serial": "A"}},
		"iterator_input": map[string]any{"device.serial": "::serial", "index": "::flexli_iterator_value().serial"},
		"actions":        []any{map[string]any{"type": schema.ActionData, "order": 1}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, h.host.children, 1)
	assert.Equal(t, map[string]any{"device": map[string]any{"serial": "A"}, "index": "A"}, h.host.children[0].input)
}

func TestIterator_NotAnArray(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(t, schema.ActionIterator, map[string]any{
		"array_path": "nope",
		"actions":    []any{map[string]any{"type": schema.ActionData, "order": 1}},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCoreActionFailure, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "The value for 'array_path' is not an array.")
	assert.Empty(t, h.host.children)
}

func TestIterator_Validate(t *testing.T) {
	h := newHarness(t)
	b, err := h.reg.Get(schema.ActionIterator)
	require.NoError(t, err)

	assert.NoError(t, b.Validate(map[string]any{
		"array_path": "::devices",
		"actions":    []any{map[string]any{"type": schema.ActionData, "order": 1}},
	}))
	assert.Error(t, b.Validate(map[string]any{
		"array_path": "devices",
		"actions":    []any{map[string]any{"type": schema.ActionData, "order": 1}},
	}))
	assert.Error(t, b.Validate(map[string]any{
		"array_path": "::devices",
		"actions":    []any{map[string]any{"type": schema.ActionIterator, "order": 1}},
	}))
	assert.Error(t, b.Validate(map[string]any{"array_path": "::devices", "actions": []any{}}))
}

// --- Branch ---

func branchCondition(value int) map[string]any {
	return map[string]any{
		"criteria": []any{map[string]any{"attributes": []any{
			map[string]any{"type": "Number", "attribute": "::n", "operator": "eq", "value": value},
		}}},
	}
}

func TestBranch_FirstMatchRunsInline(t *testing.T) {
	h := newHarness(t)
	params := map[string]any{"branches": []any{
		map[string]any{"order": 3, "actions": []any{map[string]any{"type": schema.ActionData, "order": 1, "description": "fallback"}}},
		map[string]any{"order": 1, "condition": branchCondition(1), "actions": []any{map[string]any{"type": schema.ActionData, "order": 1, "description": "one"}}},
		map[string]any{"order": 2, "condition": branchCondition(2), "actions": []any{map[string]any{"type": schema.ActionData, "order": 1, "description": "two"}}},
	}}

	_, err := h.invoke(t, schema.ActionBranch, params, map[string]any{"n": 2})
	require.NoError(t, err)
	require.Len(t, h.host.inline, 1)
	assert.Equal(t, "two", h.host.inline[0][0].Description)

	_, err = h.invoke(t, schema.ActionBranch, params, map[string]any{"n": 9})
	require.NoError(t, err)
	require.Len(t, h.host.inline, 2)
	assert.Equal(t, "fallback", h.host.inline[1][0].Description)
}

func TestBranch_NoMatch(t *testing.T) {
	h := newHarness(t)
	params := map[string]any{"branches": []any{
		map[string]any{"order": 1, "condition": branchCondition(1), "actions": []any{map[string]any{"type": schema.ActionData, "order": 1}}},
	}}
	out, err := h.invoke(t, schema.ActionBranch, params, map[string]any{"n": 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
	assert.Empty(t, h.host.inline)
}

func TestBranch_InvalidOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.invoke(t, schema.ActionBranch, map[string]any{"branches": []any{
		map[string]any{"order": 0, "actions": []any{map[string]any{"type": schema.ActionData, "order": 1}}},
	}}, nil)
	assert.Equal(t, schema.ErrCodeCoreActionFailure, schema.ErrorCode(err))
}
