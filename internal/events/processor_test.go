package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexli/flexli/internal/conditions"
	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/internal/store"
	"github.com/flexli/flexli/pkg/schema"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type publisher struct {
	runs []*schema.RunMessage
	err  error
}

func (p *publisher) PublishRun(_ context.Context, msg *schema.RunMessage) error {
	if p.err != nil {
		return p.err
	}
	p.runs = append(p.runs, msg)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *store.LibSQLStore, *publisher) {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evaluator, err := conditions.NewEvaluator(logger)
	require.NoError(t, err)
	clock := func() time.Time { return fixedNow }
	pub := &publisher{}
	launcher := engine.NewLauncher(st, pub, evaluator, expressions.NewResolver(expressions.WithClock(clock)), clock)
	return NewProcessor(st, launcher, logger), st, pub
}

func deviceWorkflow(id string, source *schema.Source) *schema.Workflow {
	return &schema.Workflow{
		ID:       id,
		TenantID: "t1",
		Version:  1,
		Name:     "wf-" + id,
		Enabled:  true,
		Source:   source,
		Actions:  []schema.Action{{Type: schema.ActionData, Order: 1}},
	}
}

func TestParse(t *testing.T) {
	ev, err := Parse([]byte(`{"specversion":"1.0","type":"DeviceAdded","id":"e1","tenantid":"t1","connectorid":"jamf","time":"2024-03-01T11:00:00.000Z","data":{"serial":"C02"}}`))
	require.NoError(t, err)
	assert.Equal(t, "DeviceAdded", ev.Type)
	assert.Equal(t, "jamf", ev.ConnectorID)
	assert.Equal(t, map[string]any{"serial": "C02"}, ev.Data)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing type", `{"id":"e1","tenantid":"t1","connectorid":"jamf"}`},
		{"missing tenant", `{"type":"X","id":"e1","connectorid":"jamf"}`},
		{"missing connector", `{"type":"X","id":"e1","tenantid":"t1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, engine.ErrMalformed)
		})
	}
}

func TestProcess_ConnectorEvent(t *testing.T) {
	p, st, pub := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, st.PutWorkflow(ctx, deviceWorkflow("match", &schema.Source{
		Type:        "DeviceAdded",
		ConnectorID: "jamf",
		Transform:   map[string]any{"serial": "::serial"},
	})))
	require.NoError(t, st.PutWorkflow(ctx, deviceWorkflow("other-connector", &schema.Source{Type: "DeviceAdded", ConnectorID: "kandji"})))
	require.NoError(t, st.PutWorkflow(ctx, deviceWorkflow("other-type", &schema.Source{Type: "DeviceRemoved", ConnectorID: "jamf"})))

	n, err := p.Process(ctx, &schema.Event{
		Type:        "DeviceAdded",
		ID:          "e1",
		TenantID:    "t1",
		ConnectorID: "jamf",
		Time:        "2024-03-01T11:00:00.000Z",
		Data:        map[string]any{"serial": "C02", "model": "MacBook"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.runs, 1)
	msg := pub.runs[0]
	assert.Equal(t, "match", msg.WorkflowID)
	assert.Equal(t, map[string]any{"serial": "C02"}, msg.SourceInput)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), msg.SourceTime)
	assert.Equal(t, "e1", msg.Meta["event_id"])

	rec, err := st.GetRun(ctx, "t1", msg.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, rec.Status)
}

func TestProcess_CustomEventDecodesJSONBody(t *testing.T) {
	p, st, pub := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, st.PutWorkflow(ctx, deviceWorkflow("listener", &schema.Source{
		Type:       schema.SourceCustomEvent,
		Parameters: map[string]any{"event_type": "DeviceReady"},
	})))

	body := []byte(`{"specversion":"1.0","type":"Flexli:CoreV1:DeviceReady","source":"Flexli:Workflow","id":"e2","tenantid":"t1","connectorid":"Flexli:CoreV1","time":"2024-03-01T11:30:00.000Z","datacontenttype":"application/json","data":"{\"serial\":\"C02\"}"}`)
	require.NoError(t, p.Handle(ctx, body))

	require.Len(t, pub.runs, 1)
	assert.Equal(t, "listener", pub.runs[0].WorkflowID)
	assert.Equal(t, map[string]any{"serial": "C02"}, pub.runs[0].SourceInput)
}

func TestProcess_SourceConditionFilters(t *testing.T) {
	p, st, pub := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, st.PutWorkflow(ctx, deviceWorkflow("gated", &schema.Source{
		Type:        "DeviceAdded",
		ConnectorID: "jamf",
		Condition: &schema.Condition{Criteria: []schema.Criteria{{
			Attributes: []schema.Attribute{{
				Type:      schema.AttributeString,
				Attribute: "::serial",
				Operator:  "eq",
				Value:     "C02",
			}},
		}}},
	})))

	ev := &schema.Event{Type: "DeviceAdded", ID: "e3", TenantID: "t1", ConnectorID: "jamf", Data: map[string]any{"serial": "OTHER"}}
	n, err := p.Process(ctx, ev)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.runs)

	ev.Data = map[string]any{"serial": "C02"}
	n, err = p.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, fixedNow, pub.runs[0].SourceTime)
}

func TestProcess_SkipsDisabledAndOtherTenants(t *testing.T) {
	p, st, pub := newTestProcessor(t)
	ctx := context.Background()

	disabled := deviceWorkflow("off", &schema.Source{Type: "DeviceAdded", ConnectorID: "jamf"})
	disabled.Enabled = false
	require.NoError(t, st.PutWorkflow(ctx, disabled))
	foreign := deviceWorkflow("foreign", &schema.Source{Type: "DeviceAdded", ConnectorID: "jamf"})
	foreign.TenantID = "t2"
	require.NoError(t, st.PutWorkflow(ctx, foreign))

	n, err := p.Process(ctx, &schema.Event{Type: "DeviceAdded", ID: "e4", TenantID: "t1", ConnectorID: "jamf"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.runs)
}

func TestProcess_PublishFailureReturnsError(t *testing.T) {
	p, st, pub := newTestProcessor(t)
	ctx := context.Background()
	pub.err = errors.New("topic closed")

	require.NoError(t, st.PutWorkflow(ctx, deviceWorkflow("a", &schema.Source{Type: "DeviceAdded", ConnectorID: "jamf"})))

	_, err := p.Process(ctx, &schema.Event{Type: "DeviceAdded", ID: "e5", TenantID: "t1", ConnectorID: "jamf"})
	assert.Error(t, err)
}

func TestHandle_Malformed(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	err := p.Handle(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, engine.ErrMalformed)
}
