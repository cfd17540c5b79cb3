package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexli/flexli/internal/conditions"
	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/internal/store"
	"github.com/flexli/flexli/pkg/schema"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type publisher struct {
	runs []*schema.RunMessage
}

func (p *publisher) PublishRun(_ context.Context, msg *schema.RunMessage) error {
	p.runs = append(p.runs, msg)
	return nil
}

type testAPI struct {
	router http.Handler
	store  *store.LibSQLStore
	pub    *publisher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evaluator, err := conditions.NewEvaluator(logger)
	require.NoError(t, err)
	clock := func() time.Time { return fixedNow }
	pub := &publisher{}
	launcher := engine.NewLauncher(st, pub, evaluator, expressions.NewResolver(expressions.WithClock(clock)), clock)

	return &testAPI{
		router: NewServer(st, launcher, logger).SetupRoutes(),
		store:  st,
		pub:    pub,
	}
}

func (a *testAPI) do(t *testing.T, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func gatedWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:       "wf-1",
		TenantID: "t1",
		Version:  1,
		Name:     "Tag laptops",
		Enabled:  true,
		Source: &schema.Source{
			Type: "DeviceAdded",
			Condition: &schema.Condition{Criteria: []schema.Criteria{{
				Attributes: []schema.Attribute{{
					Type:      schema.AttributeString,
					Attribute: "::kind",
					Operator:  "eq",
					Value:     "laptop",
				}},
			}}},
			Transform: map[string]any{"device.kind": "::kind"},
		},
		Actions: []schema.Action{{Type: schema.ActionData, Order: 1}},
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRunWorkflow_Created(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, a.store.PutWorkflow(ctx, gatedWorkflow()))

	w := a.do(t, http.MethodPost, "/v1/workflows/wf-1/versions/1/run", "t1", `{"kind":"laptop"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created CreatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "/v1/run-history/"+created.ID, created.Href)

	require.Len(t, a.pub.runs, 1)
	assert.Equal(t, map[string]any{"device": map[string]any{"kind": "laptop"}}, a.pub.runs[0].SourceInput)

	rec, err := a.store.GetRun(ctx, "t1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, rec.Status)
	assert.Equal(t, "Tag laptops", rec.WorkflowName)
}

func TestRunWorkflow_ConditionFailed(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.store.PutWorkflow(context.Background(), gatedWorkflow()))

	w := a.do(t, http.MethodPost, "/v1/workflows/wf-1/versions/1/run", "t1", `{"kind":"phone"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "ConditionFailed", resp.ErrorCode)
	assert.NotEmpty(t, resp.RequestID)
	assert.Empty(t, a.pub.runs)
}

func TestRunWorkflow_EmptyBodyWithoutSource(t *testing.T) {
	a := newTestAPI(t)
	wf := gatedWorkflow()
	wf.Source = nil
	require.NoError(t, a.store.PutWorkflow(context.Background(), wf))

	w := a.do(t, http.MethodPost, "/v1/workflows/wf-1/versions/1/run", "t1", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, a.pub.runs, 1)
	assert.Equal(t, map[string]any{}, a.pub.runs[0].SourceInput)
}

func TestRunWorkflow_Errors(t *testing.T) {
	a := newTestAPI(t)
	disabled := gatedWorkflow()
	disabled.ID = "wf-off"
	disabled.Enabled = false
	require.NoError(t, a.store.PutWorkflow(context.Background(), gatedWorkflow()))
	require.NoError(t, a.store.PutWorkflow(context.Background(), disabled))

	tests := []struct {
		name   string
		path   string
		tenant string
		body   string
		status int
		code   string
	}{
		{"missing tenant", "/v1/workflows/wf-1/versions/1/run", "", `{}`, http.StatusUnauthorized, "Unauthorized"},
		{"bad version", "/v1/workflows/wf-1/versions/x/run", "t1", `{}`, http.StatusBadRequest, "ValidationError"},
		{"invalid json", "/v1/workflows/wf-1/versions/1/run", "t1", `{"kind":`, http.StatusBadRequest, "ValidationError"},
		{"trailing data", "/v1/workflows/wf-1/versions/1/run", "t1", `{} {}`, http.StatusBadRequest, "ValidationError"},
		{"unknown workflow", "/v1/workflows/nope/versions/1/run", "t1", `{}`, http.StatusNotFound, "NotFound"},
		{"other tenant", "/v1/workflows/wf-1/versions/1/run", "t2", `{"kind":"laptop"}`, http.StatusNotFound, "NotFound"},
		{"disabled", "/v1/workflows/wf-off/versions/1/run", "t1", `{"kind":"laptop"}`, http.StatusConflict, "Conflict"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, tt.path, tt.tenant, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).ErrorCode)
		})
	}
	assert.Empty(t, a.pub.runs)
}

func TestGetRunHistory(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, a.store.PutRun(ctx, &schema.RunRecord{
		RunID:           "run-1",
		TenantID:        "t1",
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		Status:          schema.RunStatusRunning,
		StartTime:       fixedNow,
	}))
	for i, status := range []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusSuccessful} {
		require.NoError(t, a.store.AppendHistory(ctx, &schema.HistoryEntry{
			TenantID:  "t1",
			RunID:     "run-1",
			Status:    status,
			Time:      fixedNow.Add(time.Duration(i) * time.Second),
			ExpiresAt: time.Now().Add(24 * time.Hour),
		}))
	}

	w := a.do(t, http.MethodGet, "/v1/run-history/run-1", "t1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp RunHistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.Run.RunID)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, schema.RunStatusRunning, resp.Items[0].Status)
	assert.Equal(t, schema.RunStatusSuccessful, resp.Items[1].Status)

	w = a.do(t, http.MethodGet, "/v1/run-history/run-1?limit=1", "t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 1)

	w = a.do(t, http.MethodGet, "/v1/run-history/run-1?limit=0", "t1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/v1/run-history/run-1?limit=-3", "t1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/v1/run-history/run-1", "t2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/run-history/none", nil)
	req.Header.Set(TenantHeader, "t1")
	req.Header.Set("X-Request-Id", "req-42")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-Id"))
	assert.Equal(t, "req-42", decodeError(t, w).RequestID)
}
