package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexli/flexli/pkg/schema"
)

const greeterWorkflow = `
name: greeter
actions:
  - type: Flexli:CoreV1:Transform
    order: 1
    parameters:
      name: "::name"
    transform:
      greeting: "::name"
`

func newTestApp(t *testing.T) *app {
	t.Helper()
	c := &Config{
		DBPath:                filepath.Join(t.TempDir(), "flexli.db"),
		RunQueueURL:           "mem://test-runs",
		EventQueueURL:         "mem://test-events",
		ContinuationBucketURL: "mem://",
		MaxConcurrency:        1,
		BatchSize:             1,
	}
	a, err := newApp(context.Background(), c, slog.New(slog.NewTextHandler(io.Discard, nil)), appOptions{inline: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRunInline(t *testing.T) {
	a := newTestApp(t)
	wf, result, err := a.validator.Load([]byte(greeterWorkflow))
	require.NoError(t, err)
	require.True(t, result.Valid(), "%v", result.Errors)
	wf.ID, wf.TenantID, wf.Version, wf.Enabled = "greeter", "local", 1, true

	var out bytes.Buffer
	require.NoError(t, runInline(context.Background(), a, wf, map[string]any{"name": "Ada"}, &out, ""))

	var printed struct {
		RunID   string                 `json:"run_id"`
		Status  schema.RunStatus       `json:"status"`
		History []*schema.HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, schema.RunStatusSuccessful, printed.Status)
	require.NotEmpty(t, printed.History)
	last := printed.History[len(printed.History)-1]
	assert.Equal(t, schema.RunStatusSuccessful, last.Status)

	rec, err := a.store.GetRun(context.Background(), "local", printed.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccessful, rec.Status)
}

func TestRunInline_JQFilter(t *testing.T) {
	a := newTestApp(t)
	wf, _, err := a.validator.Load([]byte(greeterWorkflow))
	require.NoError(t, err)
	wf.ID, wf.TenantID, wf.Version, wf.Enabled = "greeter", "local", 1, true

	var out bytes.Buffer
	require.NoError(t, runInline(context.Background(), a, wf, map[string]any{"name": "Ada"}, &out, ".status"))
	assert.Equal(t, "successful\n", out.String())
}

func TestPrintJSON(t *testing.T) {
	ctx := context.Background()
	doc := map[string]any{"items": []any{map[string]any{"id": 1}, map[string]any{"id": 2}}}

	var out bytes.Buffer
	require.NoError(t, printJSON(ctx, &out, doc, ".items[].id"))
	assert.Equal(t, "1\n2\n", out.String())

	out.Reset()
	require.NoError(t, printJSON(ctx, &out, doc, ""))
	assert.JSONEq(t, `{"items":[{"id":1},{"id":2}]}`, out.String())

	assert.Error(t, printJSON(ctx, &out, doc, ".items["))
	assert.Error(t, printJSON(ctx, &out, doc, ".items | error(\"boom\")"))
}

func TestLoadWorkflowFile(t *testing.T) {
	wv, err := newStandaloneValidator()
	require.NoError(t, err)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(greeterWorkflow), 0o600))
	wf, err := loadWorkflowFile(wv, good, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "greeter", wf.Name)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: x\nsteps: []\nactions: []\n"), 0o600))
	var errOut bytes.Buffer
	_, err = loadWorkflowFile(wv, bad, &errOut)
	assert.Error(t, err)
	assert.Contains(t, errOut.String(), "error ")
}

func TestReadInput(t *testing.T) {
	in, err := readInput("")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, in)

	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"Ada"}`), 0o600))
	in, err = readInput(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada"}, in)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err = readInput(path)
	assert.Error(t, err)
}
