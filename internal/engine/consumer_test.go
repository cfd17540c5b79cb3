package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/flexli/flexli/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsumer_ProcessBatchIsolatesFailures(t *testing.T) {
	c := NewConsumer(func(_ context.Context, body []byte) error {
		switch string(body) {
		case "bad":
			return errors.New("boom")
		case "panic":
			panic("handler panic")
		}
		return nil
	}, 2, discardLogger())
	defer c.Close()

	failed := c.ProcessBatch(context.Background(), []Message{
		{ID: "m1", Body: []byte("ok")},
		{ID: "m2", Body: []byte("bad")},
		{ID: "m3", Body: []byte("ok")},
		{ID: "m4", Body: []byte("panic")},
	})

	assert.Equal(t, []string{"m2", "m4"}, failed)
	assert.Equal(t, int64(1), c.Metrics().Panics)
}

func TestConsumer_ProcessBatchEmpty(t *testing.T) {
	c := NewConsumer(func(context.Context, []byte) error { return nil }, 1, nil)
	defer c.Close()
	assert.Empty(t, c.ProcessBatch(context.Background(), nil))
}

func TestRunHandler_RejectsMalformed(t *testing.T) {
	env := newTestEnv(t)
	handle := RunHandler(env.runner, discardLogger())

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"tenant_id":`},
		{"missing tenant", `{"workflow_id":"wf-1","actions":[]}`},
		{"missing workflow", `{"tenant_id":"t1","actions":[]}`},
		{"wrong shape", `{"tenant_id":"t1","workflow_id":"wf-1","actions":"nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handle(context.Background(), []byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRunHandler_RunsMessage(t *testing.T) {
	env := newTestEnv(t)
	handle := RunHandler(env.runner, discardLogger())

	body, err := json.Marshal(&schema.RunMessage{
		TenantID:        "tenant-1",
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		SourceInput:     map[string]any{"x": 1},
		Actions:         []schema.Action{{Type: schema.ActionData, Order: 1}},
	})
	require.NoError(t, err)

	require.NoError(t, handle(context.Background(), body))
	require.Len(t, env.store.runs, 1)
	for _, rec := range env.store.runs {
		assert.Equal(t, schema.RunStatusSuccessful, rec.Status)
	}
}

func TestConsumer_ConsumeAcksHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := mempubsub.NewTopic()
	defer topic.Shutdown(context.Background())
	sub := mempubsub.NewSubscription(topic, time.Minute)
	defer sub.Shutdown(context.Background())

	var handled atomic.Int32
	c := NewConsumer(func(context.Context, []byte) error {
		handled.Add(1)
		return nil
	}, 2, discardLogger())
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, sub) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, topic.Send(ctx, &pubsub.Message{Body: []byte(`{}`)}))
	}
	require.Eventually(t, func() bool { return handled.Load() == 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
