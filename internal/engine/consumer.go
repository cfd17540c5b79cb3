package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tidwall/gjson"
	"gocloud.dev/pubsub"

	"github.com/flexli/flexli/internal/logging"
	"github.com/flexli/flexli/pkg/schema"
)

// ErrMalformed marks a message that can never be processed. Such messages
// are reported as failures in a batch but acknowledged by Consume so they
// are not redelivered forever.
var ErrMalformed = errors.New("malformed message")

// Message is one queue delivery in a batch.
type Message struct {
	ID   string
	Body []byte
}

// HandlerFunc processes one message body.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer feeds queue messages through a bounded worker pool. Each message
// succeeds or fails on its own.
type Consumer struct {
	handle HandlerFunc
	pool   *WorkerPool
	logger *slog.Logger
}

// NewConsumer builds a consumer running at most concurrency messages at once.
func NewConsumer(handle HandlerFunc, concurrency int, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Consumer{
		handle: handle,
		pool:   NewWorkerPool(concurrency),
		logger: logger,
	}
}

// RunHandler decodes run messages and hands them to runner.
func RunHandler(runner *Runner, logger *slog.Logger) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		if !gjson.ValidBytes(body) {
			return fmt.Errorf("%w: run message is not valid JSON", ErrMalformed)
		}
		peek := gjson.GetManyBytes(body, "tenant_id", "workflow_id", "run_id", "continuation_key")
		tenantID, workflowID, runID, key := peek[0].String(), peek[1].String(), peek[2].String(), peek[3].String()
		if key == "" && (tenantID == "" || workflowID == "") {
			return fmt.Errorf("%w: run message needs tenant_id and workflow_id", ErrMalformed)
		}
		ctx = logging.WithRun(ctx, tenantID, workflowID, runID, "")

		var msg schema.RunMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		status, err := runner.Handle(ctx, &msg)
		if err != nil {
			return err
		}
		logger.DebugContext(ctx, "run message handled", "status", status)
		return nil
	}
}

// ProcessBatch handles msgs concurrently and returns the ids of those that
// failed, in input order.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []Message) []string {
	failed := make([]bool, len(msgs))
	var wg sync.WaitGroup

	for i, m := range msgs {
		i, m := i, m
		wg.Add(1)
		err := c.pool.Submit(ctx, func(ctx context.Context) error {
			return c.handle(ctx, m.Body)
		}, func(err error) {
			defer wg.Done()
			if err != nil {
				failed[i] = true
				c.logger.ErrorContext(ctx, "message failed", "message_id", m.ID, "error", err)
			}
		})
		if err != nil {
			wg.Done()
			failed[i] = true
			c.logger.ErrorContext(ctx, "message not submitted", "message_id", m.ID, "error", err)
		}
	}
	wg.Wait()

	var ids []string
	for i, f := range failed {
		if f {
			ids = append(ids, msgs[i].ID)
		}
	}
	return ids
}

// Consume receives from sub until ctx is done. Messages are acked when
// handled or malformed and nacked otherwise.
func (c *Consumer) Consume(ctx context.Context, sub *pubsub.Subscription) error {
	defer c.pool.Wait()
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive message: %w", err)
		}

		m := msg
		err = c.pool.Submit(ctx, func(ctx context.Context) error {
			return c.handle(ctx, m.Body)
		}, func(err error) {
			switch {
			case err == nil:
				m.Ack()
			case errors.Is(err, ErrMalformed):
				c.logger.ErrorContext(ctx, "dropping malformed message", "message_id", m.LoggableID, "error", err)
				m.Ack()
			default:
				c.logger.ErrorContext(ctx, "message failed", "message_id", m.LoggableID, "error", err)
				if m.Nackable() {
					m.Nack()
				}
			}
		})
		if err != nil {
			if m.Nackable() {
				m.Nack()
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Close waits for in-flight messages and stops the pool.
func (c *Consumer) Close() {
	c.pool.Shutdown()
}

// Metrics reports the pool counters.
func (c *Consumer) Metrics() PoolMetrics {
	return c.pool.Metrics()
}
