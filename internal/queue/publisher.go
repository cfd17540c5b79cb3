// Package queue carries run messages, events and delayed wake-ups between
// Flexli processes. Topics and subscriptions are opened by URL through
// gocloud.dev/pubsub; wake-ups wait in a Redis sorted set or in memory.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/flexli/flexli/pkg/schema"
)

// OpenTopic opens a topic by URL, e.g. "mem://runs".
func OpenTopic(ctx context.Context, url string) (*pubsub.Topic, error) {
	t, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, queueErr("open topic "+url, err)
	}
	return t, nil
}

// OpenSubscription opens a subscription by URL. For mem:// URLs the topic
// must already be open in this process.
func OpenSubscription(ctx context.Context, url string) (*pubsub.Subscription, error) {
	s, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, queueErr("open subscription "+url, err)
	}
	return s, nil
}

// Publisher sends run messages and events. It satisfies the publisher
// interfaces of the built-in actions.
type Publisher struct {
	runs   *pubsub.Topic
	events *pubsub.Topic
}

// NewPublisher wraps the run and event topics. Either may be nil when the
// process only publishes the other kind.
func NewPublisher(runs, events *pubsub.Topic) *Publisher {
	return &Publisher{runs: runs, events: events}
}

// PublishRun enqueues a run message.
func (p *Publisher) PublishRun(ctx context.Context, msg *schema.RunMessage) error {
	if p.runs == nil {
		return schema.NewError(schema.ErrCodeQueue, "run topic is not configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return queueErr("encode run message", err)
	}
	meta := map[string]string{"tenant_id": msg.TenantID}
	if msg.RunID != "" {
		meta["run_id"] = msg.RunID
	}
	if msg.ContinuationKey != "" {
		meta["continuation_key"] = msg.ContinuationKey
	}
	if err := p.runs.Send(ctx, &pubsub.Message{Body: body, Metadata: meta}); err != nil {
		return queueErr("send run message", err)
	}
	return nil
}

// PublishWakeup enqueues the resumption of the run saved under key.
func (p *Publisher) PublishWakeup(ctx context.Context, key string) error {
	return p.PublishRun(ctx, &schema.RunMessage{ContinuationKey: key})
}

// PublishEvent sends an event envelope to the event ingress.
func (p *Publisher) PublishEvent(ctx context.Context, ev *schema.Event) error {
	if p.events == nil {
		return schema.NewError(schema.ErrCodeQueue, "event topic is not configured")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return queueErr("encode event", err)
	}
	meta := map[string]string{"tenant_id": ev.TenantID, "type": ev.Type}
	if err := p.events.Send(ctx, &pubsub.Message{Body: body, Metadata: meta}); err != nil {
		return queueErr("send event", err)
	}
	return nil
}

// Shutdown flushes and closes both topics.
func (p *Publisher) Shutdown(ctx context.Context) error {
	var first error
	for _, t := range []*pubsub.Topic{p.runs, p.events} {
		if t == nil {
			continue
		}
		if err := t.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func queueErr(op string, err error) *schema.FlexliError {
	return schema.NewError(schema.ErrCodeQueue, fmt.Sprintf("queue: %s", op)).WithCause(err)
}
