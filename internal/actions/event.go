package actions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flexli/flexli/pkg/schema"
)

// --- Flexli:CoreV1:CustomEvent ---

type customEventAction struct {
	deps Deps
}

func (a *customEventAction) Type() string { return schema.ActionCustomEvent }

func (a *customEventAction) Description() string {
	return "Emit a custom event to the event ingress."
}

func (a *customEventAction) Validate(params map[string]any) error {
	var p CustomEventParams
	return DecodeParams(schema.ActionCustomEvent, params, &p)
}

func (a *customEventAction) Execute(ctx context.Context, inv *Invocation) (any, error) {
	var p CustomEventParams
	if err := DecodeParams(schema.ActionCustomEvent, inv.Params, &p); err != nil {
		return nil, err
	}

	ev, err := NewEvent(inv.TenantID, p, a.deps.Clock())
	if err != nil {
		return nil, err
	}
	if err := a.deps.Events.PublishEvent(ctx, ev); err != nil {
		return nil, err
	}

	a.deps.Logger.DebugContext(ctx, "custom event emitted",
		"event_type", ev.Type,
		"event_id", ev.ID,
	)
	return emptyResult(), nil
}

// NewEvent builds the envelope of a workflow-emitted event. A JSON body is
// carried as its encoded string.
func NewEvent(tenantID string, p CustomEventParams, now time.Time) (*schema.Event, error) {
	data := p.Body
	if strings.EqualFold(p.ContentType, "application/json") {
		raw, err := json.Marshal(p.Body)
		if err != nil {
			return nil, coreFailure("CustomEvent: encode body: %v", err)
		}
		data = string(raw)
	}

	return &schema.Event{
		SpecVersion:     schema.EventSpecVersion,
		Type:            schema.CoreV1Prefix + p.EventType,
		Source:          schema.EventSourceWorkflow,
		ID:              newID(),
		TenantID:        tenantID,
		ConnectorID:     schema.EventConnectorCore,
		Time:            now.UTC().Format(schema.TimestampLayout),
		DataContentType: p.ContentType,
		Data:            data,
	}, nil
}

// newID returns a time-ordered id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
