// Package events turns incoming event envelopes into workflow runs. Each
// enabled workflow whose source matches the event's tenant, connector and
// type gets one run, provided its source condition holds for the event data.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/internal/store"
	"github.com/flexli/flexli/pkg/schema"
)

var validate = validator.New()

// WorkflowFinder lists workflows. Satisfied by store.Store.
type WorkflowFinder interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
}

// Launcher enqueues runs. Satisfied by engine.Launcher.
type Launcher interface {
	Launch(ctx context.Context, wf *schema.Workflow, input any, opts engine.LaunchOptions) (*schema.RunMessage, error)
}

// envelope is the wire form of an incoming event.
type envelope struct {
	SpecVersion     string `json:"specversion"`
	Type            string `json:"type" validate:"required"`
	Source          string `json:"source"`
	ID              string `json:"id" validate:"required"`
	TenantID        string `json:"tenantid" validate:"required"`
	ConnectorID     string `json:"connectorid" validate:"required"`
	Time            string `json:"time"`
	DataContentType string `json:"datacontenttype"`
	Data            any    `json:"data"`
}

// Processor matches events to workflows and launches their runs.
type Processor struct {
	workflows WorkflowFinder
	launcher  Launcher
	logger    *slog.Logger
}

func NewProcessor(workflows WorkflowFinder, launcher Launcher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Processor{workflows: workflows, launcher: launcher, logger: logger}
}

// Handle parses one queue message body and processes the event in it. It
// matches engine.HandlerFunc; unparseable bodies are engine.ErrMalformed.
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	ev, err := Parse(body)
	if err != nil {
		return err
	}
	_, err = p.Process(ctx, ev)
	return err
}

// Parse decodes and checks an event envelope.
func Parse(body []byte) (*schema.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: event is not valid JSON: %v", engine.ErrMalformed, err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: event envelope: %v", engine.ErrMalformed, err)
	}
	return &schema.Event{
		SpecVersion:     env.SpecVersion,
		Type:            env.Type,
		Source:          env.Source,
		ID:              env.ID,
		TenantID:        env.TenantID,
		ConnectorID:     env.ConnectorID,
		Time:            env.Time,
		DataContentType: env.DataContentType,
		Data:            env.Data,
	}, nil
}

// Process launches a run for every workflow subscribed to ev and returns
// how many were launched. Workflows whose source condition fails are
// skipped silently.
func (p *Processor) Process(ctx context.Context, ev *schema.Event) (int, error) {
	enabled := true
	filter := store.WorkflowFilter{TenantID: ev.TenantID, Enabled: &enabled, EventType: ev.Type}
	if ev.ConnectorID != schema.EventConnectorCore {
		filter.ConnectorID = ev.ConnectorID
	}
	wfs, err := p.workflows.ListWorkflows(ctx, filter)
	if err != nil {
		return 0, err
	}

	data, err := eventData(ev)
	if err != nil {
		return 0, fmt.Errorf("%w: event %s: %v", engine.ErrMalformed, ev.ID, err)
	}
	sourceTime := eventTime(ev)

	launched := 0
	for _, wf := range wfs {
		msg, err := p.launcher.Launch(ctx, wf, data, engine.LaunchOptions{
			SourceTime: sourceTime,
			Meta:       map[string]any{"event_id": ev.ID, "event_type": ev.Type},
		})
		switch {
		case err == nil:
			launched++
			p.logger.InfoContext(ctx, "event run launched",
				"event_id", ev.ID,
				"tenant_id", ev.TenantID,
				"workflow_id", wf.ID,
				"workflow_version", wf.Version,
				"run_id", msg.RunID,
			)
		case schema.IsCode(err, schema.ErrCodeConditionFailedFail):
			p.logger.DebugContext(ctx, "event filtered by source condition",
				"event_id", ev.ID,
				"workflow_id", wf.ID,
			)
		case schema.IsCode(err, schema.ErrCodeTransform), schema.IsCode(err, schema.ErrCodeExpression):
			p.logger.WarnContext(ctx, "source transform failed",
				"event_id", ev.ID,
				"workflow_id", wf.ID,
				"error", err,
			)
		default:
			return launched, err
		}
	}
	return launched, nil
}

// eventData decodes a JSON body carried as a string.
func eventData(ev *schema.Event) (any, error) {
	s, ok := ev.Data.(string)
	if !ok || !isJSON(ev.DataContentType) {
		return ev.Data, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isJSON(contentType string) bool {
	mt := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.EqualFold(mt, "application/json")
}

func eventTime(ev *schema.Event) time.Time {
	for _, layout := range []string{schema.TimestampLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, ev.Time); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
