package actions

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/flexli/flexli/internal/conditions"
	"github.com/flexli/flexli/pkg/schema"
)

// DefaultWaitThreshold is the longest Wait that sleeps in place.
const DefaultWaitThreshold = 10 * time.Second

// WorkflowStore is the persistence the built-ins need.
// Satisfied by store.Store.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, tenantID, id string, version int) (*schema.Workflow, error)
	PutRun(ctx context.Context, rec *schema.RunRecord) error
}

// RunPublisher enqueues run messages.
type RunPublisher interface {
	PublishRun(ctx context.Context, msg *schema.RunMessage) error
}

// EventPublisher sends event envelopes to the event ingress.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *schema.Event) error
}

// Deps holds the collaborators injected into the built-ins.
type Deps struct {
	Store      WorkflowStore
	Runs       RunPublisher
	Events     EventPublisher
	Conditions *conditions.Evaluator

	// WaitThreshold is the longest Wait slept in place. Longer waits suspend
	// the run. Zero means DefaultWaitThreshold.
	WaitThreshold time.Duration
	Sleep         SleepFunc
	Clock         func() time.Time
	Logger        *slog.Logger
}

func (d *Deps) withDefaults() {
	if d.WaitThreshold <= 0 {
		d.WaitThreshold = DefaultWaitThreshold
	}
	if d.Sleep == nil {
		d.Sleep = SleepContext
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
}

// Builtins returns one handler per CoreV1 action type.
func Builtins(deps Deps) []Builtin {
	deps.withDefaults()
	return []Builtin{
		&transformAction{},
		&dataAction{},
		&waitAction{deps: deps},
		&customEventAction{deps: deps},
		&runWorkflowAction{deps: deps},
		&iteratorAction{deps: deps},
		&branchAction{deps: deps},
	}
}

// RegisterBuiltins registers all built-ins and checks every CoreV1 type
// is covered.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	for _, b := range Builtins(deps) {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return reg.Validate()
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext sleeps for d or returns early with the context error.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func emptyResult() map[string]any {
	return map[string]any{}
}
