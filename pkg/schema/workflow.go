package schema

import (
	"sort"
	"strings"
	"time"
)

// CoreV1Prefix marks an action or source type as built in.
const CoreV1Prefix = "Flexli:CoreV1:"

// Built-in action types.
const (
	ActionTransform   = CoreV1Prefix + "Transform"
	ActionWait        = CoreV1Prefix + "Wait"
	ActionCustomEvent = CoreV1Prefix + "CustomEvent"
	ActionRunWorkflow = CoreV1Prefix + "RunWorkflow"
	ActionIterator    = CoreV1Prefix + "Iterator"
	ActionBranch      = CoreV1Prefix + "Branch"
	ActionData        = CoreV1Prefix + "Data"
)

// Built-in source types. Any other source type names a connector event.
const (
	SourceCustomEvent = CoreV1Prefix + "CustomEvent"
	SourceSchedule    = CoreV1Prefix + "Schedule"
)

// CoreV1Actions lists every built-in action type the runner must handle.
var CoreV1Actions = []string{
	ActionTransform,
	ActionWait,
	ActionCustomEvent,
	ActionRunWorkflow,
	ActionIterator,
	ActionBranch,
	ActionData,
}

// IsCoreV1 reports whether typ names a built-in action or source.
func IsCoreV1(typ string) bool {
	return strings.HasPrefix(typ, CoreV1Prefix)
}

// Workflow is one persisted version of a workflow definition.
type Workflow struct {
	ID        string           `json:"id" yaml:"id"`
	TenantID  string           `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Version   int              `json:"version" yaml:"version"`
	Name      string           `json:"name" yaml:"name"`
	Enabled   bool             `json:"enabled" yaml:"enabled"`
	Source    *Source          `json:"source,omitempty" yaml:"source,omitempty"`
	Actions   []Action         `json:"actions" yaml:"actions"`
	OnError   *WorkflowOnError `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	CreatedAt time.Time        `json:"created_at,omitempty" yaml:"-"`
}

// Source is a workflow trigger: a connector event, a custom event or a schedule.
type Source struct {
	Type        string         `json:"type" yaml:"type"`
	ConnectorID string         `json:"connector_id,omitempty" yaml:"connector_id,omitempty"`
	Condition   *Condition     `json:"condition,omitempty" yaml:"condition,omitempty"`
	Transform   map[string]any `json:"transform,omitempty" yaml:"transform,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// EventType returns the event type this source subscribes to, or "" for schedules.
func (s *Source) EventType() string {
	switch s.Type {
	case SourceSchedule:
		return ""
	case SourceCustomEvent:
		if et, ok := s.Parameters["event_type"].(string); ok {
			return CoreV1Prefix + et
		}
		return ""
	default:
		return s.Type
	}
}

// Action is one step of a workflow.
type Action struct {
	Type            string         `json:"type" yaml:"type" mapstructure:"type"`
	ConnectorID     string         `json:"connector_id,omitempty" yaml:"connector_id,omitempty" mapstructure:"connector_id"`
	Description     string         `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Order           int            `json:"order" yaml:"order" mapstructure:"order"`
	Condition       *Condition     `json:"condition,omitempty" yaml:"condition,omitempty" mapstructure:"condition"`
	Timeout         int            `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	OnError         *OnError       `json:"on_error,omitempty" yaml:"on_error,omitempty" mapstructure:"on_error"`
	WaitForCallback *bool          `json:"wait_for_callback,omitempty" yaml:"wait_for_callback,omitempty" mapstructure:"wait_for_callback"`
	Parameters      map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty" mapstructure:"parameters"`
	Variables       map[string]any `json:"variables,omitempty" yaml:"variables,omitempty" mapstructure:"variables"`
	Transform       map[string]any `json:"transform,omitempty" yaml:"transform,omitempty" mapstructure:"transform"`
}

// Descriptor is the action summary recorded in history entries.
func (a *Action) Descriptor() *ActionDescriptor {
	return &ActionDescriptor{
		ConnectorID: a.ConnectorID,
		Order:       a.Order,
		Type:        a.Type,
	}
}

// OnError configures bounded retries of a connector action.
type OnError struct {
	MaxRetries int      `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryOn    []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty" mapstructure:"retry_on"`
	OnFail     OnFail   `json:"on_fail,omitempty" yaml:"on_fail,omitempty" mapstructure:"on_fail"`
	Backoff    *Backoff `json:"backoff,omitempty" yaml:"backoff,omitempty" mapstructure:"backoff"`
}

// Backoff is the action-level retry delay: wait * rate^attempt seconds.
type Backoff struct {
	Wait float64 `json:"wait" yaml:"wait" mapstructure:"wait" default:"3"`
	Rate float64 `json:"rate" yaml:"rate" mapstructure:"rate" default:"1.5"`
}

// WorkflowOnError is the workflow-level retry configuration.
type WorkflowOnError struct {
	MaxRetries int              `json:"max_retries" yaml:"max_retries"`
	RetryOn    []string         `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
	Backoff    *WorkflowBackoff `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// WorkflowBackoff carries the slower workflow-level defaults.
type WorkflowBackoff struct {
	Wait float64 `json:"wait" yaml:"wait" default:"30"`
	Rate float64 `json:"rate" yaml:"rate" default:"2.5"`
}

// SortActions returns a copy of actions ordered by Order.
func SortActions(actions []Action) []Action {
	sorted := make([]Action, len(actions))
	copy(sorted, actions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}
