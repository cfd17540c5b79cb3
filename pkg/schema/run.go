package schema

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusWaiting    RunStatus = "waiting"
	RunStatusSuccessful RunStatus = "successful"
	RunStatusFailed     RunStatus = "failed"
	RunStatusStopped    RunStatus = "stopped"
)

// IsTerminal reports whether s ends a run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccessful, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// ValidRunTransitions lists the statuses each status may move to. Terminal
// statuses are final.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning, RunStatusWaiting, RunStatusSuccessful, RunStatusFailed, RunStatusStopped},
	RunStatusRunning: {RunStatusRunning, RunStatusWaiting, RunStatusSuccessful, RunStatusFailed, RunStatusStopped},
	RunStatusWaiting: {RunStatusRunning, RunStatusFailed, RunStatusStopped},
}

// CanTransition reports whether a run in status s may move to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, to := range ValidRunTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses from which a run may move to next.
func TransitionSources(next RunStatus) []RunStatus {
	var out []RunStatus
	for _, from := range []RunStatus{RunStatusQueued, RunStatusRunning, RunStatusWaiting} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

// HistoryTTL is how long history entries are retained.
const HistoryTTL = 7 * 24 * time.Hour

// RunMessage is the queue payload that starts or resumes a run. Actions are
// embedded so the runner never re-reads the workflow mid-run.
type RunMessage struct {
	TenantID        string         `json:"tenant_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	WorkflowName    string         `json:"workflow_name,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	ParentRunID     string         `json:"parent_run_id,omitempty"`
	SourceInput     any            `json:"source_input"`
	Actions         []Action       `json:"actions"`
	SourceTime      time.Time      `json:"source_time,omitempty"`
	ContinuationKey string         `json:"continuation_key,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// RunRecord is the persisted summary of one run.
type RunRecord struct {
	RunID           string     `json:"run_id"`
	TenantID        string     `json:"tenant_id"`
	ParentRunID     string     `json:"parent_run_id,omitempty"`
	WorkflowID      string     `json:"workflow_id"`
	WorkflowVersion int        `json:"workflow_version"`
	WorkflowName    string     `json:"workflow_name,omitempty"`
	Status          RunStatus  `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
}

// ActionDescriptor identifies the action a history entry refers to.
type ActionDescriptor struct {
	ConnectorID string `json:"connector_id,omitempty"`
	Order       int    `json:"order"`
	Type        string `json:"type"`
}

// HistoryEntry is one append-only record of a run's progress. RunID is the
// top-level run; NestedRunID is set for entries written by child runs.
type HistoryEntry struct {
	ID          int64             `json:"id,omitempty"`
	TenantID    string            `json:"tenant_id"`
	RunID       string            `json:"run_id"`
	NestedRunID string            `json:"nested_run_id,omitempty"`
	Status      RunStatus         `json:"status"`
	Action      *ActionDescriptor `json:"action,omitempty"`
	Reason      any               `json:"reason,omitempty"`
	State       any               `json:"state,omitempty"`
	Time        time.Time         `json:"time"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Continuation is the saved position of a run suspended by a long Wait.
type Continuation struct {
	Message   RunMessage `json:"message"`
	State     any        `json:"state"`
	Remaining []Action   `json:"remaining"`
	ResumeAt  time.Time  `json:"resume_at"`
}

// Event is a CloudEvents-style envelope accepted by the event ingress and
// produced by CustomEvent actions.
type Event struct {
	SpecVersion     string `json:"specversion"`
	Type            string `json:"type"`
	Source          string `json:"source"`
	ID              string `json:"id"`
	TenantID        string `json:"tenantid"`
	ConnectorID     string `json:"connectorid"`
	Time            string `json:"time"`
	DataContentType string `json:"datacontenttype,omitempty"`
	Data            any    `json:"data"`
}

// Event envelope constants for workflow-emitted events.
const (
	EventSpecVersion    = "1.0"
	EventSourceWorkflow = "flexli.workflow"
	EventConnectorCore  = "Flexli:CoreV1"
)

// TimestampLayout is the UTC millisecond timestamp format used in events and history.
const TimestampLayout = "2006-01-02T15:04:05.000Z"
