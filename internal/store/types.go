package store

import (
	"strconv"
	"time"

	"github.com/flexli/flexli/pkg/schema"
)

// Schedule is the persisted fire-time state of a schedule-sourced workflow
// version. Exactly one of Cron and Rate is set.
type Schedule struct {
	TenantID        string     `json:"tenant_id"`
	WorkflowID      string     `json:"workflow_id"`
	WorkflowVersion int        `json:"workflow_version"`
	Cron            string     `json:"cron,omitempty"`
	Rate            string     `json:"rate,omitempty"`
	Enabled         bool       `json:"enabled"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunID       string     `json:"last_run_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Key identifies the schedule's workflow version.
func (s *Schedule) Key() string {
	return s.TenantID + "/" + s.WorkflowID + "/" + strconv.Itoa(s.WorkflowVersion)
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TenantID    string `json:"tenant_id,omitempty"`
	ID          string `json:"id,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
	SourceType  string `json:"source_type,omitempty"`
	ConnectorID string `json:"connector_id,omitempty"`
	EventType   string `json:"event_type,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	TenantID    string            `json:"tenant_id,omitempty"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	ParentRunID string            `json:"parent_run_id,omitempty"`
	Status      *schema.RunStatus `json:"status,omitempty"`
	Since       *time.Time        `json:"since,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Offset      int               `json:"offset,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	TenantID string `json:"tenant_id,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunID string     `json:"last_run_id,omitempty"`
}
