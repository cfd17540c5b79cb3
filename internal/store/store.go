package store

import (
	"context"
	"time"

	"github.com/flexli/flexli/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	PutWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, tenantID, id string, version int) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, tenantID, id string, version int) error

	// Connectors
	PutConnector(ctx context.Context, c *schema.Connector) error
	GetConnector(ctx context.Context, tenantID, id string) (*schema.Connector, error)
	ListConnectors(ctx context.Context, tenantID string) ([]*schema.Connector, error)
	DeleteConnector(ctx context.Context, tenantID, id string) error

	// Runs
	PutRun(ctx context.Context, rec *schema.RunRecord) error
	GetRun(ctx context.Context, tenantID, runID string) (*schema.RunRecord, error)
	UpdateRunStatus(ctx context.Context, tenantID, runID string, status schema.RunStatus, endTime *time.Time) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunRecord, error)

	// Run history (append-only)
	AppendHistory(ctx context.Context, entry *schema.HistoryEntry) error
	ListHistory(ctx context.Context, tenantID, runID string) ([]*schema.HistoryEntry, error)
	PurgeExpiredHistory(ctx context.Context, now time.Time) (int64, error)

	// Schedules
	UpsertSchedule(ctx context.Context, s *Schedule) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, tenantID, workflowID string, version int, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, tenantID, workflowID string, version int) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
