package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flexli/flexli/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flexli.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

// PutWorkflow inserts or replaces one workflow version.
func (s *LibSQLStore) PutWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	var sourceType, connectorID, eventType string
	if wf.Source != nil {
		sourceType = wf.Source.Type
		connectorID = wf.Source.ConnectorID
		eventType = wf.Source.EventType()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (tenant_id, id, version, name, enabled, source_type, source_connector_id, event_type, definition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id, version) DO UPDATE SET
		   name=excluded.name, enabled=excluded.enabled, source_type=excluded.source_type,
		   source_connector_id=excluded.source_connector_id, event_type=excluded.event_type,
		   definition=excluded.definition`,
		wf.TenantID, wf.ID, wf.Version, wf.Name, wf.Enabled,
		nullStr(sourceType), nullStr(connectorID), nullStr(eventType),
		string(def), timeOrNow(wf.CreatedAt),
	)
	if err != nil {
		return storeErr("put workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, tenantID, id string, version int) (*schema.Workflow, error) {
	var def string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, created_at FROM workflows WHERE tenant_id = ? AND id = ? AND version = ?`,
		tenantID, id, version,
	).Scan(&def, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", fmt.Sprintf("%s:%d", id, version))
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return decodeWorkflow(def, createdAt)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ID != "" {
		where = append(where, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, filter.SourceType)
	}
	if filter.ConnectorID != "" {
		where = append(where, "source_connector_id = ?")
		args = append(args, filter.ConnectorID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}

	query := "SELECT definition, created_at FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY tenant_id, id, version"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		var def string
		var createdAt time.Time
		if err := rows.Scan(&def, &createdAt); err != nil {
			return nil, storeErr("scan workflow", err)
		}
		wf, err := decodeWorkflow(def, createdAt)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, tenantID, id string, version int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE tenant_id = ? AND id = ? AND version = ?`, tenantID, id, version)
	if err != nil {
		return storeErr("delete workflow", err)
	}
	return checkRowsAffected(res, "workflow", fmt.Sprintf("%s:%d", id, version))
}

func decodeWorkflow(def string, createdAt time.Time) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(def), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	wf.CreatedAt = createdAt
	return wf, nil
}

// --- Connectors ---

func (s *LibSQLStore) PutConnector(ctx context.Context, c *schema.Connector) error {
	def, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal connector: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connectors (tenant_id, id, type, name, definition, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET type=excluded.type, name=excluded.name, definition=excluded.definition`,
		c.TenantID, c.ID, c.Type, nullStr(c.Name), string(def), timeOrNow(c.CreatedAt),
	)
	if err != nil {
		return storeErr("put connector", err)
	}
	return nil
}

func (s *LibSQLStore) GetConnector(ctx context.Context, tenantID, id string) (*schema.Connector, error) {
	var def string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, created_at FROM connectors WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&def, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("connector", id)
	}
	if err != nil {
		return nil, storeErr("get connector", err)
	}
	return decodeConnector(def, createdAt)
}

func (s *LibSQLStore) ListConnectors(ctx context.Context, tenantID string) ([]*schema.Connector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition, created_at FROM connectors WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, storeErr("list connectors", err)
	}
	defer rows.Close()

	var connectors []*schema.Connector
	for rows.Next() {
		var def string
		var createdAt time.Time
		if err := rows.Scan(&def, &createdAt); err != nil {
			return nil, storeErr("scan connector", err)
		}
		c, err := decodeConnector(def, createdAt)
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, c)
	}
	return connectors, rows.Err()
}

func (s *LibSQLStore) DeleteConnector(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connectors WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return storeErr("delete connector", err)
	}
	return checkRowsAffected(res, "connector", id)
}

func decodeConnector(def string, createdAt time.Time) (*schema.Connector, error) {
	c := &schema.Connector{}
	if err := json.Unmarshal([]byte(def), c); err != nil {
		return nil, fmt.Errorf("unmarshal connector: %w", err)
	}
	c.CreatedAt = createdAt
	return c, nil
}

// --- Runs ---

// PutRun inserts or replaces a run record.
func (s *LibSQLStore) PutRun(ctx context.Context, rec *schema.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (tenant_id, run_id, parent_run_id, workflow_id, workflow_version, workflow_name, status, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, run_id) DO UPDATE SET
		   parent_run_id=excluded.parent_run_id, workflow_id=excluded.workflow_id,
		   workflow_version=excluded.workflow_version, workflow_name=excluded.workflow_name,
		   status=excluded.status, start_time=excluded.start_time, end_time=excluded.end_time`,
		rec.TenantID, rec.RunID, nullStr(rec.ParentRunID), rec.WorkflowID, rec.WorkflowVersion,
		nullStr(rec.WorkflowName), string(rec.Status), timeOrNow(rec.StartTime), nullTime(rec.EndTime),
	)
	if err != nil {
		return storeErr("put run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, tenantID, runID string) (*schema.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, run_id, parent_run_id, workflow_id, workflow_version, workflow_name, status, start_time, end_time
		 FROM runs WHERE tenant_id = ? AND run_id = ?`, tenantID, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return rec, nil
}

// UpdateRunStatus moves a run to status. A run whose current status cannot
// move there (a finished run, for one) is left alone and CONFLICT returned.
func (s *LibSQLStore) UpdateRunStatus(ctx context.Context, tenantID, runID string, status schema.RunStatus, endTime *time.Time) error {
	from := schema.TransitionSources(status)
	if len(from) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "runs cannot move to status %q", status)
	}
	args := []any{string(status), nullTime(endTime), tenantID, runID}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, end_time = ? WHERE tenant_id = ? AND run_id = ? AND status IN (`+
			placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return storeErr("update run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update run", err)
	}
	if n > 0 {
		return nil
	}

	cur, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s cannot move from %s to %s", runID, cur.Status, status).
		WithDetails(map[string]any{"from": string(cur.Status), "to": string(status)})
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunRecord, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ParentRunID != "" {
		where = append(where, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "start_time >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT tenant_id, run_id, parent_run_id, workflow_id, workflow_version, workflow_name, status, start_time, end_time FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*schema.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*schema.RunRecord, error) {
	rec := &schema.RunRecord{}
	var parentID, name sql.NullString
	var endTime sql.NullTime
	var status string
	if err := row.Scan(&rec.TenantID, &rec.RunID, &parentID, &rec.WorkflowID, &rec.WorkflowVersion,
		&name, &status, &rec.StartTime, &endTime); err != nil {
		return nil, err
	}
	rec.ParentRunID = parentID.String
	rec.WorkflowName = name.String
	rec.Status = schema.RunStatus(status)
	if endTime.Valid {
		rec.EndTime = &endTime.Time
	}
	return rec, nil
}

// --- Run history ---

// AppendHistory appends an entry with a monotonically increasing per-run
// sequence. entry.ID is set on success.
func (s *LibSQLStore) AppendHistory(ctx context.Context, entry *schema.HistoryEntry) error {
	action, err := nullableValue(entry.Action)
	if err != nil {
		return fmt.Errorf("marshal history action: %w", err)
	}
	reason, err := nullableValue(entry.Reason)
	if err != nil {
		return fmt.Errorf("marshal history reason: %w", err)
	}
	state, err := nullableValue(entry.State)
	if err != nil {
		return fmt.Errorf("marshal history state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_history WHERE tenant_id = ? AND run_id = ?`,
		entry.TenantID, entry.RunID,
	).Scan(&seq); err != nil {
		return storeErr("next history sequence", err)
	}

	ts := timeOrNow(entry.Time)
	expires := entry.ExpiresAt
	if expires.IsZero() {
		expires = ts.Add(schema.HistoryTTL)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_history (tenant_id, run_id, sequence, nested_run_id, status, action, reason, state, time, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TenantID, entry.RunID, seq, nullStr(entry.NestedRunID), string(entry.Status),
		action, reason, state, ts, expires,
	)
	if err != nil {
		return storeErr("insert history", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit history", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	entry.Time = ts
	entry.ExpiresAt = expires
	return nil
}

// ListHistory returns a run's unexpired history in append order.
func (s *LibSQLStore) ListHistory(ctx context.Context, tenantID, runID string) ([]*schema.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, run_id, nested_run_id, status, action, reason, state, time, expires_at
		 FROM run_history WHERE tenant_id = ? AND run_id = ? AND expires_at > ? ORDER BY sequence ASC`,
		tenantID, runID, time.Now().UTC(),
	)
	if err != nil {
		return nil, storeErr("list history", err)
	}
	defer rows.Close()

	var entries []*schema.HistoryEntry
	for rows.Next() {
		e := &schema.HistoryEntry{}
		var nested, action, reason, state sql.NullString
		var status string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &nested, &status, &action, &reason, &state, &e.Time, &e.ExpiresAt); err != nil {
			return nil, storeErr("scan history", err)
		}
		e.NestedRunID = nested.String
		e.Status = schema.RunStatus(status)
		if action.Valid && action.String != "" {
			e.Action = &schema.ActionDescriptor{}
			if err := json.Unmarshal([]byte(action.String), e.Action); err != nil {
				return nil, fmt.Errorf("unmarshal history action: %w", err)
			}
		}
		if e.Reason, err = jsonValue(reason); err != nil {
			return nil, fmt.Errorf("unmarshal history reason: %w", err)
		}
		if e.State, err = jsonValue(state); err != nil {
			return nil, fmt.Errorf("unmarshal history state: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeExpiredHistory deletes entries whose retention has lapsed.
func (s *LibSQLStore) PurgeExpiredHistory(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_history WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, storeErr("purge history", err)
	}
	return res.RowsAffected()
}

// --- Schedules ---

// UpsertSchedule registers a schedule. An existing row keeps its fire times.
func (s *LibSQLStore) UpsertSchedule(ctx context.Context, sch *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (tenant_id, workflow_id, workflow_version, cron, rate, enabled, next_run_at, last_run_at, last_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, workflow_id, workflow_version) DO UPDATE SET
		   cron=excluded.cron, rate=excluded.rate, enabled=excluded.enabled`,
		sch.TenantID, sch.WorkflowID, sch.WorkflowVersion, nullStr(sch.Cron), nullStr(sch.Rate), sch.Enabled,
		nullTime(sch.NextRunAt), nullTime(sch.LastRunAt), nullStr(sch.LastRunID), timeOrNow(sch.CreatedAt),
	)
	if err != nil {
		return storeErr("upsert schedule", err)
	}
	return nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT tenant_id, workflow_id, workflow_version, cron, rate, enabled, next_run_at, last_run_at, last_run_id, created_at FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY tenant_id, workflow_id, workflow_version"
	query += limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list schedules", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sch := &Schedule{}
		var cronExpr, rate, lastRunID sql.NullString
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sch.TenantID, &sch.WorkflowID, &sch.WorkflowVersion, &cronExpr, &rate,
			&sch.Enabled, &nextRun, &lastRun, &lastRunID, &sch.CreatedAt); err != nil {
			return nil, storeErr("scan schedule", err)
		}
		sch.Cron = cronExpr.String
		sch.Rate = rate.String
		sch.LastRunID = lastRunID.String
		if nextRun.Valid {
			sch.NextRunAt = &nextRun.Time
		}
		if lastRun.Valid {
			sch.LastRunAt = &lastRun.Time
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, tenantID, workflowID string, version int, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, tenantID, workflowID, version)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE tenant_id = ? AND workflow_id = ? AND workflow_version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update schedule", err)
	}
	return checkRowsAffected(res, "schedule", fmt.Sprintf("%s:%d", workflowID, version))
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, tenantID, workflowID string, version int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE tenant_id = ? AND workflow_id = ? AND workflow_version = ?`,
		tenantID, workflowID, version)
	if err != nil {
		return storeErr("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", fmt.Sprintf("%s:%d", workflowID, version))
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlexliError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.FlexliError {
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableValue JSON-encodes v, mapping nil to SQL NULL.
func nullableValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if d, ok := v.(*schema.ActionDescriptor); ok && d == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func jsonValue(ns sql.NullString) (any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}
