// Package scheduler fires runs of workflows whose source is a schedule. Each
// enabled workflow version with a Flexli:CoreV1:Schedule source has one
// persisted schedule carrying its next fire time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flexli/flexli/internal/store"
	"github.com/flexli/flexli/pkg/schema"
)

// DefaultInterval is how often schedules are polled.
const DefaultInterval = 30 * time.Second

var rateRe = regexp.MustCompile(`^(\d+) (minute|minutes|hour|hours|day|days)$`)

// Store is the persistence the scheduler needs. Satisfied by store.Store.
type Store interface {
	GetWorkflow(ctx context.Context, tenantID, id string, version int) (*schema.Workflow, error)
	UpsertSchedule(ctx context.Context, s *store.Schedule) error
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
	UpdateSchedule(ctx context.Context, tenantID, workflowID string, version int, update store.ScheduleUpdate) error
}

// Config configures a Scheduler.
type Config struct {
	Interval time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Scheduler polls the store for due schedules and launches their runs.
type Scheduler struct {
	store    Store
	launch   LaunchFunc
	parser   cron.Parser
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// LaunchFunc enqueues a run of wf with input.
type LaunchFunc func(ctx context.Context, wf *schema.Workflow, input any, sourceTime time.Time) (*schema.RunMessage, error)

// New creates a Scheduler.
func New(s Store, launch LaunchFunc, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Scheduler{
		store:    s,
		launch:   launch,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		inflight: make(map[string]struct{}),
	}
}

// Register creates or replaces the schedule of wf. Workflows without a
// schedule source are ignored.
func (s *Scheduler) Register(ctx context.Context, wf *schema.Workflow) error {
	if wf.Source == nil || wf.Source.Type != schema.SourceSchedule {
		return nil
	}
	cronExpr, _ := wf.Source.Parameters["cron"].(string)
	rate, _ := wf.Source.Parameters["rate"].(string)
	sched := &store.Schedule{
		TenantID:        wf.TenantID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Cron:            cronExpr,
		Rate:            rate,
		Enabled:         wf.Enabled,
		CreatedAt:       s.clock().UTC(),
	}
	next, err := s.NextRun(sched, s.clock().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s: %v", wf.ID, err)
	}
	sched.NextRunAt = &next
	return s.store.UpsertSchedule(ctx, sched)
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.InfoContext(ctx, "scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends the polling loop and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}

// Tick fires every enabled schedule that is due and returns how many runs
// were launched. A schedule missed while the scheduler was down fires once.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "list schedules", "error", err)
		return 0
	}

	now := s.clock().UTC()
	fired := 0
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.Key()) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.ErrorContext(ctx, "scheduled run failed",
				"tenant_id", sched.TenantID,
				"workflow_id", sched.WorkflowID,
				"workflow_version", sched.WorkflowVersion,
				"error", err,
			)
		} else {
			fired++
		}
		s.release(sched.Key())
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	next, err := s.NextRun(sched, now)
	if err != nil {
		disabled := false
		_ = s.store.UpdateSchedule(ctx, sched.TenantID, sched.WorkflowID, sched.WorkflowVersion,
			store.ScheduleUpdate{Enabled: &disabled})
		return err
	}

	wf, err := s.store.GetWorkflow(ctx, sched.TenantID, sched.WorkflowID, sched.WorkflowVersion)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			disabled := false
			return s.store.UpdateSchedule(ctx, sched.TenantID, sched.WorkflowID, sched.WorkflowVersion,
				store.ScheduleUpdate{Enabled: &disabled})
		}
		return err
	}

	update := store.ScheduleUpdate{NextRunAt: &next}
	if wf.Enabled {
		msg, err := s.launch(ctx, wf, map[string]any{}, now)
		if err != nil {
			return err
		}
		update.LastRunAt = &now
		update.LastRunID = msg.RunID
		s.logger.InfoContext(ctx, "scheduled run launched",
			"tenant_id", wf.TenantID,
			"workflow_id", wf.ID,
			"run_id", msg.RunID,
			"next_run_at", next,
		)
	}
	return s.store.UpdateSchedule(ctx, sched.TenantID, sched.WorkflowID, sched.WorkflowVersion, update)
}

// NextRun computes the first fire time of sched after from.
func (s *Scheduler) NextRun(sched *store.Schedule, from time.Time) (time.Time, error) {
	switch {
	case sched.Cron != "" && sched.Rate != "":
		return time.Time{}, fmt.Errorf("schedule sets both cron and rate")
	case sched.Cron != "":
		spec, err := s.parser.Parse(normalizeCron(sched.Cron))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", sched.Cron, err)
		}
		return spec.Next(from), nil
	case sched.Rate != "":
		d, err := ParseRate(sched.Rate)
		if err != nil {
			return time.Time{}, err
		}
		return from.Add(d), nil
	default:
		return time.Time{}, fmt.Errorf("schedule sets neither cron nor rate")
	}
}

// ParseRate parses "N minute(s)|hour(s)|day(s)".
func ParseRate(rate string) (time.Duration, error) {
	m := rateRe.FindStringSubmatch(strings.TrimSpace(rate))
	if m == nil {
		return 0, fmt.Errorf("invalid rate expression %q", rate)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid rate expression %q", rate)
	}
	unit := time.Minute
	switch strings.TrimSuffix(m[2], "s") {
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}

// normalizeCron maps the 1-7 (Sunday first) day-of-week numbering accepted
// by workflow validation onto cron's 0-6.
func normalizeCron(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	if n, err := strconv.Atoi(fields[4]); err == nil && n >= 1 && n <= 7 {
		fields[4] = strconv.Itoa(n - 1)
	}
	return strings.Join(fields, " ")
}

func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}
