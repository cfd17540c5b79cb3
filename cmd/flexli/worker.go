package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/internal/events"
	"github.com/flexli/flexli/internal/queue"
	"github.com/flexli/flexli/internal/scheduler"
	"github.com/flexli/flexli/internal/store"
	"github.com/flexli/flexli/pkg/schema"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the run queue",
	Long: `Worker runs queued workflow runs, delivers due wake-ups of suspended
runs and fires scheduled workflows.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		g, ctx := errgroup.WithContext(ctx)
		if err := startWorker(ctx, g, a); err != nil {
			return err
		}
		return g.Wait()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Consume the event ingress and fan out runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		g, ctx := errgroup.WithContext(ctx)
		if err := startEvents(ctx, g, a); err != nil {
			return err
		}
		return g.Wait()
	},
}

// startWorker starts the run consumer, the wake-up dispatcher and the
// scheduler under g.
func startWorker(ctx context.Context, g *errgroup.Group, a *app) error {
	sub, err := a.subscribe(ctx, a.cfg.RunQueueURL)
	if err != nil {
		return err
	}
	consumer := engine.NewConsumer(engine.RunHandler(a.runner, a.logger), a.cfg.MaxConcurrency, a.logger)
	g.Go(func() error {
		defer consumer.Close()
		return consumer.Consume(ctx, sub)
	})

	dispatcher := queue.NewDispatcher(a.delay, a.publisher.PublishWakeup, queue.DispatcherConfig{
		Batch:  a.cfg.BatchSize,
		Logger: a.logger,
	})
	g.Go(func() error { return dispatcher.Run(ctx) })

	sched := scheduler.New(a.store, func(ctx context.Context, wf *schema.Workflow, input any, sourceTime time.Time) (*schema.RunMessage, error) {
		return a.launcher.Launch(ctx, wf, input, engine.LaunchOptions{SourceTime: sourceTime})
	}, scheduler.Config{Interval: a.cfg.ScheduleInterval, Logger: a.logger})
	if err := syncSchedules(ctx, a, sched); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	a.logger.InfoContext(ctx, "worker started",
		"run_queue", a.cfg.RunQueueURL,
		"concurrency", a.cfg.MaxConcurrency,
	)
	return nil
}

// startEvents starts the event consumer under g.
func startEvents(ctx context.Context, g *errgroup.Group, a *app) error {
	sub, err := a.subscribe(ctx, a.cfg.EventQueueURL)
	if err != nil {
		return err
	}
	processor := events.NewProcessor(a.store, a.launcher, a.logger)
	consumer := engine.NewConsumer(processor.Handle, a.cfg.MaxConcurrency, a.logger)
	g.Go(func() error {
		defer consumer.Close()
		return consumer.Consume(ctx, sub)
	})
	a.logger.InfoContext(ctx, "event processor started", "event_queue", a.cfg.EventQueueURL)
	return nil
}

// syncSchedules registers every enabled schedule-sourced workflow.
func syncSchedules(ctx context.Context, a *app, sched *scheduler.Scheduler) error {
	enabled := true
	wfs, err := a.store.ListWorkflows(ctx, store.WorkflowFilter{SourceType: schema.SourceSchedule, Enabled: &enabled})
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		if err := sched.Register(ctx, wf); err != nil {
			a.logger.WarnContext(ctx, "skipping invalid schedule", "tenant_id", wf.TenantID, "workflow_id", wf.ID, "error", err)
		}
	}
	return nil
}
