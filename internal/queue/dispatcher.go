package queue

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// DefaultPollInterval is how often the dispatcher looks for due wake-ups.
const DefaultPollInterval = time.Second

// WakeFunc delivers a due continuation key.
type WakeFunc func(ctx context.Context, key string) error

// Dispatcher moves due wake-ups from a DelayQueue onto the run queue.
type Dispatcher struct {
	queue    DelayQueue
	wake     WakeFunc
	interval time.Duration
	batch    int
	clock    func() time.Time
	logger   *slog.Logger
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Interval time.Duration
	Batch    int
	Clock    func() time.Time
	Logger   *slog.Logger
}

func NewDispatcher(q DelayQueue, wake WakeFunc, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Dispatcher{
		queue:    q,
		wake:     wake,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "wake-up dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush delivers every wake-up that is due now and returns how many were
// delivered. A key that cannot be delivered is rescheduled for the next poll.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	delivered := 0
	for {
		now := d.clock()
		keys, err := d.queue.Due(ctx, now, d.batch)
		if err != nil {
			return delivered, err
		}
		for i, key := range keys {
			if err := d.wake(ctx, key); err != nil {
				for _, k := range keys[i:] {
					if rerr := d.queue.Schedule(ctx, k, now); rerr != nil {
						d.logger.ErrorContext(ctx, "reschedule wake-up", "continuation_key", k, "error", rerr)
					}
				}
				return delivered, err
			}
			delivered++
		}
		if len(keys) < d.batch {
			return delivered, nil
		}
	}
}
