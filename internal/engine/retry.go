package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/flexli/flexli/internal/actions"
	"github.com/flexli/flexli/pkg/schema"
)

// Default action backoff, in seconds, when on_error sets no backoff.
const (
	DefaultBackoffWait = 3.0
	DefaultBackoffRate = 1.5
)

// Policy is the bounded retry of a single connector call.
type Policy struct {
	MaxRetries int
	RetryOn    []string
	// Wait and Rate give the delay before retry n (0-based) as
	// Wait * Rate^n seconds.
	Wait float64
	Rate float64
}

// PolicyFor returns the retry policy of an action, or nil when the action
// sets no on_error.
func PolicyFor(action *schema.Action) *Policy {
	if action == nil || action.OnError == nil || action.OnError.MaxRetries <= 0 {
		return nil
	}
	p := &Policy{
		MaxRetries: action.OnError.MaxRetries,
		RetryOn:    action.OnError.RetryOn,
		Wait:       DefaultBackoffWait,
		Rate:       DefaultBackoffRate,
	}
	if b := action.OnError.Backoff; b != nil {
		if b.Wait > 0 {
			p.Wait = b.Wait
		}
		if b.Rate > 0 {
			p.Rate = b.Rate
		}
	}
	return p
}

// Delay returns the wait before retry attempt (0-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if p == nil || p.Wait <= 0 {
		return 0
	}
	secs := p.Wait * math.Pow(p.Rate, float64(attempt))
	return time.Duration(secs * float64(time.Second))
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc = actions.SleepFunc

// Retry calls fn until it succeeds, retryable rejects its error, or the
// policy's retries are spent. It returns the last result, the number of
// retries made and the last error. A nil policy calls fn once. When the
// backoff wait is interrupted the wait's error is returned instead.
func Retry[T any](ctx context.Context, p *Policy, sleep SleepFunc, retryable func(error) bool, fn func(context.Context) (T, error)) (T, int, error) {
	if sleep == nil {
		sleep = actions.SleepContext
	}
	var (
		out T
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = fn(ctx)
		if err == nil {
			return out, attempt, nil
		}
		if p == nil || attempt >= p.MaxRetries || !retryable(err) {
			return out, attempt, err
		}
		if errors.Is(err, context.Canceled) {
			return out, attempt, err
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return out, attempt, serr
		}
	}
}
