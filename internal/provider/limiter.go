package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// BackoffStore holds the shared backoff window opened by a rate-limited
// response. Every caller of the provider honors it, not just the caller that
// tripped the limit; the Redis implementation extends that across processes.
type BackoffStore interface {
	BackoffUntil(ctx context.Context) (time.Time, error)
	SetBackoffUntil(ctx context.Context, until time.Time) error
}

// Limiter is the single admission gate in front of the provider account: a
// calls-per-second budget, a minimum spacing between consecutive calls, and
// the shared backoff window. One instance per process, shared by all workers.
type Limiter struct {
	perSecond *rate.Limiter
	spacing   *rate.Limiter
	backoff   BackoffStore
}

func NewLimiter(callsPerSecond float64, spacing time.Duration, backoff BackoffStore) *Limiter {
	return &Limiter{
		perSecond: rate.NewLimiter(rate.Limit(callsPerSecond), 1),
		spacing:   rate.NewLimiter(rate.Every(spacing), 1),
		backoff:   backoff,
	}
}

// Wait blocks until the call may be issued: the backoff window has passed and
// both rate budgets admit it.
func (l *Limiter) Wait(ctx context.Context) error {
	until, err := l.backoff.BackoffUntil(ctx)
	if err != nil {
		return fmt.Errorf("read backoff window: %w", err)
	}
	if d := time.Until(until); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := l.perSecond.Wait(ctx); err != nil {
		return err
	}
	return l.spacing.Wait(ctx)
}

// Penalize opens the shared backoff window for d from now.
func (l *Limiter) Penalize(ctx context.Context, d time.Duration) error {
	return l.backoff.SetBackoffUntil(ctx, time.Now().Add(d))
}
