package util

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by every upstream caller in a run.
// Tokens are spaced evenly, so no sliding one-minute window ever admits
// more than perMinute calls.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return &RateLimiter{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled. Exhausting the budget never produces an error on its own: a
// deadline shorter than the wait is only reported once it has passed.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := rl.lim.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// reserveAt books one token at t and returns how long the caller has to
// wait before using it.
func (rl *RateLimiter) reserveAt(t time.Time) time.Duration {
	return rl.lim.ReserveN(t, 1).DelayFrom(t)
}
