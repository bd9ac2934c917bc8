package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent wraps err so that Retry returns it immediately instead of
// trying again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. Errors wrapped with Permanent stop the loop at once
// and are returned unwrapped. The function respects context cancellation
// between retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return RetryNotify(ctx, maxAttempts, baseDelay, fn, nil)
}

// RetryNotify is Retry with a callback invoked before each sleep.
func RetryNotify(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error, notify func(err error, wait time.Duration)) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	eb := &backoff.ExponentialBackOff{
		InitialInterval:     baseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         backoff.DefaultMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)
	return backoff.RetryNotify(fn, b, notify)
}
