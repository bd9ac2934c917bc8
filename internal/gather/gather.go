// Package gather defines the upstream data capability the pipeline pulls
// daily bars from, and the error classes upstream failures are sorted into.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"klinesync/internal/domain"
)

// Source returns daily bars for a symbol over an inclusive date range.
// Results are untrusted and validated by the caller.
type Source interface {
	// Name returns the source identifier.
	Name() string
	// FetchBars returns the bars for symbol with from <= date <= through.
	FetchBars(ctx context.Context, symbol domain.Symbol, from, through domain.Date) ([]domain.Bar, error)
}

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

var (
	// ErrAuth means credentials were rejected. Credentials are run-wide, so
	// this aborts the whole run.
	ErrAuth = errors.New("upstream authentication failed")
	// ErrRateLimited means upstream rejected the call for exceeding its quota.
	ErrRateLimited = errors.New("upstream rate limit exceeded")
	// ErrTransient covers timeouts, 5xx responses and network failures.
	ErrTransient = errors.New("upstream transient failure")
	// ErrInvalidRequest means upstream refused the request itself, e.g. an
	// unknown symbol. Retrying does not help.
	ErrInvalidRequest = errors.New("upstream rejected request")
)

// Error is an upstream failure tagged with one of the sentinel classes.
type Error struct {
	Class  error // one of ErrAuth, ErrRateLimited, ErrTransient, ErrInvalidRequest
	Source string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Source, e.Class)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error's class so callers can use errors.Is(err, ErrAuth).
func (e *Error) Is(target error) bool { return target == e.Class }

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Fallback
// ---------------------------------------------------------------------------

var _ Source = (*Fallback)(nil)

// Fallback queries Primary and, when it fails with a retryable error, tries
// Secondary. Authentication and invalid-request errors from the primary are
// returned as-is.
type Fallback struct {
	Primary   Source
	Secondary Source
	log       *slog.Logger
}

// NewFallback creates a Fallback over the two sources.
func NewFallback(primary, secondary Source) *Fallback {
	return &Fallback{
		Primary:   primary,
		Secondary: secondary,
		log:       slog.Default().With("component", "fallback"),
	}
}

// Name returns the source identifier.
func (f *Fallback) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

// FetchBars implements Source.
func (f *Fallback) FetchBars(ctx context.Context, symbol domain.Symbol, from, through domain.Date) ([]domain.Bar, error) {
	bars, err := f.Primary.FetchBars(ctx, symbol, from, through)
	if err == nil || !Retryable(err) || ctx.Err() != nil {
		return bars, err
	}

	f.log.Warn("primary source failed, using secondary",
		"symbol", symbol,
		"primary", f.Primary.Name(),
		"secondary", f.Secondary.Name(),
		"err", err,
	)
	bars, serr := f.Secondary.FetchBars(ctx, symbol, from, through)
	if serr != nil {
		return nil, fmt.Errorf("secondary after primary failure (%v): %w", err, serr)
	}
	return bars, nil
}
