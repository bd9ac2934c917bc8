// Package store defines storage interfaces for persisting daily bars, run
// records and the run lock, plus the SQLite and Parquet implementations.
package store

import (
	"context"
	"errors"
	"time"

	"klinesync/internal/domain"
)

// ErrRunLocked is returned when another run holds the run lock.
var ErrRunLocked = errors.New("another run holds the lock")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves daily bars.
type BarStore interface {
	// InsertBars writes bars for one symbol in a single transaction. Bars
	// whose key already exists are left untouched. It returns the number of
	// rows actually written; on error nothing is written.
	InsertBars(ctx context.Context, symbol domain.Symbol, bars []domain.Bar) (int, error)

	// LatestDate returns MAX(trading_date) for symbol; ok is false when the
	// symbol has no bars.
	LatestDate(ctx context.Context, symbol domain.Symbol) (d domain.Date, ok bool, err error)

	// ReadBars returns bars for symbol within [from, through], oldest first.
	// Zero bounds are open.
	ReadBars(ctx context.Context, symbol domain.Symbol, from, through domain.Date) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols that have bars.
	ListSymbols(ctx context.Context) ([]domain.Symbol, error)
}

// RunStore persists run records.
type RunStore interface {
	// InsertRun adds a new record; the (run, symbol) pair must be new.
	InsertRun(ctx context.Context, rec domain.RunRecord) error

	// FinishRun moves an in-progress record to a terminal status.
	FinishRun(ctx context.Context, rec domain.RunRecord) error

	// LatestRun returns the most recent record for symbol and as-of date.
	LatestRun(ctx context.Context, symbol domain.Symbol, asOf domain.Date) (domain.RunRecord, bool, error)

	// RecentRuns returns up to limit finished records for symbol, newest
	// first, leaving out records with an excluded status.
	RecentRuns(ctx context.Context, symbol domain.Symbol, limit int, exclude ...domain.Status) ([]domain.RunRecord, error)
}

// ResolutionStore keeps operator decisions on reconciliation conflicts.
type ResolutionStore interface {
	// RecordResolution saves r, replacing any earlier decision for its key.
	// Keeping the backup also overwrites the stored bar, atomically.
	RecordResolution(ctx context.Context, r domain.Resolution) error

	// Resolutions returns the saved decisions for symbol keyed by date.
	Resolutions(ctx context.Context, symbol domain.Symbol) (map[domain.Date]domain.Resolution, error)
}

// Locker provides the run-level mutual exclusion.
type Locker interface {
	// AcquireRunLock takes the named lock for holder. A lock older than ttl
	// is considered abandoned and taken over.
	AcquireRunLock(ctx context.Context, name, holder string, ttl time.Duration) (release func() error, err error)
}

// Stats is a row count summary of the bar table.
type Stats struct {
	Symbols int `json:"symbols"`
	Rows    int `json:"rows"`
}
