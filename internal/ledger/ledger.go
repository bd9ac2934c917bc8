// Package ledger records the outcome of every (run, symbol) pair and answers
// "did symbol X's update for date D complete".
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"klinesync/internal/domain"
	"klinesync/internal/store"
)

// Ledger serializes writes of run records for one process. Records move from
// in_progress to exactly one terminal status and are never rewritten.
type Ledger struct {
	mu    sync.Mutex
	store store.RunStore
	log   *slog.Logger
	now   func() time.Time
}

// New returns a Ledger writing to s.
func New(s store.RunStore) *Ledger {
	return &Ledger{
		store: s,
		log:   slog.Default().With("component", "ledger"),
		now:   time.Now,
	}
}

// Open inserts an in-progress record. StartedAt defaults to now.
func (l *Ledger) Open(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	if rec.RunID == "" || rec.Symbol == "" {
		return rec, fmt.Errorf("ledger: run id and symbol are required")
	}
	rec.Status = domain.StatusInProgress
	rec.FinishedAt = time.Time{}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.InsertRun(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Finalize moves rec to its terminal status. FinishedAt defaults to now.
func (l *Ledger) Finalize(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	if !rec.Status.Terminal() {
		return rec, fmt.Errorf("ledger: %s is not a terminal status", rec.Status)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.FinishRun(ctx, rec); err != nil {
		return rec, err
	}
	l.log.Debug("run record finalized",
		"run_id", rec.RunID, "symbol", rec.Symbol, "status", rec.Status, "rows", rec.RowsWritten)
	return rec, nil
}

// Record writes a record that is terminal from the start, such as a symbol
// skipped by an aborted run.
func (l *Ledger) Record(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	status, finished := rec.Status, rec.FinishedAt
	opened, err := l.Open(ctx, rec)
	if err != nil {
		return opened, err
	}
	opened.Status = status
	opened.FinishedAt = finished
	opened.ErrorDetail = rec.ErrorDetail
	return l.Finalize(ctx, opened)
}

// Status returns the latest record for symbol on asOf (get_status).
func (l *Ledger) Status(ctx context.Context, symbol domain.Symbol, asOf domain.Date) (domain.RunRecord, bool, error) {
	return l.store.LatestRun(ctx, symbol, asOf)
}

// History returns up to limit finished records for symbol, newest first.
func (l *Ledger) History(ctx context.Context, symbol domain.Symbol, limit int) ([]domain.RunRecord, error) {
	return l.store.RecentRuns(ctx, symbol, limit)
}

// MissingStreak counts the consecutive most recent finished runs of symbol
// that ended in missing_data, looking at up to limit runs. Runs that never
// attempted the symbol are left out, so they neither break nor dilute the
// streak.
func (l *Ledger) MissingStreak(ctx context.Context, symbol domain.Symbol, limit int) (int, error) {
	recs, err := l.store.RecentRuns(ctx, symbol, limit, domain.StatusNotAttempted)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.Status != domain.StatusMissingData {
			break
		}
		n++
	}
	return n, nil
}
