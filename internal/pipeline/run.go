package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"klinesync/internal/catalog"
	"klinesync/internal/domain"
	"klinesync/internal/gather"
	"klinesync/internal/ledger"
	"klinesync/internal/store"
)

// ErrAuthAborted is returned by RunSync when upstream rejected the
// credentials and the remaining symbols were skipped.
var ErrAuthAborted = errors.New("run aborted: upstream authentication failed")

// RunConfig holds the run-level settings of a Runner.
type RunConfig struct {
	Role          domain.Runner
	Workers       int
	RunTimeout    time.Duration
	LockName      string
	LockTTL       time.Duration
	MissingStreak int // consecutive missing_data runs before escalation
	Location      *time.Location
}

// Publisher writes the backup artifact at the end of a backup run.
type Publisher interface {
	Publish(ctx context.Context, runner domain.Runner) (string, error)
}

// Runner executes run_sync: one invocation per scheduled slot.
type Runner struct {
	cfg     RunConfig
	cat     *catalog.Catalog
	gaps    *GapDetector
	engine  *Engine
	ledger  *ledger.Ledger
	locker  store.Locker
	publish Publisher

	now   func() time.Time
	newID func() string
	log   *slog.Logger
}

// NewRunner wires a Runner. publish may be nil; it is only used when the
// role is backup.
func NewRunner(cfg RunConfig, cat *catalog.Catalog, gaps *GapDetector, engine *Engine,
	led *ledger.Ledger, locker store.Locker, publish Publisher) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Role == "" {
		cfg.Role = domain.RunnerPrimary
	}
	if cfg.LockName == "" {
		cfg.LockName = "run_sync"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Runner{
		cfg:     cfg,
		cat:     cat,
		gaps:    gaps,
		engine:  engine,
		ledger:  led,
		locker:  locker,
		publish: publish,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     slog.Default().With("component", "runner", "role", string(cfg.Role)),
	}
}

// RunSync brings every catalog symbol up to the latest completed session
// on or before asOf. A zero asOf means today in the market time zone.
//
// Per-symbol failures are reported in the summary. The returned error is
// set only for run-level failures: lock contention (store.ErrRunLocked),
// authentication (ErrAuthAborted), timeout or cancellation, and artifact
// publishing.
func (r *Runner) RunSync(ctx context.Context, asOf domain.Date) (domain.RunSummary, error) {
	now := r.now()
	if asOf.IsZero() {
		asOf = domain.DateOf(now.In(r.cfg.Location))
	}
	summary := domain.RunSummary{
		RunID:     r.newID(),
		Runner:    r.cfg.Role,
		AsOf:      asOf,
		StartedAt: now.UTC(),
	}
	log := r.log.With("run_id", summary.RunID, "as_of", asOf.String())

	release, err := r.locker.AcquireRunLock(ctx, r.cfg.LockName, holder(summary.RunID), r.cfg.LockTTL)
	if err != nil {
		return summary, err
	}
	defer func() {
		if err := release(); err != nil {
			log.Error("releasing run lock", "error", err)
		}
	}()

	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	through, err := r.gaps.Through(ctx, r.reference(now, asOf))
	if err != nil {
		return summary, fmt.Errorf("resolving latest completed session: %w", err)
	}
	log.Info("run started", "symbols", r.cat.Len(), "through", through.String(), "workers", r.cfg.Workers)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	symbols := r.cat.Symbols()
	results := make([]domain.SymbolResult, len(symbols))
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)
	for i, sym := range symbols {
		if runCtx.Err() != nil {
			results[i] = r.skip(runCtx, log, summary, sym)
			continue
		}
		g.Go(func() error {
			results[i] = r.syncSymbol(runCtx, abort, log, summary, sym, through)
			return nil
		})
	}
	g.Wait()

	summary.Symbols = results
	for _, res := range results {
		summary.TotalRows += res.RowsWritten
	}

	var runErr error
	if cause := context.Cause(runCtx); errors.Is(cause, ErrAuthAborted) {
		runErr = cause
	} else if err := ctx.Err(); err != nil {
		runErr = fmt.Errorf("run %s interrupted: %w", summary.RunID, err)
	}

	if r.cfg.Role == domain.RunnerBackup && r.publish != nil {
		path, err := r.publish.Publish(context.WithoutCancel(ctx), r.cfg.Role)
		if err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("publishing backup artifact: %w", err))
		} else {
			log.Info("backup artifact published", "path", path)
		}
	}

	summary.FinishedAt = r.now().UTC()
	log.Info("run finished",
		"rows", summary.TotalRows,
		"failed", summary.Failed(),
		"elapsed", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
		"error", runErr,
	)
	return summary, runErr
}

// reference is the instant gap detection runs at: now, or the end of asOf
// when asOf lies in the past.
func (r *Runner) reference(now time.Time, asOf domain.Date) time.Time {
	end := time.Date(asOf.Year, asOf.Month, asOf.Day+1, 0, 0, 0, 0, r.cfg.Location)
	if end.Before(now) {
		return end.Add(-time.Nanosecond)
	}
	return now
}

func (r *Runner) syncSymbol(ctx context.Context, abort context.CancelCauseFunc, log *slog.Logger,
	summary domain.RunSummary, sym domain.Symbol, through domain.Date) domain.SymbolResult {
	if ctx.Err() != nil {
		return r.skip(ctx, log, summary, sym)
	}
	log = log.With("symbol", sym)
	wctx := context.WithoutCancel(ctx)

	prior, hadPrior, err := r.ledger.Status(wctx, sym, summary.AsOf)
	if err != nil {
		log.Warn("reading prior run record", "error", err)
	}

	rec, err := r.ledger.Open(wctx, domain.RunRecord{
		RunID:  summary.RunID,
		Runner: summary.Runner,
		AsOf:   summary.AsOf,
		Symbol: sym,
	})
	if err != nil {
		log.Error("opening run record", "error", err)
		return domain.SymbolResult{Symbol: sym, Status: domain.StatusFetchError, Error: err.Error()}
	}

	out := r.engine.Sync(ctx, sym, r.gaps.MissingThrough(ctx, sym, r.cat.StartDate(sym), through))

	if hadPrior && prior.Status.Healthy() && !out.GapStart.IsZero() {
		log.Warn("ledger reports a completed update but the store has gaps",
			"prior_run", prior.RunID, "prior_status", prior.Status, "gap_start", out.GapStart.String())
	}

	rec.Status = out.Status
	rec.RowsWritten = out.RowsWritten
	rec.RowsRejected = out.RowsRejected
	rec.GapStart = out.GapStart
	rec.GapEnd = out.GapEnd
	if out.Err != nil {
		rec.ErrorDetail = out.Err.Error()
	}

	// Holes left by an earlier partial run for the same as-of date sit below
	// MAX(trading_date) and are not fetched again, so the record stays partial.
	if out.Status == domain.StatusNoNewData && hadPrior && prior.Status == domain.StatusPartial {
		rec.Status = domain.StatusPartial
		rec.ErrorDetail = fmt.Sprintf("unresolved from run %s: %s", prior.RunID, prior.ErrorDetail)
		log.Warn("earlier run for this date left trading days without a bar", "prior_run", prior.RunID)
	}

	if out.Status == domain.StatusMissingData && r.cfg.MissingStreak > 0 {
		streak, err := r.ledger.MissingStreak(wctx, sym, r.cfg.MissingStreak)
		if err != nil {
			log.Warn("reading missing-data streak", "error", err)
		}
		if streak+1 >= r.cfg.MissingStreak {
			rec.ErrorDetail = fmt.Sprintf("%s; missing for %d consecutive runs, needs investigation", rec.ErrorDetail, streak+1)
			log.Error("upstream keeps returning no data for trading days", "streak", streak+1)
		}
	}

	if errors.Is(out.Err, gather.ErrAuth) {
		abort(fmt.Errorf("%w: %s: %v", ErrAuthAborted, sym, out.Err))
	}

	if _, err := r.ledger.Finalize(wctx, rec); err != nil {
		log.Error("finalizing run record", "error", err)
		if rec.ErrorDetail == "" {
			rec.ErrorDetail = err.Error()
		}
	}

	return domain.SymbolResult{
		Symbol:       sym,
		Status:       rec.Status,
		RowsWritten:  rec.RowsWritten,
		RowsRejected: rec.RowsRejected,
		Error:        rec.ErrorDetail,
	}
}

// skip records sym as not attempted by this run.
func (r *Runner) skip(ctx context.Context, log *slog.Logger, summary domain.RunSummary, sym domain.Symbol) domain.SymbolResult {
	detail := "run stopped before symbol was processed"
	if cause := context.Cause(ctx); cause != nil {
		detail = fmt.Sprintf("%s: %v", detail, cause)
	}
	_, err := r.ledger.Record(context.WithoutCancel(ctx), domain.RunRecord{
		RunID:       summary.RunID,
		Runner:      summary.Runner,
		AsOf:        summary.AsOf,
		Symbol:      sym,
		Status:      domain.StatusNotAttempted,
		ErrorDetail: detail,
	})
	if err != nil {
		log.Error("recording skipped symbol", "symbol", sym, "error", err)
	}
	return domain.SymbolResult{Symbol: sym, Status: domain.StatusNotAttempted, Error: detail}
}

func holder(runID string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s@%s:%d", runID, host, os.Getpid())
}
