package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"klinesync/internal/domain"
	"klinesync/internal/gather"
	"klinesync/internal/util"
)

// BarWriter commits the bars of one symbol atomically.
type BarWriter interface {
	InsertBars(ctx context.Context, symbol domain.Symbol, bars []domain.Bar) (int, error)
}

// EngineConfig controls batching and retries of upstream calls.
type EngineConfig struct {
	BatchDays   int           // max trading days per upstream request
	MaxAttempts int           // attempts per batch, including the first
	BaseDelay   time.Duration // first backoff delay, doubled per retry
}

// Outcome is the result of syncing one symbol.
type Outcome struct {
	Status       domain.Status
	RowsWritten  int
	RowsRejected int
	GapStart     domain.Date
	GapEnd       domain.Date
	Holes        []domain.Date // trading days in committed batches that got no valid bar
	Err          error

	committed int // batches committed so far
}

// Engine fetches missing dates from upstream, validates them and merges
// them into the store, one batch per transaction.
type Engine struct {
	src     gather.Source
	bars    BarWriter
	limiter *util.RateLimiter
	cfg     EngineConfig
	log     *slog.Logger
}

// NewEngine creates an Engine. limiter is shared by all workers of a run.
func NewEngine(src gather.Source, bars BarWriter, limiter *util.RateLimiter, cfg EngineConfig) *Engine {
	if cfg.BatchDays <= 0 {
		cfg.BatchDays = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if limiter == nil {
		limiter = util.NewRateLimiter(0)
	}
	return &Engine{
		src:     src,
		bars:    bars,
		limiter: limiter,
		cfg:     cfg,
		log:     slog.Default().With("component", "engine", "source", src.Name()),
	}
}

// Sync processes the ordered missing dates of symbol. Batches are committed
// in date order and processing stops at the first batch that cannot be
// committed, so the stored MAX(trading_date) never skips past a gap.
func (e *Engine) Sync(ctx context.Context, symbol domain.Symbol, dates iter.Seq2[domain.Date, error]) Outcome {
	log := e.log.With("symbol", symbol)
	var (
		out     Outcome
		batch   []domain.Date
		batches int
		stopped bool
	)

	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		batches++
		ok := e.syncBatch(ctx, log, symbol, batch, &out)
		batch = batch[:0]
		return ok
	}

	for d, err := range dates {
		if err != nil {
			e.fail(&out, fmt.Errorf("computing gap: %w", err))
			stopped = true
			break
		}
		if out.GapStart.IsZero() {
			out.GapStart = d
		}
		out.GapEnd = d
		batch = append(batch, d)
		if len(batch) >= e.cfg.BatchDays {
			if !flush() {
				stopped = true
				break
			}
		}
	}
	if !stopped {
		flush()
	}

	if len(out.Holes) > 0 {
		e.holes(&out)
		log.Warn("trading days left without a bar", "status", out.Status, "days", len(out.Holes))
	}
	if out.Status == "" {
		if batches == 0 {
			out.Status = domain.StatusNoNewData
		} else {
			out.Status = domain.StatusSuccess
		}
	}
	return out
}

// syncBatch fetches, validates and commits one batch. It reports whether
// the next batch may proceed.
func (e *Engine) syncBatch(ctx context.Context, log *slog.Logger, symbol domain.Symbol, dates []domain.Date, out *Outcome) bool {
	from, through := dates[0], dates[len(dates)-1]
	log = log.With("from", from.String(), "through", through.String())

	bars, err := e.fetch(ctx, log, symbol, from, through)
	if err != nil {
		e.fail(out, err)
		log.Error("fetch failed", "status", out.Status, "error", err)
		return false
	}

	valid, rejected := ValidateBars(symbol, bars, from, through)
	for _, r := range rejected {
		log.Warn("data quality rejection", "date", r.Bar.Date.String(), "reason", r.Reason)
	}
	out.RowsRejected += len(rejected)

	if len(valid) == 0 {
		detail := fmt.Sprintf("no bars for %d trading days %s..%s", len(dates), from, through)
		if len(rejected) > 0 {
			detail = fmt.Sprintf("all %d bars for %s..%s rejected", len(rejected), from, through)
		}
		e.missing(out, detail)
		log.Warn("upstream returned no usable bars for trading days", "status", out.Status)
		return false
	}
	holes := holesIn(dates, valid)
	if len(holes) > 0 {
		log.Warn("trading days without a bar", "requested", len(dates), "received", len(valid))
	}

	n, err := e.bars.InsertBars(ctx, symbol, valid)
	if err != nil {
		e.fail(out, fmt.Errorf("storing %s..%s: %w", from, through, err))
		log.Error("merge failed", "status", out.Status, "error", err)
		return false
	}
	out.RowsWritten += n
	out.Holes = append(out.Holes, holes...)
	out.committed++
	log.Info("batch committed", "rows", n, "rejected", len(rejected))
	return true
}

// fetch calls upstream with retries. Every attempt takes a permit from the
// shared limiter first.
func (e *Engine) fetch(ctx context.Context, log *slog.Logger, symbol domain.Symbol, from, through domain.Date) ([]domain.Bar, error) {
	var bars []domain.Bar
	attempt := 0
	err := util.RetryNotify(ctx, e.cfg.MaxAttempts, e.cfg.BaseDelay, func() error {
		attempt++
		if err := e.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		bars, err = e.src.FetchBars(ctx, symbol, from, through)
		if err != nil && !gather.Retryable(err) {
			return util.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		log.Warn("fetch attempt failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}
	return bars, nil
}

// fail records a terminal error. A batch failing after an earlier commit
// makes the symbol partial. A cancelled symbol that committed nothing is
// not attempted.
func (e *Engine) fail(out *Outcome, err error) {
	out.Err = err
	out.Status = domain.StatusFetchError
	switch {
	case out.committed > 0:
		out.Status = domain.StatusPartial
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		out.Status = domain.StatusNotAttempted
	}
}

// holes marks the symbol partial when committed batches skipped trading
// days. The stored MAX(trading_date) has moved past them, so the record is
// the only trace they leave.
func (e *Engine) holes(out *Outcome) {
	detail := fmt.Sprintf("no valid bar for %d trading days: %s", len(out.Holes), formatDates(out.Holes, maxListedHoles))
	if out.Err != nil {
		out.Err = fmt.Errorf("%w; %s", out.Err, detail)
	} else {
		out.Err = errors.New(detail)
	}
	if out.Status == "" || out.Status == domain.StatusSuccess {
		out.Status = domain.StatusPartial
	}
}

func (e *Engine) missing(out *Outcome, detail string) {
	out.Err = errors.New(detail)
	out.Status = domain.StatusMissingData
	if out.committed > 0 {
		out.Status = domain.StatusPartial
	}
}

const maxListedHoles = 20

// holesIn returns the dates that have no bar in valid.
func holesIn(dates []domain.Date, valid []domain.Bar) []domain.Date {
	got := make(map[domain.Date]bool, len(valid))
	for _, b := range valid {
		got[b.Date] = true
	}
	var out []domain.Date
	for _, d := range dates {
		if !got[d] {
			out = append(out, d)
		}
	}
	return out
}

func formatDates(dates []domain.Date, limit int) string {
	parts := make([]string, 0, min(len(dates), limit)+1)
	for i, d := range dates {
		if i == limit {
			parts = append(parts, fmt.Sprintf("and %d more", len(dates)-limit))
			break
		}
		parts = append(parts, d.String())
	}
	return strings.Join(parts, ", ")
}
