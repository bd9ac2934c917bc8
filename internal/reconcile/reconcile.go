// Package reconcile merges a backup runner's artifact into the primary store.
// Keys only the backup has are added; keys both have with different values
// are reported as conflicts and left alone until an operator resolves them.
// A recorded resolution settles a conflict for the exact values it was made
// on; if either side later changes, the key is reported again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"klinesync/internal/domain"
	"klinesync/internal/pipeline"
)

// Store is the primary store as seen by the reconciler.
type Store interface {
	ReadBars(ctx context.Context, symbol domain.Symbol, from, through domain.Date) ([]domain.Bar, error)
	InsertBars(ctx context.Context, symbol domain.Symbol, bars []domain.Bar) (int, error)
	RecordResolution(ctx context.Context, r domain.Resolution) error
	Resolutions(ctx context.Context, symbol domain.Symbol) (map[domain.Date]domain.Resolution, error)
}

// Options control a reconciliation pass.
type Options struct {
	// DryRun computes the result without writing to the primary store.
	DryRun bool
}

// Preference is an operator's decision for one conflicting key.
type Preference string

const (
	PreferBackup  Preference = "backup"
	PreferPrimary Preference = "primary"
)

// ParsePreference parses "backup" or "primary".
func ParsePreference(s string) (Preference, error) {
	switch p := Preference(s); p {
	case PreferBackup, PreferPrimary:
		return p, nil
	}
	return "", fmt.Errorf("unknown preference %q (want backup or primary)", s)
}

// ErrNotInConflict is returned by Resolve for a key the two sources agree on,
// that only one source has, or that is already resolved the same way.
var ErrNotInConflict = errors.New("key is not in conflict")

// Reconciler compares a backup bar set with the primary store.
type Reconciler struct {
	store Store
	log   *slog.Logger
}

// New creates a Reconciler over the primary store.
func New(s Store) *Reconciler {
	return &Reconciler{store: s, log: slog.Default().With("component", "reconcile")}
}

// Reconcile unions backup into the primary store, one symbol per
// transaction, and returns a result per symbol present in backup. Running it
// again over the same inputs adds nothing.
func (r *Reconciler) Reconcile(ctx context.Context, backup []domain.Bar, opts Options) ([]domain.ReconciliationResult, error) {
	bySymbol := groupBySymbol(backup)
	symbols := make([]domain.Symbol, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })

	results := make([]domain.ReconciliationResult, 0, len(symbols))
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.reconcileSymbol(ctx, sym, bySymbol[sym], opts)
		if err != nil {
			return results, fmt.Errorf("reconciling %s: %w", sym, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Reconciler) reconcileSymbol(ctx context.Context, sym domain.Symbol, backup []domain.Bar, opts Options) (domain.ReconciliationResult, error) {
	res := domain.ReconciliationResult{Symbol: sym}
	log := r.log.With("symbol", sym)

	from, through := dateSpan(backup)
	valid, rejected := pipeline.ValidateBars(sym, backup, from, through)
	for _, q := range rejected {
		log.Warn("backup bar rejected", "date", q.Bar.Date.String(), "reason", q.Reason)
	}
	res.Rejected = len(rejected)

	primary, err := r.store.ReadBars(ctx, sym, domain.Date{}, domain.Date{})
	if err != nil {
		return res, err
	}
	stored := make(map[domain.Date]domain.Bar, len(primary))
	for _, b := range primary {
		stored[b.Date] = b
	}
	resolved, err := r.store.Resolutions(ctx, sym)
	if err != nil {
		return res, err
	}

	var adds []domain.Bar
	inBackup := make(map[domain.Date]struct{}, len(valid))
	for _, b := range valid {
		inBackup[b.Date] = struct{}{}
		p, ok := stored[b.Date]
		switch {
		case !ok:
			adds = append(adds, b)
		case p.Equal(b):
			res.Identical++
		case resolved[b.Date].Covers(p, b):
			res.Resolved++
		default:
			c := domain.Conflict{Key: b.Key(), Primary: p, Backup: b, Fields: p.DiffFields(b)}
			res.Conflicts = append(res.Conflicts, c)
			log.Warn("conflict", "date", b.Date.String(), "fields", c.Fields)
		}
	}
	for d := range stored {
		if _, ok := inBackup[d]; !ok {
			res.PrimaryOnly++
		}
	}

	if opts.DryRun {
		res.RowsAddedFromBackup = len(adds)
	} else if len(adds) > 0 {
		n, err := r.store.InsertBars(ctx, sym, adds)
		if err != nil {
			return res, err
		}
		res.RowsAddedFromBackup = n
	}

	log.Info("symbol reconciled",
		"added", res.RowsAddedFromBackup,
		"identical", res.Identical,
		"primary_only", res.PrimaryOnly,
		"conflicts", res.ConflictsDetected(),
		"resolved", res.Resolved,
		"rejected", res.Rejected,
		"dry_run", opts.DryRun,
	)
	return res, nil
}

// Resolve applies and records an operator decision on one conflicting key.
// PreferBackup overwrites the primary bar with the backup's values;
// PreferPrimary keeps the primary bar. Either way later reconciliations no
// longer report the key while both values stay as they are. Keys that are
// not in conflict, or already resolved with the same preference, are
// refused.
func (r *Reconciler) Resolve(ctx context.Context, backup []domain.Bar, key domain.Key, pref Preference) (domain.Conflict, error) {
	var (
		b     domain.Bar
		found bool
	)
	for _, c := range backup {
		if c.Key() == key {
			b, found = c, true
			break
		}
	}
	if !found {
		return domain.Conflict{}, fmt.Errorf("%s: not in backup: %w", key, ErrNotInConflict)
	}
	if valid, _ := pipeline.ValidateBars(key.Symbol, []domain.Bar{b}, key.Date, key.Date); len(valid) == 0 {
		return domain.Conflict{}, fmt.Errorf("%s: backup bar fails validation", key)
	}

	stored, err := r.store.ReadBars(ctx, key.Symbol, key.Date, key.Date)
	if err != nil {
		return domain.Conflict{}, err
	}
	if len(stored) == 0 {
		return domain.Conflict{}, fmt.Errorf("%s: not in primary: %w", key, ErrNotInConflict)
	}
	p := stored[0]
	if p.Equal(b) {
		return domain.Conflict{}, fmt.Errorf("%s: %w", key, ErrNotInConflict)
	}
	c := domain.Conflict{Key: key, Primary: p, Backup: b, Fields: p.DiffFields(b)}

	if pref != PreferBackup && pref != PreferPrimary {
		return c, fmt.Errorf("unknown preference %q", pref)
	}
	saved, err := r.store.Resolutions(ctx, key.Symbol)
	if err != nil {
		return c, err
	}
	prev, had := saved[key.Date]
	if had && prev.Covers(p, b) {
		if prev.Kept == domain.Runner(pref) {
			return c, fmt.Errorf("%s: already resolved keeping %s: %w", key, prev.Kept, ErrNotInConflict)
		}
		r.log.Warn("changing an earlier resolution", "key", key.String(), "was", string(prev.Kept), "now", string(pref))
	}

	if err := r.store.RecordResolution(ctx, domain.Resolution{
		Key:     key,
		Kept:    domain.Runner(pref),
		Primary: p,
		Backup:  b,
	}); err != nil {
		return c, err
	}
	r.log.Info("conflict resolved", "key", key.String(), "kept", string(pref), "fields", c.Fields)
	return c, nil
}

func groupBySymbol(bars []domain.Bar) map[domain.Symbol][]domain.Bar {
	out := make(map[domain.Symbol][]domain.Bar)
	for _, b := range bars {
		out[b.Symbol] = append(out[b.Symbol], b)
	}
	return out
}

// dateSpan returns the smallest and largest valid date in bars.
func dateSpan(bars []domain.Bar) (from, through domain.Date) {
	for _, b := range bars {
		if !b.Date.IsValid() {
			continue
		}
		if from.IsZero() || b.Date.Before(from) {
			from = b.Date
		}
		if through.IsZero() || b.Date.After(through) {
			through = b.Date
		}
	}
	return from, through
}
