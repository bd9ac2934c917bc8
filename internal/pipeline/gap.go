// Package pipeline turns the gap between the store and the trading calendar
// into fetched, validated and committed bars, one symbol at a time.
package pipeline

import (
	"context"
	"iter"
	"time"

	"klinesync/internal/calendar"
	"klinesync/internal/domain"
	"klinesync/internal/store"
)

// LatestDater reports the newest stored date of a symbol.
type LatestDater interface {
	LatestDate(ctx context.Context, symbol domain.Symbol) (domain.Date, bool, error)
}

var _ LatestDater = (store.BarStore)(nil)

// GapDetector computes the trading dates a symbol is missing. The anchor is
// always MAX(trading_date) from the store itself.
type GapDetector struct {
	bars   LatestDater
	cal    calendar.Calendar
	loc    *time.Location
	settle time.Duration
}

// NewGapDetector creates a GapDetector. Sessions count as completed settle
// after their close in loc.
func NewGapDetector(bars LatestDater, cal calendar.Calendar, loc *time.Location, settle time.Duration) *GapDetector {
	if loc == nil {
		loc = time.UTC
	}
	return &GapDetector{bars: bars, cal: cal, loc: loc, settle: settle}
}

// Through returns the most recent completed trading day as seen at now.
func (g *GapDetector) Through(ctx context.Context, now time.Time) (domain.Date, error) {
	return calendar.LatestCompleted(ctx, g.cal, now, g.loc, g.settle)
}

// Missing lazily yields the trading dates after the latest stored bar of
// symbol up to the latest completed session at now. With nothing stored the
// sequence starts at start.
func (g *GapDetector) Missing(ctx context.Context, symbol domain.Symbol, start domain.Date, now time.Time) iter.Seq2[domain.Date, error] {
	return func(yield func(domain.Date, error) bool) {
		through, err := g.Through(ctx, now)
		if err != nil {
			yield(domain.Date{}, err)
			return
		}
		for d, err := range g.MissingThrough(ctx, symbol, start, through) {
			if !yield(d, err) {
				return
			}
		}
	}
}

// MissingThrough is Missing with an explicit upper bound.
func (g *GapDetector) MissingThrough(ctx context.Context, symbol domain.Symbol, start, through domain.Date) iter.Seq2[domain.Date, error] {
	return func(yield func(domain.Date, error) bool) {
		latest, ok, err := g.bars.LatestDate(ctx, symbol)
		if err != nil {
			yield(domain.Date{}, err)
			return
		}
		after := start.AddDays(-1)
		if ok && !latest.Before(after) {
			after = latest
		}
		if !after.Before(through) {
			return
		}
		for d, err := range calendar.TradingDays(ctx, g.cal, after, through) {
			if !yield(d, err) {
				return
			}
		}
	}
}
