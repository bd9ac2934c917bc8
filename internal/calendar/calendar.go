// Package calendar decides which dates are trading days and when each
// session is over. It lets the pipeline tell "no data because the market
// was closed" apart from "no data because the fetch failed".
package calendar

import (
	"context"
	"fmt"
	"iter"
	"time"

	"klinesync/internal/domain"
)

// Calendar is a trading-calendar oracle for one market.
type Calendar interface {
	// IsTradingDay reports whether the market holds a regular session on d.
	IsTradingDay(ctx context.Context, d domain.Date) (bool, error)

	// SessionClose returns the instant the regular session on d ends. It is
	// only meaningful for trading days.
	SessionClose(ctx context.Context, d domain.Date) (time.Time, error)
}

// maxLookback bounds the backwards search for a completed session.
const maxLookback = 30

// LatestCompleted returns the most recent trading day whose session ended
// at least settle before now. A session still in progress, or one that
// closed less than settle ago, is never returned.
func LatestCompleted(ctx context.Context, cal Calendar, now time.Time, loc *time.Location, settle time.Duration) (domain.Date, error) {
	d := domain.DateOf(now.In(loc))
	for i := 0; i < maxLookback; i++ {
		ok, err := cal.IsTradingDay(ctx, d)
		if err != nil {
			return domain.Date{}, err
		}
		if ok {
			closeAt, err := cal.SessionClose(ctx, d)
			if err != nil {
				return domain.Date{}, err
			}
			if !now.Before(closeAt.Add(settle)) {
				return d, nil
			}
		}
		d = d.AddDays(-1)
	}
	return domain.Date{}, fmt.Errorf("no completed trading session in the %d days before %s", maxLookback, now.Format(time.RFC3339))
}

// TradingDays lazily yields every trading day strictly after after and up to
// and including through. Iteration stops at the first calendar error, which
// is yielded with a zero date.
func TradingDays(ctx context.Context, cal Calendar, after, through domain.Date) iter.Seq2[domain.Date, error] {
	return func(yield func(domain.Date, error) bool) {
		for d := after.AddDays(1); !d.After(through); d = d.AddDays(1) {
			if err := ctx.Err(); err != nil {
				yield(domain.Date{}, err)
				return
			}
			ok, err := cal.IsTradingDay(ctx, d)
			if err != nil {
				yield(domain.Date{}, err)
				return
			}
			if ok && !yield(d, nil) {
				return
			}
		}
	}
}
