package calendar

import (
	"context"
	"fmt"
	"time"

	"klinesync/internal/domain"
)

var _ Calendar = (*Weekday)(nil)

// Weekday is a calendar where every Monday to Friday is a trading day except
// for an explicit holiday list. All sessions close at the same local time.
type Weekday struct {
	loc      *time.Location
	closeH   int
	closeM   int
	holidays map[domain.Date]struct{}
}

// NewWeekday creates a Weekday calendar. closeAt is "HH:MM" in loc.
func NewWeekday(loc *time.Location, closeAt string, holidays []domain.Date) (*Weekday, error) {
	t, err := time.Parse("15:04", closeAt)
	if err != nil {
		return nil, fmt.Errorf("parsing session close %q: %w", closeAt, err)
	}
	w := &Weekday{
		loc:      loc,
		closeH:   t.Hour(),
		closeM:   t.Minute(),
		holidays: make(map[domain.Date]struct{}, len(holidays)),
	}
	for _, h := range holidays {
		w.holidays[h] = struct{}{}
	}
	return w, nil
}

// IsTradingDay implements Calendar.
func (w *Weekday) IsTradingDay(_ context.Context, d domain.Date) (bool, error) {
	switch d.In(time.UTC).Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	}
	_, closed := w.holidays[d]
	return !closed, nil
}

// SessionClose implements Calendar.
func (w *Weekday) SessionClose(_ context.Context, d domain.Date) (time.Time, error) {
	return time.Date(d.Year, d.Month, d.Day, w.closeH, w.closeM, 0, 0, w.loc), nil
}
