package us

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"klinesync/internal/calendar"
	"klinesync/internal/domain"
)

var _ calendar.Calendar = (*Calendar)(nil)

// calendarFetcher is the subset of the Alpaca trading client used here.
type calendarFetcher interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// Calendar is a trading calendar backed by the Alpaca calendar API. Each
// year is fetched once and cached; early-close days keep their real close.
type Calendar struct {
	client calendarFetcher
	loc    *time.Location

	mu    sync.Mutex
	years map[int]map[domain.Date]string // year -> date -> close "HH:MM"
}

// NewCalendar creates an Alpaca-backed calendar. Sessions are interpreted in
// America/New_York.
func NewCalendar(apiKey, apiSecret, baseURL string) (*Calendar, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newCalendar(client, et), nil
}

func newCalendar(client calendarFetcher, loc *time.Location) *Calendar {
	return &Calendar{
		client: client,
		loc:    loc,
		years:  make(map[int]map[domain.Date]string),
	}
}

// IsTradingDay implements calendar.Calendar.
func (c *Calendar) IsTradingDay(_ context.Context, d domain.Date) (bool, error) {
	days, err := c.year(d.Year)
	if err != nil {
		return false, err
	}
	_, ok := days[d]
	return ok, nil
}

// SessionClose implements calendar.Calendar.
func (c *Calendar) SessionClose(_ context.Context, d domain.Date) (time.Time, error) {
	days, err := c.year(d.Year)
	if err != nil {
		return time.Time{}, err
	}
	closeAt, ok := days[d]
	if !ok {
		return time.Time{}, fmt.Errorf("%s is not a trading day", d)
	}
	t, err := time.Parse("15:04", closeAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing close %q for %s: %w", closeAt, d, err)
	}
	return time.Date(d.Year, d.Month, d.Day, t.Hour(), t.Minute(), 0, 0, c.loc), nil
}

func (c *Calendar) year(y int) (map[domain.Date]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if days, ok := c.years[y]; ok {
		return days, nil
	}

	cal, err := c.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: time.Date(y, 1, 1, 0, 0, 0, 0, c.loc),
		End:   time.Date(y, 12, 31, 0, 0, 0, 0, c.loc),
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar %d: %w", y, classify("alpaca-calendar", err))
	}

	days := make(map[domain.Date]string, len(cal))
	for _, day := range cal {
		d, err := domain.ParseDate(day.Date)
		if err != nil {
			continue
		}
		days[d] = day.Close
	}
	c.years[y] = days
	return days, nil
}
