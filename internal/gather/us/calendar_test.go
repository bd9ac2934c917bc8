package us

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinesync/internal/calendar"
	"klinesync/internal/gather"
)

type fakeCalendarClient struct {
	days  []alpaca.CalendarDay
	err   error
	calls int
}

func (f *fakeCalendarClient) GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []alpaca.CalendarDay
	for _, d := range f.days {
		if d.Date[:4] == req.Start.Format("2006") {
			out = append(out, d)
		}
	}
	return out, nil
}

func julyCalendar() *fakeCalendarClient {
	return &fakeCalendarClient{days: []alpaca.CalendarDay{
		{Date: "2024-07-01", Open: "09:30", Close: "16:00"},
		{Date: "2024-07-02", Open: "09:30", Close: "16:00"},
		{Date: "2024-07-03", Open: "09:30", Close: "13:00"}, // early close
		{Date: "2024-07-05", Open: "09:30", Close: "16:00"},
	}}
}

func TestCalendarTradingDays(t *testing.T) {
	ctx := context.Background()
	client := julyCalendar()
	cal := newCalendar(client, newYork(t))

	ok, err := cal.IsTradingDay(ctx, mustDate(t, "2024-07-03"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cal.IsTradingDay(ctx, mustDate(t, "2024-07-04"))
	require.NoError(t, err)
	assert.False(t, ok, "Independence Day")

	closeAt, err := cal.SessionClose(ctx, mustDate(t, "2024-07-03"))
	require.NoError(t, err)
	assert.Equal(t, 13, closeAt.Hour())
	assert.Equal(t, newYork(t).String(), closeAt.Location().String())

	_, err = cal.SessionClose(ctx, mustDate(t, "2024-07-04"))
	assert.Error(t, err)

	assert.Equal(t, 1, client.calls, "one fetch per year")
}

func TestCalendarLatestCompletedEarlyClose(t *testing.T) {
	ny := newYork(t)
	cal := newCalendar(julyCalendar(), ny)

	// 14:00 ET on the early-close day: the session is over.
	now := time.Date(2024, 7, 3, 14, 0, 0, 0, ny)
	d, err := calendar.LatestCompleted(context.Background(), cal, now, ny, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "2024-07-03", d.String())

	// 12:00 ET the same day: still trading, so the previous session.
	now = time.Date(2024, 7, 3, 12, 0, 0, 0, ny)
	d, err = calendar.LatestCompleted(context.Background(), cal, now, ny, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "2024-07-02", d.String())
}

func TestCalendarAuthFailure(t *testing.T) {
	cal := newCalendar(&fakeCalendarClient{err: &alpaca.APIError{StatusCode: 401, Message: "unauthorized"}}, newYork(t))

	_, err := cal.IsTradingDay(context.Background(), mustDate(t, "2024-07-03"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gather.ErrAuth))
}
