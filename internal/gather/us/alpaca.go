package us

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"klinesync/internal/domain"
	"klinesync/internal/gather"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Source = (*BarSource)(nil)

// ---------------------------------------------------------------------------
// BarSource: daily OHLCV bars from the Alpaca market-data API.
// ---------------------------------------------------------------------------

// BarSource fetches daily bars for one symbol at a time via the Alpaca
// market-data API on a single feed.
type BarSource struct {
	client *marketdata.Client
	feed   string
	loc    *time.Location
	log    *slog.Logger
}

// NewBarSource creates a BarSource configured with the given Alpaca
// credentials and feed ("sip" or "iex"). Bar timestamps are interpreted in
// loc to derive the trading date.
func NewBarSource(apiKey, apiSecret, dataURL, feed string, loc *time.Location) *BarSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "sip"
	}

	return &BarSource{
		client: marketdata.NewClient(opts),
		feed:   feed,
		loc:    loc,
		log:    slog.Default().With("source", "alpaca-"+feed),
	}
}

// Name returns the source identifier.
func (s *BarSource) Name() string { return "alpaca-" + s.feed }

// FetchBars implements gather.Source. Prices are unadjusted so that two
// independent fetches of the same day yield identical values.
func (s *BarSource) FetchBars(ctx context.Context, symbol domain.Symbol, from, through domain.Date) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := from.In(s.loc)
	end := through.AddDays(1).In(s.loc).Add(-time.Second)

	type result struct {
		bars []marketdata.Bar
		err  error
	}
	done := make(chan result, 1)
	go func() {
		bars, err := s.client.GetBars(string(symbol), marketdata.GetBarsRequest{
			TimeFrame:  marketdata.OneDay,
			Adjustment: marketdata.Raw,
			Start:      start,
			End:        end,
			Feed:       s.feed,
		})
		done <- result{bars, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, classify(s.Name(), res.err)
	}

	bars := make([]domain.Bar, 0, len(res.bars))
	for _, ab := range res.bars {
		bars = append(bars, domain.Bar{
			Symbol: domain.Symbol(strings.ToUpper(string(symbol))),
			Date:   domain.DateOf(ab.Timestamp.In(s.loc)),
			Open:   ab.Open,
			High:   ab.High,
			Low:    ab.Low,
			Close:  ab.Close,
			Volume: int64(ab.Volume),
		})
	}
	s.log.Debug("fetched bars", "symbol", symbol, "from", from, "through", through, "bars", len(bars))
	return bars, nil
}

// classify maps an Alpaca client error onto the gather error classes.
func classify(source string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		class := gather.ErrTransient
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			class = gather.ErrAuth
		case apiErr.StatusCode == http.StatusTooManyRequests:
			class = gather.ErrRateLimited
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			class = gather.ErrInvalidRequest
		}
		return &gather.Error{Class: class, Source: source, Detail: apiErr.Message, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &gather.Error{Class: gather.ErrTransient, Source: source, Detail: "network", Err: err}
	}
	return &gather.Error{Class: gather.ErrTransient, Source: source, Err: err}
}
