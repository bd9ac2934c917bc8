// Package catalog holds the fixed set of instruments tracked by a run.
package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"klinesync/internal/domain"
)

// Entry is one configured instrument. Start overrides the catalog start
// date for this symbol when set.
type Entry struct {
	Symbol domain.Symbol
	Start  domain.Date
}

// UnmarshalYAML accepts either a bare symbol or a mapping:
//
//	- 2330.TW
//	- {symbol: 6944.TW, start_date: "2021-06-01"}
func (e *Entry) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		e.Symbol = domain.Symbol(strings.TrimSpace(n.Value))
		return nil
	}
	var raw struct {
		Symbol    string `yaml:"symbol"`
		StartDate string `yaml:"start_date"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	e.Symbol = domain.Symbol(strings.TrimSpace(raw.Symbol))
	if raw.StartDate != "" {
		d, err := domain.ParseDate(raw.StartDate)
		if err != nil {
			return fmt.Errorf("symbol %s: start_date: %w", raw.Symbol, err)
		}
		e.Start = d
	}
	return nil
}

// Catalog is an immutable, sorted set of symbols with their start dates.
type Catalog struct {
	start   domain.Date
	symbols []domain.Symbol
	starts  map[domain.Symbol]domain.Date
}

// ErrEmpty is returned when no symbols were configured.
var ErrEmpty = errors.New("catalog has no symbols")

// New builds a catalog. Duplicate symbols keep the first explicit start
// date seen; empty identifiers are rejected.
func New(start domain.Date, entries []Entry) (*Catalog, error) {
	c := &Catalog{
		start:  start,
		starts: make(map[domain.Symbol]domain.Date, len(entries)),
	}
	for _, e := range entries {
		sym := domain.Symbol(strings.TrimSpace(string(e.Symbol)))
		if sym == "" {
			return nil, errors.New("catalog entry with empty symbol")
		}
		prev, seen := c.starts[sym]
		if !seen {
			c.symbols = append(c.symbols, sym)
		}
		if !seen || (prev.IsZero() && !e.Start.IsZero()) {
			c.starts[sym] = e.Start
		}
	}
	if len(c.symbols) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(c.symbols, func(i, j int) bool { return c.symbols[i] < c.symbols[j] })
	return c, nil
}

// Symbols returns a copy of the tracked symbols in sorted order.
func (c *Catalog) Symbols() []domain.Symbol {
	out := make([]domain.Symbol, len(c.symbols))
	copy(out, c.symbols)
	return out
}

// Len returns the number of tracked symbols.
func (c *Catalog) Len() int { return len(c.symbols) }

// Contains reports whether sym is tracked.
func (c *Catalog) Contains(sym domain.Symbol) bool {
	_, ok := c.starts[sym]
	return ok
}

// StartDate returns the first date to fetch for sym when the store holds
// nothing for it.
func (c *Catalog) StartDate(sym domain.Symbol) domain.Date {
	if d := c.starts[sym]; !d.IsZero() {
		return d
	}
	return c.start
}

// ---------------------------------------------------------------------------
// Sources of entries
// ---------------------------------------------------------------------------

// LoadWatchlist reads a YAML watchlist of the form `watchlist: [...]`. A
// missing file yields no entries.
func LoadWatchlist(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading watchlist %s: %w", path, err)
	}
	var doc struct {
		Watchlist []Entry `yaml:"watchlist"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing watchlist %s: %w", path, err)
	}
	return doc.Watchlist, nil
}

// LoadCSVSymbols reads the first column from a CSV file and returns all
// symbols found. A first row whose first cell is "symbol" or "ticker" is a
// header and skipped.
func LoadCSVSymbols(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}
	if len(records) > 0 && len(records[0]) > 0 && isHeaderCell(records[0][0]) {
		records = records[1:]
	}

	entries := make([]Entry, 0, len(records))
	for _, row := range records {
		if len(row) > 0 {
			sym := strings.TrimSpace(row[0])
			if sym != "" {
				entries = append(entries, Entry{Symbol: domain.Symbol(sym)})
			}
		}
	}
	return entries, nil
}

func isHeaderCell(cell string) bool {
	cell = strings.TrimPrefix(strings.TrimSpace(cell), "\ufeff")
	return strings.EqualFold(cell, "symbol") || strings.EqualFold(cell, "ticker")
}

// SymbolLister lists symbols already present in a store.
type SymbolLister interface {
	ListSymbols(ctx context.Context) ([]domain.Symbol, error)
}

// FromStore returns an entry for every symbol that already has bars.
func FromStore(ctx context.Context, s SymbolLister) ([]Entry, error) {
	syms, err := s.ListSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing stored symbols: %w", err)
	}
	entries := make([]Entry, 0, len(syms))
	for _, sym := range syms {
		entries = append(entries, Entry{Symbol: sym})
	}
	return entries, nil
}

// Sources lists everywhere catalog entries may come from.
type Sources struct {
	Start         domain.Date
	Entries       []Entry
	WatchlistFile string
	SymbolsCSV    string
	Stored        SymbolLister // non-nil adds every symbol already stored
}

// Build merges all configured sources into one catalog. Entries listed
// directly come first, so their start dates win over duplicates.
func Build(ctx context.Context, src Sources) (*Catalog, error) {
	entries := append([]Entry(nil), src.Entries...)
	if src.WatchlistFile != "" {
		more, err := LoadWatchlist(src.WatchlistFile)
		if err != nil {
			return nil, err
		}
		entries = append(entries, more...)
	}
	if src.SymbolsCSV != "" {
		more, err := LoadCSVSymbols(src.SymbolsCSV)
		if err != nil {
			return nil, err
		}
		entries = append(entries, more...)
	}
	if src.Stored != nil {
		more, err := FromStore(ctx, src.Stored)
		if err != nil {
			return nil, err
		}
		entries = append(entries, more...)
	}
	return New(src.Start, entries)
}
