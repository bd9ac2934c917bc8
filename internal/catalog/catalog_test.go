package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"klinesync/internal/domain"
)

func mustDate(t *testing.T, s string) domain.Date {
	t.Helper()
	d, err := domain.ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestNewDedupsAndSorts(t *testing.T) {
	start := mustDate(t, "2020-01-01")
	c, err := New(start, []Entry{
		{Symbol: "2337.TW"},
		{Symbol: " 2330.TW "},
		{Symbol: "2337.TW", Start: mustDate(t, "2022-03-01")},
	})
	require.NoError(t, err)

	assert.Equal(t, []domain.Symbol{"2330.TW", "2337.TW"}, c.Symbols())
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains("2330.TW"))
	assert.False(t, c.Contains("6944.TW"))
	assert.Equal(t, start, c.StartDate("2330.TW"))
	assert.Equal(t, mustDate(t, "2022-03-01"), c.StartDate("2337.TW"))
}

func TestSymbolsReturnsCopy(t *testing.T) {
	c, err := New(mustDate(t, "2020-01-01"), []Entry{{Symbol: "A"}, {Symbol: "B"}})
	require.NoError(t, err)

	syms := c.Symbols()
	syms[0] = "MUTATED"
	assert.Equal(t, domain.Symbol("A"), c.Symbols()[0])
}

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New(domain.Date{}, nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = New(domain.Date{}, []Entry{{Symbol: "  "}})
	assert.Error(t, err)
}

func TestEntryUnmarshalYAML(t *testing.T) {
	var doc struct {
		Symbols []Entry `yaml:"symbols"`
	}
	err := yaml.Unmarshal([]byte(`
symbols:
  - 2330.TW
  - symbol: 6944.TW
    start_date: "2021-06-01"
`), &doc)
	require.NoError(t, err)
	require.Len(t, doc.Symbols, 2)
	assert.Equal(t, domain.Symbol("2330.TW"), doc.Symbols[0].Symbol)
	assert.True(t, doc.Symbols[0].Start.IsZero())
	assert.Equal(t, "2021-06-01", doc.Symbols[1].Start.String())

	err = yaml.Unmarshal([]byte("symbols:\n  - {symbol: X, start_date: nope}\n"), &doc)
	assert.Error(t, err)
}

func TestLoadWatchlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user_watchlist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watchlist:\n- 2330.TW\n- 2454.TW\n"), 0o644))

	entries, err := LoadWatchlist(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.Symbol("2454.TW"), entries[1].Symbol)

	entries, err = LoadWatchlist(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadCSVSymbols(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.csv")
	require.NoError(t, os.WriteFile(path, []byte("symbol,name\nAAPL,Apple\n ,blank\nMSFT,Microsoft\n"), 0o644))

	entries, err := LoadCSVSymbols(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.Symbol("AAPL"), entries[0].Symbol)
	assert.Equal(t, domain.Symbol("MSFT"), entries[1].Symbol)
}

func TestLoadCSVSymbolsWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.csv")
	require.NoError(t, os.WriteFile(path, []byte("2330.TW\n2454.TW,MediaTek\n"), 0o644))

	entries, err := LoadCSVSymbols(path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Symbol: "2330.TW"}, {Symbol: "2454.TW"}}, entries)
}

func TestLoadCSVSymbolsHeaderVariants(t *testing.T) {
	for _, header := range []string{"Symbol", "TICKER", "\ufeffsymbol"} {
		path := filepath.Join(t.TempDir(), "symbols.csv")
		require.NoError(t, os.WriteFile(path, []byte(header+"\nAAPL\n"), 0o644))

		entries, err := LoadCSVSymbols(path)
		require.NoError(t, err, header)
		assert.Equal(t, []Entry{{Symbol: "AAPL"}}, entries, header)
	}

	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("symbol\n"), 0o644))
	entries, err := LoadCSVSymbols(path)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type listerFunc func(ctx context.Context) ([]domain.Symbol, error)

func (f listerFunc) ListSymbols(ctx context.Context) ([]domain.Symbol, error) { return f(ctx) }

func TestFromStore(t *testing.T) {
	entries, err := FromStore(context.Background(), listerFunc(func(context.Context) ([]domain.Symbol, error) {
		return []domain.Symbol{"2317.TW"}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Symbol: "2317.TW"}}, entries)
}

func TestBuildMergesSources(t *testing.T) {
	dir := t.TempDir()
	wl := filepath.Join(dir, "watchlist.yaml")
	require.NoError(t, os.WriteFile(wl, []byte("watchlist:\n- 2454.TW\n- 2330.TW\n"), 0o644))

	c, err := Build(context.Background(), Sources{
		Start:         mustDate(t, "2020-01-01"),
		Entries:       []Entry{{Symbol: "2330.TW", Start: mustDate(t, "2019-01-02")}},
		WatchlistFile: wl,
		Stored: listerFunc(func(context.Context) ([]domain.Symbol, error) {
			return []domain.Symbol{"2317.TW"}, nil
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Symbol{"2317.TW", "2330.TW", "2454.TW"}, c.Symbols())
	assert.Equal(t, "2019-01-02", c.StartDate("2330.TW").String())
	assert.Equal(t, "2020-01-01", c.StartDate("2454.TW").String())
}

func TestBuildEmpty(t *testing.T) {
	_, err := Build(context.Background(), Sources{WatchlistFile: filepath.Join(t.TempDir(), "none.yaml")})
	assert.ErrorIs(t, err, ErrEmpty)
}
