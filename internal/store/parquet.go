package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"klinesync/internal/domain"
)

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema of a backup artifact row.
type BarRecord struct {
	Symbol      string  `parquet:"symbol"`
	TradingDate string  `parquet:"trading_date"` // YYYY-MM-DD
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      int64   `parquet:"volume"`
}

// Artifact metadata keys.
const (
	MetaRunner      = "klinesync.runner"
	MetaGeneratedAt = "klinesync.generated_at"
	MetaRows        = "klinesync.rows"
)

// ParquetArchive reads and writes backup artifacts: a full dump of the bar
// table as a single Parquet file.
type ParquetArchive struct{}

// NewParquetArchive returns a ParquetArchive.
func NewParquetArchive() *ParquetArchive { return &ParquetArchive{} }

// Write dumps bars to path. The file is written next to its destination
// and renamed into place, so readers never observe a partial artifact.
func (a *ParquetArchive) Write(path string, bars []domain.Bar, runner domain.Runner) error {
	records := make([]BarRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, BarRecord{
			Symbol:      string(b.Symbol),
			TradingDate: b.Date.String(),
			Open:        b.Open,
			High:        b.High,
			Low:         b.Low,
			Close:       b.Close,
			Volume:      b.Volume,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Symbol != records[j].Symbol {
			return records[i].Symbol < records[j].Symbol
		}
		return records[i].TradingDate < records[j].TradingDate
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	err := parquet.WriteFile(tmp, records,
		parquet.KeyValueMetadata(MetaRunner, string(runner)),
		parquet.KeyValueMetadata(MetaGeneratedAt, time.Now().UTC().Format(time.RFC3339)),
		parquet.KeyValueMetadata(MetaRows, fmt.Sprint(len(records))),
	)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing artifact %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing artifact %s: %w", path, err)
	}
	return nil
}

// Read loads every bar in the artifact at path.
func (a *ParquetArchive) Read(path string) ([]domain.Bar, error) {
	records, err := parquet.ReadFile[BarRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", path, err)
	}
	bars := make([]domain.Bar, 0, len(records))
	for _, r := range records {
		d, err := domain.ParseDate(r.TradingDate)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: row %s/%q: %w", path, r.Symbol, r.TradingDate, err)
		}
		bars = append(bars, domain.Bar{
			Symbol: domain.Symbol(r.Symbol),
			Date:   d,
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return bars, nil
}

// Metadata returns the key/value metadata stored in the artifact footer.
func (a *ParquetArchive) Metadata(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", path, err)
	}
	out := make(map[string]string)
	for _, key := range []string{MetaRunner, MetaGeneratedAt, MetaRows} {
		if v, ok := pf.Lookup(key); ok {
			out[key] = v
		}
	}
	return out, nil
}
