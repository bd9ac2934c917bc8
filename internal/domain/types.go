// Package domain defines the core types shared across klinesync: symbols,
// daily bars, run records and reconciliation results.
package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// Date is a calendar date with no time-of-day or location.
type Date = civil.Date

// DateFormat is the wire and storage format for trading dates.
const DateFormat = "2006-01-02"

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	return civil.ParseDate(s)
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	return civil.DateOf(t)
}

// Symbol identifies a tracked instrument, e.g. "2330.TW" or "AAPL".
type Symbol string

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

// Key is the primary key of a daily bar.
type Key struct {
	Symbol Symbol `json:"symbol"`
	Date   Date   `json:"trading_date"`
}

func (k Key) String() string { return fmt.Sprintf("%s:%s", k.Symbol, k.Date) }

// Bar is one symbol's aggregated OHLCV record for one trading day.
type Bar struct {
	Symbol Symbol  `json:"symbol"`
	Date   Date    `json:"trading_date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Key returns the bar's primary key.
func (b Bar) Key() Key { return Key{Symbol: b.Symbol, Date: b.Date} }

// Equal reports whether two bars carry exactly the same values.
func (b Bar) Equal(o Bar) bool {
	return b.Symbol == o.Symbol &&
		b.Date == o.Date &&
		b.Open == o.Open &&
		b.High == o.High &&
		b.Low == o.Low &&
		b.Close == o.Close &&
		b.Volume == o.Volume
}

// DiffFields returns the names of the value fields that differ between b
// and o.
func (b Bar) DiffFields(o Bar) []string {
	var out []string
	if b.Open != o.Open {
		out = append(out, "open")
	}
	if b.High != o.High {
		out = append(out, "high")
	}
	if b.Low != o.Low {
		out = append(out, "low")
	}
	if b.Close != o.Close {
		out = append(out, "close")
	}
	if b.Volume != o.Volume {
		out = append(out, "volume")
	}
	return out
}

// DataQualityError describes a bar that failed validation. It is reported
// and the bar is dropped; it never fails the symbol.
type DataQualityError struct {
	Bar    Bar
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("rejected bar %s: %s", e.Bar.Key(), e.Reason)
}

// ---------------------------------------------------------------------------
// Run ledger
// ---------------------------------------------------------------------------

// Status is the outcome of processing one symbol within one run.
type Status string

const (
	StatusInProgress   Status = "in_progress"
	StatusSuccess      Status = "success"
	StatusNoNewData    Status = "no_new_data"
	StatusFetchError   Status = "fetch_error"
	StatusPartial      Status = "partial"
	StatusMissingData  Status = "missing_data"
	StatusNotAttempted Status = "not_attempted"
)

// Terminal reports whether s is a final status for a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusNoNewData, StatusFetchError, StatusPartial,
		StatusMissingData, StatusNotAttempted:
		return true
	}
	return false
}

// Healthy reports whether s means the symbol is current as of its run.
func (s Status) Healthy() bool {
	return s == StatusSuccess || s == StatusNoNewData
}

// Runner names which copy of the pipeline produced a record.
type Runner string

const (
	RunnerPrimary Runner = "primary"
	RunnerBackup  Runner = "backup"
)

// RunRecord is the ledger entry for one (run, symbol) pair.
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Runner       Runner    `json:"runner"`
	AsOf         Date      `json:"as_of"`
	Symbol       Symbol    `json:"symbol"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"` // zero while in progress
	Status       Status    `json:"status"`
	RowsWritten  int       `json:"rows_written"`
	RowsRejected int       `json:"rows_rejected"`
	GapStart     Date      `json:"gap_start"` // zero when there was nothing to fetch
	GapEnd       Date      `json:"gap_end"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
}

// SymbolResult is the per-symbol line of a RunSummary.
type SymbolResult struct {
	Symbol       Symbol `json:"symbol"`
	Status       Status `json:"status"`
	RowsWritten  int    `json:"rows_written"`
	RowsRejected int    `json:"rows_rejected,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RunSummary is returned by a run_sync invocation.
type RunSummary struct {
	RunID      string         `json:"run_id"`
	Runner     Runner         `json:"runner"`
	AsOf       Date           `json:"as_of"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Symbols    []SymbolResult `json:"symbols"`
	TotalRows  int            `json:"total_rows"`
}

// Failed reports whether any symbol ended in a non-healthy status.
func (s RunSummary) Failed() bool {
	for _, r := range s.Symbols {
		if !r.Status.Healthy() {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// Conflict is a key present in both sources with differing values.
type Conflict struct {
	Key     Key      `json:"key"`
	Primary Bar      `json:"primary"`
	Backup  Bar      `json:"backup"`
	Fields  []string `json:"fields"`
}

// ReconciliationResult summarises reconciling one symbol.
type ReconciliationResult struct {
	Symbol              Symbol     `json:"symbol"`
	RowsAddedFromBackup int        `json:"rows_added_from_backup"`
	PrimaryOnly         int        `json:"primary_only"`
	Identical           int        `json:"identical"`
	Rejected            int        `json:"rejected"`
	Resolved            int        `json:"resolved"`
	Conflicts           []Conflict `json:"conflicts,omitempty"`
}

// Resolution is an operator's recorded decision on a conflicting key. It
// covers exactly the primary and backup values seen when it was made.
type Resolution struct {
	Key        Key       `json:"key"`
	Kept       Runner    `json:"kept"`
	Primary    Bar       `json:"primary"`
	Backup     Bar       `json:"backup"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Covers reports whether r settles a conflict between primary and backup.
func (r Resolution) Covers(primary, backup Bar) bool {
	return r.Key == primary.Key() && r.Primary.Equal(primary) && r.Backup.Equal(backup)
}

// ConflictsDetected returns the number of conflicting keys.
func (r ReconciliationResult) ConflictsDetected() int { return len(r.Conflicts) }
