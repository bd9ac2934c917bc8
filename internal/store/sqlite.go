package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"klinesync/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ BarStore = (*SQLiteStore)(nil)
var _ RunStore = (*SQLiteStore)(nil)
var _ Locker = (*SQLiteStore)(nil)
var _ ResolutionStore = (*SQLiteStore)(nil)

// SQLiteStore implements BarStore, RunStore and Locker backed by a SQLite
// database. All access goes through one connection, so transactions from
// concurrent workers are serialized rather than interleaved.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS daily_kline (
	symbol       TEXT    NOT NULL,
	trading_date TEXT    NOT NULL,
	open         REAL    NOT NULL,
	high         REAL    NOT NULL,
	low          REAL    NOT NULL,
	close        REAL    NOT NULL,
	volume       INTEGER NOT NULL,
	PRIMARY KEY (symbol, trading_date),
	CHECK (low <= high AND low <= open AND open <= high AND low <= close AND close <= high),
	CHECK (volume >= 0)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS run_records (
	run_id        TEXT    NOT NULL,
	symbol        TEXT    NOT NULL,
	runner        TEXT    NOT NULL,
	as_of         TEXT    NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL DEFAULT 0,
	status        TEXT    NOT NULL,
	rows_written  INTEGER NOT NULL DEFAULT 0,
	rows_rejected INTEGER NOT NULL DEFAULT 0,
	gap_start     TEXT    NOT NULL DEFAULT '',
	gap_end       TEXT    NOT NULL DEFAULT '',
	error_detail  TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, symbol)
);

CREATE INDEX IF NOT EXISTS run_records_symbol_as_of ON run_records (symbol, as_of, started_at);

CREATE TABLE IF NOT EXISTS reconcile_resolutions (
	symbol         TEXT    NOT NULL,
	trading_date   TEXT    NOT NULL,
	kept           TEXT    NOT NULL CHECK (kept IN ('primary', 'backup')),
	primary_open   REAL    NOT NULL,
	primary_high   REAL    NOT NULL,
	primary_low    REAL    NOT NULL,
	primary_close  REAL    NOT NULL,
	primary_volume INTEGER NOT NULL,
	backup_open    REAL    NOT NULL,
	backup_high    REAL    NOT NULL,
	backup_low     REAL    NOT NULL,
	backup_close   REAL    NOT NULL,
	backup_volume  INTEGER NOT NULL,
	resolved_at    INTEGER NOT NULL,
	PRIMARY KEY (symbol, trading_date)
);

CREATE TABLE IF NOT EXISTS run_locks (
	name        TEXT    PRIMARY KEY,
	holder      TEXT    NOT NULL,
	acquired_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// InsertBars implements BarStore.
func (s *SQLiteStore) InsertBars(ctx context.Context, symbol domain.Symbol, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	for _, b := range bars {
		if b.Symbol != symbol {
			return 0, fmt.Errorf("bar %s does not belong to %s", b.Key(), symbol)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_kline (symbol, trading_date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, trading_date) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx, string(b.Symbol), b.Date.String(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return 0, fmt.Errorf("inserting %s: %w", b.Key(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}

// LatestDate implements BarStore.
func (s *SQLiteStore) LatestDate(ctx context.Context, symbol domain.Symbol) (domain.Date, bool, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(trading_date) FROM daily_kline WHERE symbol = ?`, string(symbol)).Scan(&latest)
	if err != nil {
		return domain.Date{}, false, err
	}
	if !latest.Valid {
		return domain.Date{}, false, nil
	}
	d, err := domain.ParseDate(latest.String)
	if err != nil {
		return domain.Date{}, false, fmt.Errorf("stored date %q: %w", latest.String, err)
	}
	return d, true, nil
}

// ReadBars implements BarStore.
func (s *SQLiteStore) ReadBars(ctx context.Context, symbol domain.Symbol, from, through domain.Date) ([]domain.Bar, error) {
	var (
		q    strings.Builder
		args = []any{string(symbol)}
	)
	q.WriteString(`SELECT symbol, trading_date, open, high, low, close, volume FROM daily_kline WHERE symbol = ?`)
	if !from.IsZero() {
		q.WriteString(` AND trading_date >= ?`)
		args = append(args, from.String())
	}
	if !through.IsZero() {
		q.WriteString(` AND trading_date <= ?`)
		args = append(args, through.String())
	}
	q.WriteString(` ORDER BY trading_date`)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var (
			b    domain.Bar
			sym  string
			date string
		)
		if err := rows.Scan(&sym, &date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		b.Symbol = domain.Symbol(sym)
		if b.Date, err = domain.ParseDate(date); err != nil {
			return nil, fmt.Errorf("stored date %q: %w", date, err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ListSymbols implements BarStore.
func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]domain.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM daily_kline ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []domain.Symbol
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, domain.Symbol(sym))
	}
	return symbols, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// replaceBar overwrites the values of an existing bar.
func replaceBar(ctx context.Context, ex execer, b domain.Bar) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE daily_kline SET open = ?, high = ?, low = ?, close = ?, volume = ?
		WHERE symbol = ? AND trading_date = ?`,
		b.Open, b.High, b.Low, b.Close, b.Volume, string(b.Symbol), b.Date.String())
	if err != nil {
		return fmt.Errorf("replacing %s: %w", b.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("replacing %s: %w", b.Key(), ErrNotFound)
	}
	return nil
}

// ReadAll returns every stored bar ordered by symbol and date.
func (s *SQLiteStore) ReadAll(ctx context.Context) ([]domain.Bar, error) {
	symbols, err := s.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	var all []domain.Bar
	for _, sym := range symbols {
		bars, err := s.ReadBars(ctx, sym, domain.Date{}, domain.Date{})
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", sym, err)
		}
		all = append(all, bars...)
	}
	return all, nil
}

// Stats returns the distinct symbol and total row counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT symbol), COUNT(*) FROM daily_kline`).Scan(&st.Symbols, &st.Rows)
	return st, err
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

const runColumns = `run_id, symbol, runner, as_of, started_at, finished_at, status,
	rows_written, rows_rejected, gap_start, gap_end, error_detail`

// InsertRun implements RunStore.
func (s *SQLiteStore) InsertRun(ctx context.Context, r domain.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_records (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.Symbol), string(r.Runner), r.AsOf.String(),
		unixNano(r.StartedAt), unixNano(r.FinishedAt), string(r.Status),
		r.RowsWritten, r.RowsRejected, dateString(r.GapStart), dateString(r.GapEnd), r.ErrorDetail)
	if err != nil {
		return fmt.Errorf("inserting run %s/%s: %w", r.RunID, r.Symbol, err)
	}
	return nil
}

// FinishRun implements RunStore.
func (s *SQLiteStore) FinishRun(ctx context.Context, r domain.RunRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_records
		SET finished_at = ?, status = ?, rows_written = ?, rows_rejected = ?,
		    gap_start = ?, gap_end = ?, error_detail = ?
		WHERE run_id = ? AND symbol = ? AND status = ?`,
		unixNano(r.FinishedAt), string(r.Status), r.RowsWritten, r.RowsRejected,
		dateString(r.GapStart), dateString(r.GapEnd), r.ErrorDetail,
		r.RunID, string(r.Symbol), string(domain.StatusInProgress))
	if err != nil {
		return fmt.Errorf("finishing run %s/%s: %w", r.RunID, r.Symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finishing run %s/%s: no in-progress record: %w", r.RunID, r.Symbol, ErrNotFound)
	}
	return nil
}

// LatestRun implements RunStore.
func (s *SQLiteStore) LatestRun(ctx context.Context, symbol domain.Symbol, asOf domain.Date) (domain.RunRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run_records
		WHERE symbol = ? AND as_of = ?
		ORDER BY started_at DESC LIMIT 1`, string(symbol), asOf.String())
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, false, nil
	}
	if err != nil {
		return domain.RunRecord{}, false, err
	}
	return rec, true, nil
}

// RecentRuns implements RunStore.
func (s *SQLiteStore) RecentRuns(ctx context.Context, symbol domain.Symbol, limit int, exclude ...domain.Status) ([]domain.RunRecord, error) {
	skip := append([]domain.Status{domain.StatusInProgress}, exclude...)
	args := []any{string(symbol)}
	for _, st := range skip {
		args = append(args, string(st))
	}
	args = append(args, limit)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(skip)), ", ")

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM run_records
		WHERE symbol = ? AND status NOT IN (`+placeholders+`)
		ORDER BY started_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (domain.RunRecord, error) {
	var (
		r                      domain.RunRecord
		symbol, runner, status string
		asOf, gapStart, gapEnd string
		startedAt, finishedAt  int64
	)
	err := sc.Scan(&r.RunID, &symbol, &runner, &asOf, &startedAt, &finishedAt, &status,
		&r.RowsWritten, &r.RowsRejected, &gapStart, &gapEnd, &r.ErrorDetail)
	if err != nil {
		return r, err
	}
	r.Symbol = domain.Symbol(symbol)
	r.Runner = domain.Runner(runner)
	r.Status = domain.Status(status)
	r.StartedAt = fromUnixNano(startedAt)
	r.FinishedAt = fromUnixNano(finishedAt)
	if r.AsOf, err = domain.ParseDate(asOf); err != nil {
		return r, fmt.Errorf("stored as_of %q: %w", asOf, err)
	}
	if gapStart != "" {
		if r.GapStart, err = domain.ParseDate(gapStart); err != nil {
			return r, err
		}
	}
	if gapEnd != "" {
		if r.GapEnd, err = domain.ParseDate(gapEnd); err != nil {
			return r, err
		}
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// ResolutionStore implementation
// ---------------------------------------------------------------------------

// RecordResolution implements ResolutionStore. Keeping the backup replaces
// the primary bar in the same transaction.
func (s *SQLiteStore) RecordResolution(ctx context.Context, r domain.Resolution) error {
	if r.Kept != domain.RunnerPrimary && r.Kept != domain.RunnerBackup {
		return fmt.Errorf("resolution %s: unknown side %q", r.Key, r.Kept)
	}
	if r.Primary.Key() != r.Key || r.Backup.Key() != r.Key {
		return fmt.Errorf("resolution %s: bars do not match the key", r.Key)
	}
	if r.ResolvedAt.IsZero() {
		r.ResolvedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if r.Kept == domain.RunnerBackup {
		if err := replaceBar(ctx, tx, r.Backup); err != nil {
			return err
		}
	}
	p, b := r.Primary, r.Backup
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconcile_resolutions (symbol, trading_date, kept,
			primary_open, primary_high, primary_low, primary_close, primary_volume,
			backup_open, backup_high, backup_low, backup_close, backup_volume, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, trading_date) DO UPDATE SET
			kept = excluded.kept,
			primary_open = excluded.primary_open, primary_high = excluded.primary_high,
			primary_low = excluded.primary_low, primary_close = excluded.primary_close,
			primary_volume = excluded.primary_volume,
			backup_open = excluded.backup_open, backup_high = excluded.backup_high,
			backup_low = excluded.backup_low, backup_close = excluded.backup_close,
			backup_volume = excluded.backup_volume,
			resolved_at = excluded.resolved_at`,
		string(r.Key.Symbol), r.Key.Date.String(), string(r.Kept),
		p.Open, p.High, p.Low, p.Close, p.Volume,
		b.Open, b.High, b.Low, b.Close, b.Volume,
		r.ResolvedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording resolution %s: %w", r.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Resolutions implements ResolutionStore.
func (s *SQLiteStore) Resolutions(ctx context.Context, symbol domain.Symbol) (map[domain.Date]domain.Resolution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trading_date, kept,
			primary_open, primary_high, primary_low, primary_close, primary_volume,
			backup_open, backup_high, backup_low, backup_close, backup_volume, resolved_at
		FROM reconcile_resolutions WHERE symbol = ?`, string(symbol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Date]domain.Resolution)
	for rows.Next() {
		var (
			r          domain.Resolution
			date, kept string
			resolvedAt int64
		)
		p, b := &r.Primary, &r.Backup
		if err := rows.Scan(&date, &kept,
			&p.Open, &p.High, &p.Low, &p.Close, &p.Volume,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &resolvedAt); err != nil {
			return nil, err
		}
		d, err := domain.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("stored date %q: %w", date, err)
		}
		r.Key = domain.Key{Symbol: symbol, Date: d}
		r.Kept = domain.Runner(kept)
		p.Symbol, p.Date = symbol, d
		b.Symbol, b.Date = symbol, d
		r.ResolvedAt = fromUnixNano(resolvedAt)
		out[d] = r
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Locker implementation
// ---------------------------------------------------------------------------

// AcquireRunLock implements Locker. The take-over of a stale lock and the
// insert of a fresh one happen in one statement.
func (s *SQLiteStore) AcquireRunLock(ctx context.Context, name, holder string, ttl time.Duration) (func() error, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_locks (name, holder, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at
		WHERE run_locks.acquired_at < ?`,
		name, holder, now.UnixNano(), now.Add(-ttl).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var (
			other string
			since int64
		)
		if err := s.db.QueryRowContext(ctx, `SELECT holder, acquired_at FROM run_locks WHERE name = ?`, name).Scan(&other, &since); err != nil {
			return nil, fmt.Errorf("lock %s: %w", name, ErrRunLocked)
		}
		return nil, fmt.Errorf("lock %s held by %s since %s: %w",
			name, other, fromUnixNano(since).Format(time.RFC3339), ErrRunLocked)
	}

	release := func() error {
		_, err := s.db.Exec(`DELETE FROM run_locks WHERE name = ? AND holder = ?`, name, holder)
		return err
	}
	return release, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func dateString(d domain.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
