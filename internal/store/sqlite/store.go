// Package sqlite persists bars, ticks and coverage metadata in a single
// local SQLite file. All mutations commit synchronously before returning;
// writes for the same (symbol, timeframe) series are serialized by a
// per-series lock so coverage merging stays consistent.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tickvault/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/tickvault.db"

	// OnCommit, when set, receives the latency of each write
	// transaction commit. Used to feed the commit histogram.
	OnCommit func(time.Duration)
}

// Store owns all persisted series data.
type Store struct {
	db       *sql.DB
	log      *slog.Logger
	onCommit func(time.Duration)

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per (symbol, timeframe) write lock
}

// New opens the database with WAL mode and creates the schema.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// sqlite allows one writer; readers go through WAL snapshots.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("sqlite store opened", slog.String("path", cfg.DBPath))
	return &Store{db: db, log: log, onCommit: cfg.OnCommit, locks: make(map[string]*sync.Mutex)}, nil
}

// commit commits a write transaction and reports its latency.
func (s *Store) commit(tx *sql.Tx) error {
	began := time.Now()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	if s.onCommit != nil {
		s.onCommit(time.Since(began))
	}
	return nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			ts        INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts)
		);

		CREATE TABLE IF NOT EXISTS ticks (
			symbol     TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			bid        REAL    NOT NULL,
			ask        REAL    NOT NULL,
			bid_volume REAL    NOT NULL,
			ask_volume REAL    NOT NULL,
			PRIMARY KEY (symbol, ts)
		);

		CREATE TABLE IF NOT EXISTS coverage (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			start_ms  INTEGER NOT NULL,
			end_ms    INTEGER NOT NULL,
			updated   INTEGER NOT NULL,
			PRIMARY KEY (symbol, timeframe, start_ms)
		);

		CREATE INDEX IF NOT EXISTS idx_bars_ts ON bars (symbol, timeframe, ts);
		CREATE INDEX IF NOT EXISTS idx_ticks_ts ON ticks (symbol, ts);
	`)
	return err
}

// seriesLock returns the write lock for one (symbol, timeframe) series.
func (s *Store) seriesLock(symbol string, tf model.Timeframe) *sync.Mutex {
	key := symbol + ":" + string(tf)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Coverage returns the merged, sorted interval set known to be persisted
// for the series. Ticks use tf = model.TFTick.
func (s *Store) Coverage(ctx context.Context, symbol string, tf model.Timeframe) ([]model.CoverageRange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_ms, end_ms FROM coverage
		WHERE symbol = ? AND timeframe = ?
		ORDER BY start_ms ASC
	`, symbol, string(tf))
	if err != nil {
		return nil, fmt.Errorf("sqlite query coverage: %w", err)
	}
	defer rows.Close()

	var ranges []model.CoverageRange
	for rows.Next() {
		var startMS, endMS int64
		if err := rows.Scan(&startMS, &endMS); err != nil {
			return nil, fmt.Errorf("sqlite scan coverage: %w", err)
		}
		ranges = append(ranges, model.CoverageRange{
			Symbol:    symbol,
			Timeframe: tf,
			Start:     time.UnixMilli(startMS).UTC(),
			End:       time.UnixMilli(endMS).UTC(),
		})
	}
	return ranges, rows.Err()
}

// coverageOverlaps reports whether any stored range intersects [start, end).
func (s *Store) coverageOverlaps(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM coverage
		WHERE symbol = ? AND timeframe = ? AND start_ms < ? AND end_ms > ?
		LIMIT 1
	`, symbol, string(tf), end.UnixMilli(), start.UnixMilli()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite check coverage: %w", err)
	}
	return true, nil
}

// QueryBars returns stored bars in [start, end) ordered by open time.
// Returns model.ErrNotFound when no coverage overlaps the range.
func (s *Store) QueryBars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Bar, error) {
	ok, err := s.coverageOverlaps(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %s [%s, %s)", model.ErrNotFound,
			symbol, tf, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, symbol, string(tf), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		b := model.Bar{Symbol: symbol, Timeframe: tf}
		var ts int64
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.OpenTime = time.UnixMilli(ts).UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// QueryTicks returns stored ticks in [start, end) ordered by timestamp.
// Returns model.ErrNotFound when no tick coverage overlaps the range.
func (s *Store) QueryTicks(ctx context.Context, symbol string, start, end time.Time) ([]model.Tick, error) {
	ok, err := s.coverageOverlaps(ctx, symbol, model.TFTick, start, end)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s ticks [%s, %s)", model.ErrNotFound,
			symbol, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, bid, ask, bid_volume, ask_volume
		FROM ticks
		WHERE symbol = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []model.Tick
	for rows.Next() {
		t := model.Tick{Symbol: symbol}
		var ts int64
		if err := rows.Scan(&ts, &t.Bid, &t.Ask, &t.BidVolume, &t.AskVolume); err != nil {
			return nil, fmt.Errorf("sqlite scan ticks: %w", err)
		}
		t.Time = time.UnixMilli(ts).UTC()
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// WriteBars upserts bars and merges covered into the series coverage set,
// coalescing with overlapping and adjacent stored ranges. Idempotent:
// writing the same batch twice leaves rows and coverage unchanged.
func (s *Store) WriteBars(ctx context.Context, bars []model.Bar, covered model.CoverageRange) error {
	if covered.IsZero() {
		return fmt.Errorf("sqlite write bars: empty covered range")
	}
	lock := s.seriesLock(covered.Symbol, covered.Timeframe)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlite prepare bars: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, string(b.Timeframe), b.OpenTime.UnixMilli(),
			b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("sqlite insert bar: %w", err)
		}
	}

	if err := mergeCoverage(ctx, tx, covered); err != nil {
		return err
	}
	if err := s.commit(tx); err != nil {
		return err
	}
	s.log.Debug("bars written",
		slog.String("symbol", covered.Symbol),
		slog.String("timeframe", string(covered.Timeframe)),
		slog.Int("records", len(bars)))
	return nil
}

// WriteTicks upserts ticks (deduplicated by timestamp) and merges covered
// into the tick coverage set.
func (s *Store) WriteTicks(ctx context.Context, ticks []model.Tick, covered model.CoverageRange) error {
	if covered.IsZero() {
		return fmt.Errorf("sqlite write ticks: empty covered range")
	}
	covered.Timeframe = model.TFTick

	lock := s.seriesLock(covered.Symbol, model.TFTick)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO ticks (symbol, ts, bid, ask, bid_volume, ask_volume)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlite prepare ticks: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.Symbol, t.Time.UnixMilli(),
			t.Bid, t.Ask, t.BidVolume, t.AskVolume); err != nil {
			return fmt.Errorf("sqlite insert tick: %w", err)
		}
	}

	if err := mergeCoverage(ctx, tx, covered); err != nil {
		return err
	}
	if err := s.commit(tx); err != nil {
		return err
	}
	s.log.Debug("ticks written",
		slog.String("symbol", covered.Symbol),
		slog.Int("records", len(ticks)))
	return nil
}

// mergeCoverage replaces all stored ranges that overlap or touch covered
// with a single coalesced range, inside the caller's transaction.
func mergeCoverage(ctx context.Context, tx *sql.Tx, covered model.CoverageRange) error {
	startMS, endMS := covered.Start.UnixMilli(), covered.End.UnixMilli()

	rows, err := tx.QueryContext(ctx, `
		SELECT start_ms, end_ms FROM coverage
		WHERE symbol = ? AND timeframe = ? AND start_ms <= ? AND end_ms >= ?
	`, covered.Symbol, string(covered.Timeframe), endMS, startMS)
	if err != nil {
		return fmt.Errorf("sqlite coverage lookup: %w", err)
	}
	for rows.Next() {
		var s, e int64
		if err := rows.Scan(&s, &e); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite coverage scan: %w", err)
		}
		if s < startMS {
			startMS = s
		}
		if e > endMS {
			endMS = e
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM coverage
		WHERE symbol = ? AND timeframe = ? AND start_ms <= ? AND end_ms >= ?
	`, covered.Symbol, string(covered.Timeframe), endMS, startMS); err != nil {
		return fmt.Errorf("sqlite coverage delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO coverage (symbol, timeframe, start_ms, end_ms, updated)
		VALUES (?, ?, ?, ?, ?)
	`, covered.Symbol, string(covered.Timeframe), startMS, endMS, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("sqlite coverage insert: %w", err)
	}
	return nil
}

// Delete removes all records and coverage for one series. Deleting an
// absent series is a no-op.
func (s *Store) Delete(ctx context.Context, symbol string, tf model.Timeframe) error {
	lock := s.seriesLock(symbol, tf)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if tf == model.TFTick {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ticks WHERE symbol = ?`, symbol); err != nil {
			return fmt.Errorf("sqlite delete ticks: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bars WHERE symbol = ? AND timeframe = ?`,
			symbol, string(tf)); err != nil {
			return fmt.Errorf("sqlite delete bars: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM coverage WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf)); err != nil {
		return fmt.Errorf("sqlite delete coverage: %w", err)
	}
	if err := s.commit(tx); err != nil {
		return err
	}
	s.log.Info("series deleted", slog.String("symbol", symbol), slog.String("timeframe", string(tf)))
	return nil
}

// SeriesInfo summarizes one stored series.
type SeriesInfo struct {
	Symbol    string
	Timeframe model.Timeframe
	Start     time.Time
	End       time.Time
	Ranges    int
	Records   int64
	Updated   time.Time
}

// Info summarizes every stored series: total span, number of coverage
// ranges, record count and last update time.
func (s *Store) Info(ctx context.Context) ([]SeriesInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, MIN(start_ms), MAX(end_ms), COUNT(*), MAX(updated)
		FROM coverage
		GROUP BY symbol, timeframe
		ORDER BY symbol, timeframe
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query info: %w", err)
	}
	defer rows.Close()

	var infos []SeriesInfo
	for rows.Next() {
		var info SeriesInfo
		var tf string
		var startMS, endMS, updated int64
		if err := rows.Scan(&info.Symbol, &tf, &startMS, &endMS, &info.Ranges, &updated); err != nil {
			return nil, fmt.Errorf("sqlite scan info: %w", err)
		}
		info.Timeframe = model.Timeframe(tf)
		info.Start = time.UnixMilli(startMS).UTC()
		info.End = time.UnixMilli(endMS).UTC()
		info.Updated = time.UnixMilli(updated).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range infos {
		if err := s.countRecords(ctx, &infos[i]); err != nil {
			return nil, err
		}
	}
	return infos, nil
}

func (s *Store) countRecords(ctx context.Context, info *SeriesInfo) error {
	var q string
	args := []any{info.Symbol}
	if info.Timeframe == model.TFTick {
		q = `SELECT COUNT(*) FROM ticks WHERE symbol = ?`
	} else {
		q = `SELECT COUNT(*) FROM bars WHERE symbol = ? AND timeframe = ?`
		args = append(args, string(info.Timeframe))
	}
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&info.Records); err != nil {
		return fmt.Errorf("sqlite count records: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
