// Package barcache implements the persistent, crash-safe keyed bar
// store backing the live buffer: a SQLite table keyed by
// (provider, exchange, symbol, timeframe, ts) that survives restarts
// and lets the file updater rebuild the canonical file from cache
// instead of re-downloading history every time.
package barcache

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/barfile"
	"github.com/arai-quant/barrunner/internal/obs"
)

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	provider  TEXT NOT NULL,
	exchange  TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	open      REAL NOT NULL,
	high      REAL NOT NULL,
	low       REAL NOT NULL,
	close     REAL NOT NULL,
	volume    REAL NOT NULL,
	PRIMARY KEY (provider, exchange, symbol, timeframe, ts)
);`

// retryConfig mirrors the teacher's SQLite busy-retry policy.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetry = retryConfig{maxRetries: 5, baseDelay: 10 * time.Millisecond, maxDelay: 500 * time.Millisecond}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "SQLITE_LOCKED")
}

func retryWithBackoff(log zerolog.Logger, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusyError(err) {
			return err
		}
		if attempt < cfg.maxRetries-1 {
			delay := cfg.baseDelay * time.Duration(1<<uint(attempt))
			if delay > cfg.maxDelay {
				delay = cfg.maxDelay
			}
			jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
			delay += jitter
			log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("barcache: retrying after busy error")
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("barcache: retry exhausted: %w", lastErr)
}

// Cache is a SQLite-backed persistent bar store for one database file,
// shared across every symbol key the data service tracks.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the bars table exists.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("barcache: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("barcache: create schema: %w", err)
	}
	return &Cache{db: db, log: obs.NewLogger("barcache", nil, false)}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// HasData reports whether any bar is stored for key.
func (c *Cache) HasData(ctx context.Context, key bar.SymbolKey) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM bars WHERE provider=? AND exchange=? AND symbol=? AND timeframe=? LIMIT 1`,
		key.Provider, key.Exchange, key.Symbol, key.Timeframe.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("barcache: HasData: %w", err)
	}
	return n > 0, nil
}

// LastTS returns the maximum stored ts for key, or 0 if none.
func (c *Cache) LastTS(ctx context.Context, key bar.SymbolKey) (int64, error) {
	return c.aggTS(ctx, key, "MAX")
}

// MinTS returns the minimum stored ts for key, or 0 if none.
func (c *Cache) MinTS(ctx context.Context, key bar.SymbolKey) (int64, error) {
	return c.aggTS(ctx, key, "MIN")
}

func (c *Cache) aggTS(ctx context.Context, key bar.SymbolKey, agg string) (int64, error) {
	start := time.Now()
	defer func() { obs.BarCacheQueryDuration.WithLabelValues(strings.ToLower(agg) + "_ts").Observe(float64(time.Since(start).Milliseconds())) }()
	var ts sql.NullInt64
	q := fmt.Sprintf(`SELECT %s(ts) FROM bars WHERE provider=? AND exchange=? AND symbol=? AND timeframe=?`, agg)
	err := c.db.QueryRowContext(ctx, q, key.Provider, key.Exchange, key.Symbol, key.Timeframe.String()).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("barcache: %s(ts): %w", agg, err)
	}
	return ts.Int64, nil
}

// UpsertBars inserts or updates bars for key. It is safe to call with
// bars already present; on conflict the OHLCV fields are overwritten,
// matching the original's ON CONFLICT DO UPDATE semantics.
func (c *Cache) UpsertBars(ctx context.Context, key bar.SymbolKey, bars []bar.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { obs.BarCacheQueryDuration.WithLabelValues("upsert").Observe(float64(time.Since(start).Milliseconds())) }()

	return retryWithBackoff(c.log, defaultRetry, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("barcache: begin tx: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bars (provider, exchange, symbol, timeframe, ts, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider, exchange, symbol, timeframe, ts) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low,
				close=excluded.close, volume=excluded.volume`)
		if err != nil {
			return fmt.Errorf("barcache: prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, key.Provider, key.Exchange, key.Symbol, key.Timeframe.String(),
				b.TS, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return fmt.Errorf("barcache: upsert ts=%d: %w", b.TS, err)
			}
		}
		return tx.Commit()
	})
}

// RangeScan returns bars for key with ts in [since, until], ordered by
// ascending ts. until <= 0 means "no upper bound".
func (c *Cache) RangeScan(ctx context.Context, key bar.SymbolKey, since, until int64) ([]bar.Bar, error) {
	start := time.Now()
	defer func() { obs.BarCacheQueryDuration.WithLabelValues("range_scan").Observe(float64(time.Since(start).Milliseconds())) }()

	q := `SELECT ts, open, high, low, close, volume FROM bars
		WHERE provider=? AND exchange=? AND symbol=? AND timeframe=? AND ts >= ?`
	args := []any{key.Provider, key.Exchange, key.Symbol, key.Timeframe.String(), since}
	if until > 0 {
		q += ` AND ts <= ?`
		args = append(args, until)
	}
	q += ` ORDER BY ts ASC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("barcache: range scan: %w", err)
	}
	defer rows.Close()

	var out []bar.Bar
	for rows.Next() {
		var b bar.Bar
		if err := rows.Scan(&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("barcache: scan row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// importBatchSize matches the original's streamed-import chunk size.
const importBatchSize = 2000

// ImportFromFile streams bars from a canonical bar file into the cache
// in batches, used by Rule A to load a freshly downloaded history file
// into the cache.
func (c *Cache) ImportFromFile(ctx context.Context, key bar.SymbolKey, store *barfile.Store) error {
	size, err := store.Size()
	if err != nil {
		return fmt.Errorf("barcache: import: %w", err)
	}
	for start := 0; start < size; start += importBatchSize {
		end := start + importBatchSize
		if end > size {
			end = size
		}
		batch := make([]bar.Bar, 0, end-start)
		for i := start; i < end; i++ {
			b, err := store.ReadAt(i)
			if err != nil {
				return fmt.Errorf("barcache: import read %d: %w", i, err)
			}
			batch = append(batch, b)
		}
		if err := c.UpsertBars(ctx, key, batch); err != nil {
			return fmt.Errorf("barcache: import upsert batch starting %d: %w", start, err)
		}
	}
	return nil
}

// ExportToFile truncates store and rewrites it from the cache's full
// ordered history for key.
func (c *Cache) ExportToFile(ctx context.Context, key bar.SymbolKey, store *barfile.Store) error {
	return c.exportSince(ctx, key, store, 0)
}

// ExportToFileSince is like ExportToFile but only exports bars with
// ts >= since, matching the original's export_to_ohlcv_since.
func (c *Cache) ExportToFileSince(ctx context.Context, key bar.SymbolKey, store *barfile.Store, since int64) error {
	return c.exportSince(ctx, key, store, since)
}

func (c *Cache) exportSince(ctx context.Context, key bar.SymbolKey, store *barfile.Store, since int64) error {
	if err := store.Remove(); err != nil {
		return fmt.Errorf("barcache: export: %w", err)
	}
	bars, err := c.RangeScan(ctx, key, since, 0)
	if err != nil {
		return fmt.Errorf("barcache: export: %w", err)
	}
	if err := store.Append(bars...); err != nil {
		return fmt.Errorf("barcache: export write: %w", err)
	}
	return nil
}
