// Package provider defines the exchange-facing interfaces the
// collector, gap fixer and file updater depend on, plus a reference
// REST/WebSocket implementation rate-limited against a generic
// exchange HTTP+WS surface.
package provider

import (
	"context"
	"time"

	"github.com/arai-quant/barrunner/internal/bar"
)

// Trade is one raw trade tick as received from the exchange stream.
type Trade struct {
	TS    int64 // milliseconds
	Price float64
	Size  float64
}

// ExchangeClient is the live-streaming side: watching trades and
// reading exchange-side time, the two operations the Collector and Gap
// Fixer tasks depend on.
type ExchangeClient interface {
	// WatchTrades streams trades for symbol onto ch until ctx is
	// cancelled or the stream errors. Implementations must close ch
	// before returning.
	WatchTrades(ctx context.Context, symbol string, ch chan<- Trade) error

	// FetchTime returns the exchange's current server time in
	// milliseconds. The gap fixer falls back to local time on error.
	FetchTime(ctx context.Context) (int64, error)

	// FetchCandles fetches bars for symbol/timeframe since sinceMs; the
	// REST client's history downloads are built on it.
	FetchCandles(ctx context.Context, symbol string, tf bar.Timeframe, sinceMs int64) ([]bar.Bar, error)

	// Close releases any held connections.
	Close() error
}

// HistoryDownloader performs bulk and ranged history downloads, used
// by Rule A's full-history path and the cache's backfill path.
type HistoryDownloader interface {
	// DownloadHistory fetches the full history for symbol/timeframe
	// since sinceMs and writes it directly to dstPath as a canonical
	// bar file, with no intermediate temp file.
	DownloadHistory(ctx context.Context, symbol string, tf bar.Timeframe, sinceMs int64, dstPath string) error

	// DownloadRange fetches bars in [sinceMs, untilMs] and returns them
	// directly, for backfilling the cache without touching the
	// canonical file.
	DownloadRange(ctx context.Context, symbol string, tf bar.Timeframe, sinceMs, untilMs int64) ([]bar.Bar, error)
}

// DefaultHistoryWindow returns the default history window duration used
// when history_since is empty or resolves to a future date: two
// months, or one month at the 1-minute timeframe.
func DefaultHistoryWindow(tf bar.Timeframe) time.Duration {
	if tf.Unit == 'm' && tf.Multiplier == 1 {
		return 30 * 24 * time.Hour
	}
	return 60 * 24 * time.Hour
}
