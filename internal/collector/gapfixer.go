package collector

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/obs"
	"github.com/arai-quant/barrunner/internal/provider"
)

// GapFixer polls the exchange clock and, when the buffer's last bar is
// older than one full timeframe relative to "now", inserts a synthetic
// fill bar at the expected boundary so the buffer never silently stalls
// when the trade stream goes quiet. Mirrors the original's
// fix_missing_bars_loop, including its 200ms grace window and its
// fall back to local time when fetching exchange time fails.
type GapFixer struct {
	key          bar.SymbolKey
	client       provider.ExchangeClient
	buf          *Buffer
	pollInterval time.Duration
	grace        time.Duration
	log          zerolog.Logger
}

// NewGapFixer builds a GapFixer polling every 100ms with a 200ms grace
// window, matching the original's check_interval_sec/grace_ms.
func NewGapFixer(key bar.SymbolKey, client provider.ExchangeClient, buf *Buffer, w io.Writer) *GapFixer {
	log := obs.WithSymbol(obs.NewLogger("gapfixer", w, false), key.Provider, key.Exchange, key.Symbol, key.Timeframe.String())
	return &GapFixer{
		key:          key,
		client:       client,
		buf:          buf,
		pollInterval: 100 * time.Millisecond,
		grace:        200 * time.Millisecond,
		log:          log,
	}
}

// Run polls until ctx is cancelled.
func (g *GapFixer) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *GapFixer) tick(ctx context.Context) {
	if g.buf.Len() < 2 {
		return
	}
	last, ok := g.buf.LastBar()
	if !ok {
		return
	}

	nowMs, err := g.client.FetchTime(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("gapfixer: fetch exchange time failed, falling back to local clock")
		nowMs = time.Now().UnixMilli()
	}

	tfMs := g.key.Timeframe.Millis()
	expected := last.TS + tfMs
	if nowMs < expected+g.grace.Milliseconds() {
		return
	}

	if g.buf.TryInsertFill(expected, last.Close) {
		obs.GapFillsTotal.WithLabelValues(g.key.Symbol, g.key.Timeframe.String()).Inc()
		g.log.Info().Int64("ts", expected).Msg("gapfixer: inserted synthetic fill bar")
	}
}
