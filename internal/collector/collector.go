package collector

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/obs"
	"github.com/arai-quant/barrunner/internal/provider"
)

// Collector watches a provider's trade stream and folds trades into
// the live buffer through the canonical build-OHLC aggregation for a
// single timeframe, in the style of the teacher's OHLCEngine
// (timestamp-aligned buckets, replace-in-place while a bucket is still
// open, append on rollover).
type Collector struct {
	key    bar.SymbolKey
	client provider.ExchangeClient
	buf    *Buffer
	log    zerolog.Logger
}

// NewCollector builds a Collector for key, streaming trades through
// client into buf.
func NewCollector(key bar.SymbolKey, client provider.ExchangeClient, buf *Buffer, w io.Writer) *Collector {
	log := obs.WithSymbol(obs.NewLogger("collector", w, false), key.Provider, key.Exchange, key.Symbol, key.Timeframe.String())
	return &Collector{key: key, client: client, buf: buf, log: log}
}

// Run streams trades until ctx is cancelled, reconnecting (via the
// client's own WatchTrades reconnect loop) on stream errors. Every
// trade is folded into the current timeframe bucket; a bucket rollover
// appends a fresh bar to the buffer and increments the bars-generated
// metric.
func (c *Collector) Run(ctx context.Context) error {
	ch := make(chan provider.Trade, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.client.WatchTrades(ctx, c.key.Symbol, ch)
	}()

	var current bar.Bar
	haveCurrent := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case t, ok := <-ch:
			if !ok {
				return <-errCh
			}
			bucketTS := c.key.Timeframe.AlignMillis(t.TS)
			if !haveCurrent || bucketTS != current.TS {
				if haveCurrent {
					c.buf.Upsert(current)
					obs.BarsGenerated.WithLabelValues(c.key.Symbol, c.key.Timeframe.String()).Inc()
				}
				current = bar.Bar{TS: bucketTS, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Size}
				haveCurrent = true
			} else {
				current.High = max(current.High, t.Price)
				current.Low = min(current.Low, t.Price)
				current.Close = t.Price
				current.Volume += t.Size
			}
			c.buf.Upsert(current)
		}
	}
}
