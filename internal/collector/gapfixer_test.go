package collector

import (
	"context"
	"testing"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/provider"
)

type fakeClient struct {
	timeMs int64
	timeErr error
}

func (f *fakeClient) WatchTrades(ctx context.Context, symbol string, ch chan<- provider.Trade) error {
	close(ch)
	return nil
}
func (f *fakeClient) FetchTime(ctx context.Context) (int64, error) { return f.timeMs, f.timeErr }
func (f *fakeClient) FetchCandles(ctx context.Context, symbol string, tf bar.Timeframe, sinceMs int64) ([]bar.Bar, error) {
	return nil, nil
}
func (f *fakeClient) Close() error { return nil }

func TestGapFixerInsertsFillPastGrace(t *testing.T) {
	key := bar.SymbolKey{Provider: "p", Exchange: "e", Symbol: "BTC/USDT", Timeframe: bar.Timeframe{Unit: 'm', Multiplier: 1}}
	buf := NewBuffer()
	tfMs := key.Timeframe.Millis()
	buf.Seed([]bar.Bar{{TS: 0, Close: 5}, {TS: tfMs, Close: 5}})

	expected := 2 * tfMs
	client := &fakeClient{timeMs: expected + 201} // past the expected boundary + 200ms grace
	gf := NewGapFixer(key, client, buf, nil)

	gf.tick(context.Background())

	snap := buf.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected a fill bar inserted, got %+v", snap)
	}
	if !snap[2].IsFill() || snap[2].TS != expected {
		t.Fatalf("unexpected fill bar: %+v", snap[2])
	}
}

func TestGapFixerNoFillWithFewerThanTwoBars(t *testing.T) {
	key := bar.SymbolKey{Provider: "p", Exchange: "e", Symbol: "BTC/USDT", Timeframe: bar.Timeframe{Unit: 'm', Multiplier: 1}}
	buf := NewBuffer()
	buf.Seed([]bar.Bar{{TS: 0, Close: 5}})

	tfMs := key.Timeframe.Millis()
	client := &fakeClient{timeMs: tfMs + 201} // would be past grace if the precondition were ignored
	gf := NewGapFixer(key, client, buf, nil)
	gf.tick(context.Background())

	if buf.Len() != 1 {
		t.Fatalf("expected no fill bar with fewer than 2 buffered bars, got %d bars", buf.Len())
	}
}

func TestGapFixerNoFillBeforeGrace(t *testing.T) {
	key := bar.SymbolKey{Provider: "p", Exchange: "e", Symbol: "BTC/USDT", Timeframe: bar.Timeframe{Unit: 'm', Multiplier: 1}}
	buf := NewBuffer()
	tfMs := key.Timeframe.Millis()
	buf.Seed([]bar.Bar{{TS: 0, Close: 5}, {TS: tfMs, Close: 5}})

	client := &fakeClient{timeMs: tfMs}
	gf := NewGapFixer(key, client, buf, nil)
	gf.tick(context.Background())

	if buf.Len() != 2 {
		t.Fatalf("expected no fill bar before the boundary, got %d bars", buf.Len())
	}
}

func TestGapFixerFallsBackToLocalTimeOnFetchError(t *testing.T) {
	key := bar.SymbolKey{Provider: "p", Exchange: "e", Symbol: "BTC/USDT", Timeframe: bar.Timeframe{Unit: 'm', Multiplier: 1}}
	buf := NewBuffer()
	tfMs := key.Timeframe.Millis()
	buf.Seed([]bar.Bar{{TS: 0, Close: 5}, {TS: tfMs, Close: 5}})

	client := &fakeClient{timeErr: context.DeadlineExceeded}
	gf := NewGapFixer(key, client, buf, nil)
	// Should not panic, and falls back to time.Now() internally.
	gf.tick(context.Background())
}
