package barcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/barfile"
)

func testKey() bar.SymbolKey {
	return bar.SymbolKey{Provider: "binance", Exchange: "binance", Symbol: "BTC/USDT", Timeframe: bar.Timeframe{Unit: 'm', Multiplier: 1}}
}

func TestUpsertAndRangeScan(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	key := testKey()

	ok, err := c.HasData(ctx, key)
	if err != nil || ok {
		t.Fatalf("HasData on empty cache = %v, %v, want false, nil", ok, err)
	}

	bars := []bar.Bar{
		{TS: 60, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{TS: 120, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 11},
		{TS: 180, Open: 2, High: 2.2, Low: 1.8, Close: 2.1, Volume: 12},
	}
	if err := c.UpsertBars(ctx, key, bars); err != nil {
		t.Fatalf("UpsertBars: %v", err)
	}

	ok, err = c.HasData(ctx, key)
	if err != nil || !ok {
		t.Fatalf("HasData after upsert = %v, %v, want true, nil", ok, err)
	}

	last, err := c.LastTS(ctx, key)
	if err != nil || last != 180 {
		t.Fatalf("LastTS = %d, %v, want 180, nil", last, err)
	}
	first, err := c.MinTS(ctx, key)
	if err != nil || first != 60 {
		t.Fatalf("MinTS = %d, %v, want 60, nil", first, err)
	}

	got, err := c.RangeScan(ctx, key, 120, 0)
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(got) != 2 || got[0].TS != 120 || got[1].TS != 180 {
		t.Fatalf("RangeScan(120, 0) = %+v, want bars at 120 and 180", got)
	}

	// Upsert with a modified close at the same ts must overwrite, not duplicate.
	if err := c.UpsertBars(ctx, key, []bar.Bar{{TS: 180, Open: 2, High: 2.2, Low: 1.8, Close: 9.9, Volume: 12}}); err != nil {
		t.Fatalf("UpsertBars overwrite: %v", err)
	}
	all, err := c.RangeScan(ctx, key, 0, 0)
	if err != nil {
		t.Fatalf("RangeScan all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3 (overwrite must not duplicate)", len(all))
	}
	if all[2].Close != 9.9 {
		t.Fatalf("all[2].Close = %v, want 9.9", all[2].Close)
	}
}

func TestImportExportRoundtrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	key := testKey()

	src := barfile.Open(filepath.Join(dir, "src.ohlcv"))
	bars := []bar.Bar{
		{TS: 60, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{TS: 120, Open: 2, High: 2, Low: 2, Close: 2, Volume: 2},
	}
	if err := src.Append(bars...); err != nil {
		t.Fatalf("Append to src: %v", err)
	}

	if err := c.ImportFromFile(ctx, key, src); err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}

	dst := barfile.Open(filepath.Join(dir, "dst.ohlcv"))
	if err := c.ExportToFile(ctx, key, dst); err != nil {
		t.Fatalf("ExportToFile: %v", err)
	}
	size, err := dst.Size()
	if err != nil || size != 2 {
		t.Fatalf("dst.Size() = %d, %v, want 2, nil", size, err)
	}
}
