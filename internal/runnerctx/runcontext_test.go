package runnerctx

import (
	"path/filepath"
	"testing"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/barfile"
	"github.com/arai-quant/barrunner/internal/bus"
	"github.com/arai-quant/barrunner/internal/runnerctx/teststrategy"
)

func seedFile(t *testing.T, path string, n int) *barfile.Store {
	t.Helper()
	store := barfile.Open(path)
	bars := make([]bar.Bar, n)
	for i := range bars {
		ts := int64(60 * (i + 1))
		bars[i] = bar.Bar{TS: ts, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}
	}
	if err := store.Append(bars...); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	return store
}

func TestHandlePrerunReadyNormal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ohlcv")
	seedFile(t, path, 5)

	var strat *teststrategy.Strategy
	o := &Orchestrator{
		NewStrategy: func() Strategy { strat = teststrategy.New(); return strat },
		TfMillis:    60000,
	}

	payload := bus.PrerunReadyPayload{
		OhlcvPath: path,
		Bars: []bus.BarPair{
			{TS: 240000, Close: 1},
			{TS: 300000, Close: 1},
		},
	}
	if _, err := o.HandlePrerunReady(payload, SymbolInfo{Symbol: "BTC/USDT"}, false); err != nil {
		t.Fatalf("HandlePrerunReady: %v", err)
	}

	// effectiveSize = 5, prerun_range = effectiveSize-1 = 4 steps.
	if len(strat.Observations) != 4 {
		t.Fatalf("len(Observations) = %d, want 4", len(strat.Observations))
	}
	for _, obs := range strat.Observations {
		if !obs.PreRun {
			t.Fatalf("expected all normal-prerun steps to have PreRun=true, got %+v", obs)
		}
	}
	if strat.LastBarIndex != 4 {
		t.Fatalf("LastBarIndex = %d, want effectiveSize-1=4", strat.LastBarIndex)
	}
	if o.Current() == nil {
		t.Fatalf("expected a live Run Context to remain after a normal prerun_ready")
	}
	if o.Current().LastNewBarTSSec != 300 {
		t.Fatalf("LastNewBarTSSec = %d, want 300", o.Current().LastNewBarTSSec)
	}
}

// seedFileWithGap writes n bars in order, rewriting the bar at gapIdx
// to carry the Volume<0 historical-gap sentinel used to mark missing
// history, matching the canonical file's own gap-fill representation.
func seedFileWithGap(t *testing.T, path string, n, gapIdx int) *barfile.Store {
	t.Helper()
	store := barfile.Open(path)
	bars := make([]bar.Bar, n)
	for i := range bars {
		ts := int64(60 * (i + 1))
		bars[i] = bar.Bar{TS: ts, Open: float64(i + 1), High: 1, Low: 1, Close: 1, Volume: 1}
	}
	bars[gapIdx].Volume = -1
	if err := store.Append(bars...); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	return store
}

func TestHandlePrerunReadySkipsGapSentinelBars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ohlcv")
	// 6 bars on disk, one of them (index 2) a gap sentinel -> 5 real bars.
	seedFileWithGap(t, path, 6, 2)

	var strat *teststrategy.Strategy
	o := &Orchestrator{
		NewStrategy: func() Strategy { strat = teststrategy.New(); return strat },
		TfMillis:    60000,
	}

	lastBarIndex, err := o.HandlePrerunReady(bus.PrerunReadyPayload{OhlcvPath: path}, SymbolInfo{}, true)
	if err != nil {
		t.Fatalf("HandlePrerunReady: %v", err)
	}

	// effectiveSize = 6 - 1 gap = 5, so last_bar_index = 4, and the
	// after-download variant steps through all 5 effective bars.
	if lastBarIndex != 4 {
		t.Fatalf("lastBarIndex = %d, want 4 (effectiveSize-1 with the gap bar excluded)", lastBarIndex)
	}
	if len(strat.Observations) != 5 {
		t.Fatalf("len(Observations) = %d, want 5 (gap bar must not reach the strategy)", len(strat.Observations))
	}
	for _, obs := range strat.Observations {
		if obs.Bar.Volume < 0 {
			t.Fatalf("observed a gap-sentinel bar: %+v", obs.Bar)
		}
	}
	// The real bar that sat after the gap bar on disk (Open=4) must
	// still appear in the replay — an index-bounded [0, effectiveSize)
	// read would have dropped it.
	var sawFourthOpen bool
	for _, obs := range strat.Observations {
		if obs.Bar.Open == 4 {
			sawFourthOpen = true
		}
	}
	if !sawFourthOpen {
		t.Fatalf("expected the real bar following the gap sentinel to survive replay, observations: %+v", strat.Observations)
	}
}

func TestHandlePrerunReadyAfterDownloadDestroysImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ohlcv")
	seedFile(t, path, 5)

	var strat *teststrategy.Strategy
	o := &Orchestrator{
		NewStrategy: func() Strategy { strat = teststrategy.New(); return strat },
		TfMillis:    60000,
	}

	payload := bus.PrerunReadyPayload{OhlcvPath: path}
	if _, err := o.HandlePrerunReady(payload, SymbolInfo{}, true); err != nil {
		t.Fatalf("HandlePrerunReady (after download): %v", err)
	}

	// prerun_range = effectiveSize-1 (4) pre-run steps, plus one extra
	// step with PreRun=false.
	if len(strat.Observations) != 5 {
		t.Fatalf("len(Observations) = %d, want 5", len(strat.Observations))
	}
	if strat.Observations[4].PreRun {
		t.Fatalf("expected the final step to observe the in-progress bar with PreRun=false")
	}
	if !strat.Destroyed() {
		t.Fatalf("expected strategy to be destroyed immediately after the download variant")
	}
	if o.Current() != nil {
		t.Fatalf("expected no live Run Context after the download variant")
	}
}

func TestHandleRunReadyIncrementsOnExactInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ohlcv")
	seedFile(t, path, 3)

	var strat *teststrategy.Strategy
	o := &Orchestrator{
		NewStrategy: func() Strategy { strat = teststrategy.New(); return strat },
		TfMillis:    60000,
	}
	if _, err := o.HandlePrerunReady(bus.PrerunReadyPayload{
		OhlcvPath: path,
		Bars:      []bus.BarPair{{TS: 120000}, {TS: 180000}},
	}, SymbolInfo{}, false); err != nil {
		t.Fatalf("HandlePrerunReady: %v", err)
	}
	preStepCount := len(strat.Observations)

	err := o.HandleRunReady(bus.RunReadyPayload{
		Bars: []bus.BarPair{{TS: 180000, Close: 1}, {TS: 240000, Close: 2}},
	})
	if err != nil {
		t.Fatalf("HandleRunReady: %v", err)
	}
	// The stream yields both the just-confirmed bar (replacing the
	// placeholder left over from prerun) and the fresh in-progress bar,
	// so an exact-interval run_ready drains two steps.
	if len(strat.Observations) != preStepCount+2 {
		t.Fatalf("Observations = %d, want %d (two additional steps)", len(strat.Observations), preStepCount+2)
	}
	if !strat.Destroyed() {
		t.Fatalf("expected strategy destroyed after run_ready")
	}
	if o.Current() != nil {
		t.Fatalf("expected Run Context cleared after run_ready")
	}
}

func TestHandleRunReadySkipsStepOnNonAlignedInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ohlcv")
	seedFile(t, path, 3)

	var strat *teststrategy.Strategy
	o := &Orchestrator{
		NewStrategy: func() Strategy { strat = teststrategy.New(); return strat },
		TfMillis:    60000,
	}
	if _, err := o.HandlePrerunReady(bus.PrerunReadyPayload{
		OhlcvPath: path,
		Bars:      []bus.BarPair{{TS: 120000}, {TS: 180000}},
	}, SymbolInfo{}, false); err != nil {
		t.Fatalf("HandlePrerunReady: %v", err)
	}
	preStepCount := len(strat.Observations)

	// 90s later, not exactly one 60s timeframe -> must not increment.
	err := o.HandleRunReady(bus.RunReadyPayload{
		Bars: []bus.BarPair{{TS: 180000, Close: 1}, {TS: 270000, Close: 2}},
	})
	if err != nil {
		t.Fatalf("HandleRunReady: %v", err)
	}
	if len(strat.Observations) != preStepCount {
		t.Fatalf("expected no additional step on a non-aligned interval, got %d new observations", len(strat.Observations)-preStepCount)
	}
}
