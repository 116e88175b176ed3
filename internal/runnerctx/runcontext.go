package runnerctx

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/barfile"
	"github.com/arai-quant/barrunner/internal/bus"
)

// RunContext is the per-lifecycle-event state a strategy runs inside:
// one Strategy instance, one bar stream, and the timestamp (seconds)
// of the new bar from the prerun event, used to decide whether the next run_ready is exactly one
// timeframe later. A Run Context is never reused across lifecycle
// events — each prerun_ready/prerun_ready_after_history_download
// allocates a fresh one.
type RunContext struct {
	ID               string
	Strategy         Strategy
	Stream           *BarStream
	LastNewBarTSSec  int64
}

// consumeN drains exactly n bars from the Run Context's stream,
// stepping the strategy for each with the given preRun flag, and
// returns early if the stream finishes before n bars arrive. A step
// error is logged, not propagated, matching the original's tolerant
// step loop that only checks for stream exhaustion.
func (rc *RunContext) consumeN(n int, preRun bool, log zerolog.Logger) {
	for i := 0; i < n; i++ {
		b, ok := rc.Stream.Next()
		if !ok {
			return
		}
		if err := rc.Strategy.Step(b, preRun); err != nil {
			log.Error().Err(err).Msg("runnerctx: strategy step failed")
		}
	}
}

// StrategyFactory builds a fresh Strategy for a new Run Context.
type StrategyFactory func() Strategy

// Orchestrator turns bus lifecycle events into Run Context creation,
// pre-run replay, and (for run_ready) the single-step live advance,
// matching runner_service/main.py's event dispatch.
type Orchestrator struct {
	NewStrategy StrategyFactory
	TfMillis    int64
	Log         zerolog.Logger

	ctx *RunContext
}

// readEffectiveBars reads store cover-to-cover and drops every bar with
// Volume < 0: those are historical-gap sentinels, read-only markers that
// must never be fed to a strategy or emitted on the bus. effectiveSize
// is len(effective) and sizes last_bar_index, matching
// runner_service/main.py's ready_scrip_runner, which counts
// `ohlcv.volume<0` gaps and then feeds the reader as a filtered
// iterator rather than slicing it by index.
func readEffectiveBars(store *barfile.Store) (effective []bar.Bar, gaps int, err error) {
	bars, err := store.ReadTail(0)
	if err != nil {
		return nil, 0, fmt.Errorf("runnerctx: read canonical file: %w", err)
	}
	effective = make([]bar.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Volume < 0 {
			gaps++
			continue
		}
		effective = append(effective, b)
	}
	return effective, gaps, nil
}

// HandlePrerunReady starts a fresh Run Context and replays history
// through the Run Context's bar stream, consumed by a background
// worker goroutine exactly the way runner_service/main.py's
// ready_scrip_runner feeds an AppendableIterable in the background
// while ScriptRunner.step() drains it. afterDownload distinguishes
// prerun_ready_after_history_download (one extra step with
// pre_run=false so the in-progress bar is observed, then the Run
// Context is destroyed immediately) from a normal prerun_ready (kept
// alive, with exactly one bar left unconsumed in the stream, for the
// subsequent run_ready).
func (o *Orchestrator) HandlePrerunReady(payload bus.PrerunReadyPayload, info SymbolInfo, afterDownload bool) (lastBarIndex int, err error) {
	store := barfile.Open(payload.OhlcvPath)
	effectiveBars, _, err := readEffectiveBars(store)
	if err != nil {
		return 0, err
	}
	effectiveSize := len(effectiveBars)
	lastBarIndex = effectiveSize - 1

	strategy := o.NewStrategy()
	strategy.SetGlobals(info, lastBarIndex)

	rc := &RunContext{
		ID:       uuid.NewString(),
		Strategy: strategy,
		Stream:   NewBarStream(),
	}

	// Feed every non-gap bar in the file, including the still-open
	// last one: the worker below only consumes prerunRange of them,
	// leaving exactly one bar queued but unconsumed — the in-progress
	// bar run_ready's ReplaceLast later overwrites with its confirmed
	// values.
	for _, b := range effectiveBars {
		rc.Stream.Append(b.ToMillis().Narrow())
	}

	prerunRange := effectiveSize - 1
	done := make(chan struct{})
	go func() {
		defer close(done)
		rc.consumeN(prerunRange, true, o.Log)
		if afterDownload {
			rc.consumeN(1, false, o.Log)
		}
	}()
	<-done

	if len(payload.Bars) >= 2 {
		rc.LastNewBarTSSec = payload.Bars[1].TS / 1000
	} else if last, err := store.LastTimestamp(); err == nil {
		rc.LastNewBarTSSec = last
	}

	if afterDownload {
		strategy.Destroy()
		return lastBarIndex, nil
	}

	o.ctx = rc
	return lastBarIndex, nil
}

// HandleRunReady feeds the confirmed/new bar pair into the live Run
// Context and steps the strategy over both bars only when the new bar's
// ts is exactly one timeframe after the prerun event's new bar; on any
// other interval no step is taken. The last_bar_index handed to
// SetGlobals at pre-run is not changed here, matching the gate in
// runner_service/main.py's `incremented_size = 1 if interval_ms ==
// timeframe_ms else 0`.
func (o *Orchestrator) HandleRunReady(payload bus.RunReadyPayload) error {
	if o.ctx == nil {
		return fmt.Errorf("runnerctx: run_ready received with no active Run Context")
	}
	if len(payload.Bars) < 2 {
		return fmt.Errorf("runnerctx: run_ready payload missing confirmed/new bar pair")
	}
	confirmed, newBar := barFromPair(payload.Bars[0]), barFromPair(payload.Bars[1])

	o.ctx.Stream.ReplaceLast(confirmed.Narrow())
	o.ctx.Stream.Append(newBar.Narrow())
	o.ctx.Stream.Finish()

	newTSSec := newBar.TS / 1000
	intervalMs := (newTSSec - o.ctx.LastNewBarTSSec) * 1000
	incremented := intervalMs == o.TfMillis

	if incremented {
		o.ctx.consumeN(2, false, o.Log)
	}

	o.ctx.Strategy.Destroy()
	o.ctx = nil
	return nil
}

// Current returns the active Run Context, or nil if none is in flight.
func (o *Orchestrator) Current() *RunContext { return o.ctx }

// Reset destroys any live Run Context without stepping it further,
// used when script-change detection invalidates the strategy instance
// the Run Context was built from.
func (o *Orchestrator) Reset() {
	if o.ctx == nil {
		return
	}
	o.ctx.Strategy.Destroy()
	o.ctx = nil
}

func barFromPair(p bus.BarPair) bar.Bar {
	return bar.Bar{TS: p.TS, Open: p.Open, High: p.High, Low: p.Low, Close: p.Close, Volume: p.Volume}
}
