package runnerctx

import "github.com/arai-quant/barrunner/internal/bar"

// SymbolInfo is the subset of the per-symbol TOML file a strategy
// needs to size its orders and display its instrument correctly.
type SymbolInfo struct {
	Symbol     string
	Timeframe  string
	PriceScale int
	MinMove    float64
	MinQty     float64
}

// Strategy is the narrow interface a script runtime adapter
// implements. This repo is explicitly not a strategy DSL or compiler
// (see the Non-goals this module carries); it ships a deterministic
// reference implementation in the teststrategy subpackage and treats
// this interface as the documented extension point a real script
// runtime would plug into.
type Strategy interface {
	// SetGlobals is called once before the first Step, with the
	// resolved symbol info and the 0-based index of the last bar in the
	// replayed history (effective size minus one).
	SetGlobals(info SymbolInfo, lastBarIndex int)

	// Step advances the strategy by one bar. preRun is true while
	// replaying history (no live side effects should fire); it is
	// false once the strategy has caught up to the live edge.
	Step(b bar.Bar, preRun bool) error

	// Destroy releases any per-run state; a Run Context's strategy is
	// never reused across Run Contexts.
	Destroy()
}
