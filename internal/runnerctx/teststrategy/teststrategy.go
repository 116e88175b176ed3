// Package teststrategy is a deterministic reference Strategy
// implementation used by the runner service's test suite and as a
// documented extension point for a real script runtime adapter. It
// carries no indicators or entry logic of its own; it only records the
// bars it observed, in order, distinguishing pre-run replay from live
// steps.
package teststrategy

import (
	"github.com/arai-quant/barrunner/internal/bar"
	"github.com/arai-quant/barrunner/internal/runnerctx"
)

// Observation is one recorded Step call.
type Observation struct {
	Bar    bar.Bar
	PreRun bool
}

// Strategy records every bar it is stepped through.
type Strategy struct {
	Info         runnerctx.SymbolInfo
	LastBarIndex int
	Observations []Observation
	destroyed    bool
}

// New returns an empty Strategy.
func New() *Strategy {
	return &Strategy{}
}

func (s *Strategy) SetGlobals(info runnerctx.SymbolInfo, lastBarIndex int) {
	s.Info = info
	s.LastBarIndex = lastBarIndex
}

func (s *Strategy) Step(b bar.Bar, preRun bool) error {
	s.Observations = append(s.Observations, Observation{Bar: b, PreRun: preRun})
	return nil
}

func (s *Strategy) Destroy() {
	s.destroyed = true
}

// Destroyed reports whether Destroy has been called, for tests that
// assert a Run Context cleans up after itself.
func (s *Strategy) Destroyed() bool { return s.destroyed }
