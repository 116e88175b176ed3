// Package obs provides the structured logging and metrics used across
// the data service and the runner service.
package obs

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// NewLogger builds a component-scoped logger writing to w (typically
// os.Stdout, or a human-readable console writer in development). Every
// log line carries a "component" field so D's four tasks and R's two
// tasks can be filtered independently, matching the component/symbol/
// duration_ms vocabulary the original hand-rolled logger used.
func NewLogger(component string, w io.Writer, pretty bool) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}

// WithSymbol returns a child logger annotated with a symbol/timeframe
// pair, for the per-series loops (collector, gap fixer, file updater).
func WithSymbol(l zerolog.Logger, provider, exchange, symbol, timeframe string) zerolog.Logger {
	return l.With().
		Str("provider", provider).
		Str("exchange", exchange).
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Logger()
}
