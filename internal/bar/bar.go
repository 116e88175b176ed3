// Package bar defines the core OHLCV bar type, timeframe arithmetic and
// the symbol key used to address a single bar series throughout the
// data service and runner service.
package bar

import (
	"fmt"
	"time"
)

// Bar is one OHLCV candle. TS is milliseconds while a bar lives in the
// in-memory buffer or travels the bus, and seconds once it is written to
// the canonical bar file.
type Bar struct {
	TS                              int64
	Open, High, Low, Close, Volume float64
}

// FillVolume marks a synthetic gap-fill bar. It must never collide with a
// real trade volume; the original implementation uses the same sentinel.
const FillVolume = 0.01

// IsFill reports whether b was synthesized by the gap fixer rather than
// built from real trades.
func (b Bar) IsFill() bool {
	return b.Volume == FillVolume
}

// ToSeconds returns a copy of b with TS converted from milliseconds to
// seconds, as required when writing to the canonical bar file.
func (b Bar) ToSeconds() Bar {
	b.TS = b.TS / 1000
	return b
}

// ToMillis returns a copy of b with TS converted from seconds to
// milliseconds, as required when a bar read from the canonical file
// re-enters the live buffer or the bus.
func (b Bar) ToMillis() Bar {
	b.TS = b.TS * 1000
	return b
}

// Narrow rounds every price/volume field through float32, matching the
// precision the strategy runtime actually observes once a bar has been
// read back from the (float32) canonical file.
func (b Bar) Narrow() Bar {
	b.Open = float64(float32(b.Open))
	b.High = float64(float32(b.High))
	b.Low = float64(float32(b.Low))
	b.Close = float64(float32(b.Close))
	b.Volume = float64(float32(b.Volume))
	return b
}

// Timeframe is a bar period expressed as a unit letter and a multiplier,
// e.g. {'m', 5} is 5 minutes, {'h', 1} is one hour, {'d', 1} is one day.
type Timeframe struct {
	Unit       byte
	Multiplier int
}

// ParseTimeframe parses strings like "1", "5", "60", "1h", "1d" the way
// the original configuration files express a chart timeframe: a bare
// number is minutes, otherwise the trailing letter names the unit.
func ParseTimeframe(s string) (Timeframe, error) {
	if s == "" {
		return Timeframe{}, fmt.Errorf("bar: empty timeframe")
	}
	unit := s[len(s)-1]
	numPart := s
	switch unit {
	case 'm', 'h', 'd':
		numPart = s[:len(s)-1]
	default:
		unit = 'm'
	}
	if numPart == "" {
		return Timeframe{}, fmt.Errorf("bar: invalid timeframe %q", s)
	}
	mult := 0
	for _, c := range numPart {
		if c < '0' || c > '9' {
			return Timeframe{}, fmt.Errorf("bar: invalid timeframe %q", s)
		}
		mult = mult*10 + int(c-'0')
	}
	if mult <= 0 {
		return Timeframe{}, fmt.Errorf("bar: timeframe multiplier must be positive, got %q", s)
	}
	return Timeframe{Unit: unit, Multiplier: mult}, nil
}

// Duration returns the timeframe's length.
func (tf Timeframe) Duration() time.Duration {
	switch tf.Unit {
	case 'h':
		return time.Duration(tf.Multiplier) * time.Hour
	case 'd':
		return time.Duration(tf.Multiplier) * 24 * time.Hour
	default:
		return time.Duration(tf.Multiplier) * time.Minute
	}
}

// Millis returns the timeframe's length in milliseconds.
func (tf Timeframe) Millis() int64 {
	return tf.Duration().Milliseconds()
}

// AlignMillis floors a millisecond timestamp to the start of its
// timeframe bucket.
func (tf Timeframe) AlignMillis(tsMs int64) int64 {
	d := tf.Millis()
	if d <= 0 {
		return tsMs
	}
	return tsMs - (tsMs % d)
}

// Key returns the original implementation's minutes-as-string (or raw
// unit string for non-minute/hour timeframes) used in on-disk file
// names, e.g. "5" for 5m, "60" for 1h, "1d" for 1 day.
func (tf Timeframe) Key() string {
	switch tf.Unit {
	case 'h':
		return fmt.Sprintf("%d", tf.Multiplier*60)
	case 'd':
		return fmt.Sprintf("%dd", tf.Multiplier)
	default:
		return fmt.Sprintf("%d", tf.Multiplier)
	}
}

func (tf Timeframe) String() string {
	return fmt.Sprintf("%d%c", tf.Multiplier, tf.Unit)
}

// SymbolKey addresses a single bar series: one provider, one exchange,
// one symbol, one timeframe.
type SymbolKey struct {
	Provider   string
	Exchange   string
	Symbol     string
	Timeframe  Timeframe
}

func (k SymbolKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Provider, k.Exchange, k.Symbol, k.Timeframe)
}
