// Package collector owns the live bar buffer and the two tasks that
// feed it: the trade Collector (builds confirmed bars from the
// exchange trade stream) and the GapFixer (inserts synthetic fill bars
// when the stream goes silent across a timeframe boundary).
package collector

import (
	"sync"

	"github.com/arai-quant/barrunner/internal/bar"
)

// Buffer is the in-memory ordered live bar list shared by the
// Collector, GapFixer and FileUpdater tasks. A single mutex guards it;
// callers must never perform blocking I/O while holding the lock —
// provider calls are offloaded to worker goroutines and their results
// applied back under a short critical section.
type Buffer struct {
	mu   sync.Mutex
	bars []bar.Bar

	// lastFixBarTS guards the gap fixer against inserting the same
	// synthetic bar twice across consecutive polls.
	lastFixBarTS int64
}

// NewBuffer returns an empty live buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Seed replaces the buffer's contents, used by the data service at
// startup and by the file updater on rollover to load the last two
// bars of the canonical file.
func (b *Buffer) Seed(bars []bar.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bars = append([]bar.Bar(nil), bars...)
}

// Snapshot returns a copy of the current buffer contents, safe to read
// without holding the lock afterward.
func (b *Buffer) Snapshot() []bar.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bar.Bar(nil), b.bars...)
}

// Len returns the number of bars currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bars)
}

// Upsert appends newBar if it opens strictly after the last buffered
// bar, or replaces the last buffered bar if newBar shares its ts
// (the in-progress bar being updated by further trades), matching the
// original collector_loop's last_ts comparison.
func (b *Buffer) Upsert(newBar bar.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.bars)
	if n > 0 && b.bars[n-1].TS == newBar.TS {
		b.bars[n-1] = newBar
		return
	}
	if n > 0 && newBar.TS < b.bars[n-1].TS {
		return
	}
	b.bars = append(b.bars, newBar)
}

// TryInsertFill inserts a synthetic fill bar at expectedTS if, and only
// if, no bar already occupies that slot and the gap fixer has not
// already fixed this exact boundary (guarded by lastFixBarTS). It
// returns true if a fill bar was inserted.
func (b *Buffer) TryInsertFill(expectedTS int64, prevClose float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastFixBarTS == expectedTS {
		return false
	}
	n := len(b.bars)
	if n > 0 && b.bars[n-1].TS >= expectedTS {
		return false
	}
	fill := bar.Bar{TS: expectedTS, Open: prevClose, High: prevClose, Low: prevClose, Close: prevClose, Volume: bar.FillVolume}
	b.bars = append(b.bars, fill)
	b.lastFixBarTS = expectedTS
	return true
}

// LastBar returns the most recently buffered bar and whether one
// exists.
func (b *Buffer) LastBar() (bar.Bar, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bars) == 0 {
		return bar.Bar{}, false
	}
	return b.bars[len(b.bars)-1], true
}
