package webapi

import (
	"testing"
)

func TestReadPlotCSVEmptyCellsBecomeNilValue(t *testing.T) {
	rows := [][]string{
		{"time", "sma", "rsi"},
		{"1000", "1.5", ""},
		{"1060", "", "42.0"},
	}
	out := readPlotCSV(rows)

	sma := out["sma"]
	if len(sma) != 2 {
		t.Fatalf("len(sma) = %d, want 2", len(sma))
	}
	if sma[0].Value == nil || *sma[0].Value != 1.5 {
		t.Fatalf("sma[0].Value = %v, want 1.5", sma[0].Value)
	}
	if sma[1].Value != nil {
		t.Fatalf("sma[1].Value = %v, want nil for empty cell", *sma[1].Value)
	}

	rsi := out["rsi"]
	if len(rsi) != 2 || rsi[1].Value == nil || *rsi[1].Value != 42.0 {
		t.Fatalf("rsi = %+v, want second point = 42.0", rsi)
	}
}

func TestReadPlotCSVHandlesNoRows(t *testing.T) {
	out := readPlotCSV(nil)
	if len(out) != 0 {
		t.Fatalf("len(out) = %d, want 0 for empty input", len(out))
	}
}

func TestHubBroadcastDropsWhenBufferFull(t *testing.T) {
	h := NewHub()
	for i := 0; i < cap(h.broadcast)+1; i++ {
		h.Broadcast([]byte("msg"))
	}
	// Draining once must not panic or block: the extra send above was
	// either buffered or dropped, never lost track of by the channel.
	select {
	case <-h.broadcast:
	default:
		t.Fatal("expected at least one buffered broadcast message")
	}
}
