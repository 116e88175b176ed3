package provider

import (
	"testing"
	"time"

	"github.com/arai-quant/barrunner/internal/bar"
)

func TestDefaultHistoryWindow(t *testing.T) {
	oneMin := bar.Timeframe{Unit: 'm', Multiplier: 1}
	if got := DefaultHistoryWindow(oneMin); got != 30*24*time.Hour {
		t.Fatalf("DefaultHistoryWindow(1m) = %v, want 30 days", got)
	}
	fiveMin := bar.Timeframe{Unit: 'm', Multiplier: 5}
	if got := DefaultHistoryWindow(fiveMin); got != 60*24*time.Hour {
		t.Fatalf("DefaultHistoryWindow(5m) = %v, want 60 days", got)
	}
}
