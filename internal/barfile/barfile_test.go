package barfile

import (
	"path/filepath"
	"testing"

	"github.com/arai-quant/barrunner/internal/bar"
)

func TestAppendAndReadTail(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "test.ohlcv"))

	if s.Exists() {
		t.Fatalf("new store should not exist on disk yet")
	}

	bars := []bar.Bar{
		{TS: 100, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{TS: 160, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 11},
		{TS: 220, Open: 2, High: 2.2, Low: 1.8, Close: 2.1, Volume: 12},
	}
	if err := s.Append(bars...); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !s.Exists() {
		t.Fatalf("expected file to exist after append")
	}

	size, err := s.Size()
	if err != nil || size != 3 {
		t.Fatalf("Size() = %d, %v, want 3, nil", size, err)
	}

	tail, err := s.ReadTail(2)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if len(tail) != 2 || tail[0].TS != 160 || tail[1].TS != 220 {
		t.Fatalf("ReadTail(2) = %+v, want last two bars", tail)
	}

	last, err := s.LastTimestamp()
	if err != nil || last != 220 {
		t.Fatalf("LastTimestamp() = %d, %v, want 220, nil", last, err)
	}
}

func TestOverwriteAt(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "test.ohlcv"))
	bars := []bar.Bar{
		{TS: 100, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{TS: 160, Open: 2, High: 2, Low: 2, Close: 2, Volume: 2},
		{TS: 220, Open: 3, High: 3, Low: 3, Close: 3, Volume: 3},
	}
	if err := s.Append(bars...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	newSize, err := s.OverwriteAt(2, bar.Bar{TS: 220, Open: 9, High: 9, Low: 9, Close: 9, Volume: 9})
	if err != nil {
		t.Fatalf("OverwriteAt: %v", err)
	}
	if newSize != 3 {
		t.Fatalf("newSize = %d, want 3", newSize)
	}

	got, err := s.ReadAt(2)
	if err != nil {
		t.Fatalf("ReadAt(2): %v", err)
	}
	if got.Open != 9 {
		t.Fatalf("ReadAt(2).Open = %v, want 9", got.Open)
	}

	size, _ := s.Size()
	if size != 3 {
		t.Fatalf("Size after overwrite-in-place = %d, want 3", size)
	}
}

func TestOverwriteAtTruncates(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "test.ohlcv"))
	bars := []bar.Bar{
		{TS: 100, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{TS: 160, Open: 2, High: 2, Low: 2, Close: 2, Volume: 2},
		{TS: 220, Open: 3, High: 3, Low: 3, Close: 3, Volume: 3},
	}
	if err := s.Append(bars...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := s.OverwriteAt(1, bar.Bar{TS: 160, Open: 5, High: 5, Low: 5, Close: 5, Volume: 5}); err != nil {
		t.Fatalf("OverwriteAt: %v", err)
	}
	size, _ := s.Size()
	if size != 2 {
		t.Fatalf("Size after truncating overwrite = %d, want 2", size)
	}
}
