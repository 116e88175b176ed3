package runnerctx

import (
	"testing"
	"time"

	"github.com/arai-quant/barrunner/internal/bar"
)

func TestBarStreamAppendAndNext(t *testing.T) {
	s := NewBarStream()
	s.Append(bar.Bar{TS: 1})
	s.Append(bar.Bar{TS: 2})

	b, ok := s.Next()
	if !ok || b.TS != 1 {
		t.Fatalf("Next() = %+v, %v, want ts=1, true", b, ok)
	}
	b, ok = s.Next()
	if !ok || b.TS != 2 {
		t.Fatalf("Next() = %+v, %v, want ts=2, true", b, ok)
	}
}

func TestBarStreamReplaceLast(t *testing.T) {
	s := NewBarStream()
	s.Append(bar.Bar{TS: 1, Close: 1})
	s.ReplaceLast(bar.Bar{TS: 1, Close: 99})

	b, ok := s.Next()
	if !ok || b.Close != 99 {
		t.Fatalf("Next() after ReplaceLast = %+v, %v, want close=99, true", b, ok)
	}
}

func TestBarStreamReplaceLastPanicsOnEmpty(t *testing.T) {
	s := NewBarStream()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on ReplaceLast with an empty queue")
		}
	}()
	s.ReplaceLast(bar.Bar{})
}

func TestBarStreamFinishDrains(t *testing.T) {
	s := NewBarStream()
	s.Append(bar.Bar{TS: 1})
	s.Finish()

	b, ok := s.Next()
	if !ok || b.TS != 1 {
		t.Fatalf("expected queued bar to still be consumable after Finish, got %+v, %v", b, ok)
	}
	_, ok = s.Next()
	if ok {
		t.Fatalf("expected Next() to report false once drained after Finish")
	}
}

func TestBarStreamNextBlocksUntilAppend(t *testing.T) {
	s := NewBarStream()
	done := make(chan bar.Bar, 1)
	go func() {
		b, _ := s.Next()
		done <- b
	}()

	select {
	case <-done:
		t.Fatalf("Next() returned before any bar was appended")
	case <-time.After(20 * time.Millisecond):
	}

	s.Append(bar.Bar{TS: 42})
	select {
	case b := <-done:
		if b.TS != 42 {
			t.Fatalf("Next() = %+v, want ts=42", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next() did not unblock after Append")
	}
}
