package alert

import (
	"context"
	"errors"
	"testing"
)

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(ctx context.Context, a Alert) error {
	s.calls++
	return s.err
}

func TestMultiSendsToAllAndReturnsFirstError(t *testing.T) {
	a := &stubSender{}
	b := &stubSender{err: errors.New("boom")}
	c := &stubSender{}
	m := Multi{a, b, c}

	err := m.Send(context.Background(), Alert{Title: "t", Message: "m"})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("Send() error = %v, want boom", err)
	}
	if a.calls != 1 || b.calls != 1 || c.calls != 1 {
		t.Fatalf("expected every sender to be called exactly once: a=%d b=%d c=%d", a.calls, b.calls, c.calls)
	}
}

func TestWebhookSenderNoopWhenURLEmpty(t *testing.T) {
	w := NewWebhookSender("")
	if err := w.Send(context.Background(), Alert{Title: "t"}); err != nil {
		t.Fatalf("expected no-op when URL is empty, got %v", err)
	}
}

func TestTelegramSenderNoopWhenCredentialsMissing(t *testing.T) {
	tg := NewTelegramSender("", "")
	if err := tg.Send(context.Background(), Alert{Title: "t"}); err != nil {
		t.Fatalf("expected no-op when credentials are empty, got %v", err)
	}
}
