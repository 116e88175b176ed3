package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestHubBroadcastsToConnectedDialer(t *testing.T) {
	hub := NewHub(nil)
	stop := make(chan struct{})
	defer close(stop)
	go hub.Run(stop)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	var mu sync.Mutex
	var received []Envelope
	gotOne := make(chan struct{}, 1)

	d := NewDialer(url, func(env Envelope) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		select {
		case gotOne <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// Give the dialer a moment to connect before broadcasting.
	time.Sleep(50 * time.Millisecond)

	if err := hub.Send(MsgBar, BarPair{TS: 1000, Close: 42.5}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case <-gotOne:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dialer to receive broadcast")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != MsgBar {
		t.Fatalf("received = %+v, want one MsgBar envelope", received)
	}
}

func TestDialerSendIsNoopWhenDisconnected(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:0/ws", nil)
	if err := d.Send(Envelope{Type: MsgClientHello}); err != nil {
		t.Fatalf("Send() on disconnected dialer error = %v, want nil no-op", err)
	}
}
