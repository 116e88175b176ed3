package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/obs"
)

// keepaliveInterval is how often the runner pings the bus to keep the
// connection alive, matching the original runner service's 15-second
// heartbeat.
const keepaliveInterval = 15 * time.Second

const (
	minReconnectBackoff = 1 * time.Second
	maxReconnectBackoff = 30 * time.Second
)

// Dialer is the R-side bus endpoint: it connects to D, lets the
// caller push frames through Send, and delivers every inbound frame to
// onMessage. It reconnects with exponential backoff, never giving up,
// matching the original's indefinite retry loop.
type Dialer struct {
	url       string
	onMessage func(Envelope)
	log       zerolog.Logger

	// OnConnect, if set, is invoked synchronously after each successful
	// dial (including reconnects), before any frame is read. The runner
	// uses this to run its script-change detection "on connect" check.
	OnConnect func()

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewDialer builds a Dialer against url (e.g. "ws://host:port/ws").
func NewDialer(url string, onMessage func(Envelope)) *Dialer {
	return &Dialer{url: url, onMessage: onMessage, log: obs.NewLogger("bus", nil, false)}
}

// Run connects and serves until ctx is canceled, reconnecting with
// backoff on every disconnect.
func (d *Dialer) Run(ctx context.Context) error {
	backoff := minReconnectBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := d.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			d.log.Warn().Err(err).Dur("backoff", backoff).Msg("bus: dialer disconnected, reconnecting")
			obs.ProviderReconnects.WithLabelValues("bus", "").Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			continue
		}
		backoff = minReconnectBackoff
	}
}

// runOnce dials once and blocks until the connection drops or ctx is
// canceled.
func (d *Dialer) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return fmt.Errorf("bus: dial %s: %w", d.url, err)
	}
	defer conn.Close()

	d.setConn(conn)
	defer d.setConn(nil)

	if d.OnConnect != nil {
		d.OnConnect()
	}

	done := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			if d.onMessage != nil {
				d.onMessage(env)
			}
		}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return err
		case <-ticker.C:
			if err := d.Send(Envelope{Type: MsgClientHello}); err != nil {
				return err
			}
		}
	}
}

func (d *Dialer) setConn(conn *websocket.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

// Send marshals env and writes it to the live connection. It is a
// no-op, returning nil, when the dialer is currently disconnected.
func (d *Dialer) Send(env Envelope) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
