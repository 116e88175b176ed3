package bus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arai-quant/barrunner/internal/obs"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber is one connected runner. Only one runner is expected per
// symbol key in practice, but the hub supports fan-out to several the
// way the original data service's broadcast loop does.
type Subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is the D-side bus endpoint: it accepts runner connections,
// pushes lifecycle and live events out to all of them, and forwards
// whatever a runner sends back to a single inbound handler. Modeled on
// the teacher's ws.Hub register/unregister/broadcast loop.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
	register    chan *Subscriber
	unregister  chan *Subscriber
	broadcast   chan []byte
	onInbound   func(msg []byte)
	log         zerolog.Logger

	// pending holds the last-sent prerun_ready_after_history_download
	// envelope, at most one outstanding at a time, until a runner acks
	// it. It is resent to every runner that (re)connects while it is
	// still outstanding, matching the spec's Pending Lifecycle Event:
	// at-most-one, at-least-once-on-connect, cleared-on-ack.
	pendingMu sync.Mutex
	pending   []byte
}

// NewHub builds a Hub. onInbound is invoked, from the connection's own
// goroutine, for every frame a runner sends; it may be nil.
func NewHub(onInbound func(msg []byte)) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan []byte, 4096),
		onInbound:   onInbound,
		log:         obs.NewLogger("bus", nil, false),
	}
}

// Run services register/unregister/broadcast until stopCh is closed.
func (h *Hub) Run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s] = true
			n := len(h.subscribers)
			h.mu.Unlock()
			obs.BusClients.Set(float64(n))

			h.pendingMu.Lock()
			pending := h.pending
			h.pendingMu.Unlock()
			if pending != nil {
				select {
				case s.send <- pending:
				default:
					h.log.Warn().Msg("bus: subscriber send buffer full, pending event not resent")
				}
			}

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.send)
			}
			n := len(h.subscribers)
			h.mu.Unlock()
			obs.BusClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for s := range h.subscribers {
				select {
				case s.send <- msg:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Send marshals an envelope and enqueues it for broadcast to every
// connected runner.
func (h *Hub) Send(msgType MsgType, payload any) error {
	raw, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- raw:
	default:
		h.log.Warn().Msg("bus: broadcast buffer full, message dropped")
	}
	return nil
}

// SendPending marshals a prerun_ready_after_history_download envelope,
// stores it as the single outstanding Pending Lifecycle Event, and
// broadcasts it. It replaces any event already pending: the file
// updater only ever stages one such event per history download, so
// there is at most one outstanding at a time. The stored copy is
// resent to any runner that (re)connects before acking it, and is
// cleared by AckPending.
func (h *Hub) SendPending(payload PrerunReadyPayload) error {
	raw, err := json.Marshal(Envelope{Type: MsgPrerunReadyAfterHistoryDownload, Payload: payload})
	if err != nil {
		return err
	}
	h.pendingMu.Lock()
	h.pending = raw
	h.pendingMu.Unlock()

	select {
	case h.broadcast <- raw:
	default:
		h.log.Warn().Msg("bus: broadcast buffer full, pending event queued for resend only")
	}
	return nil
}

// AckPending clears the outstanding Pending Lifecycle Event, if any.
// Called when an ack_prerun_ready_after_history_download frame arrives
// from a runner.
func (h *Hub) AckPending() {
	h.pendingMu.Lock()
	h.pending = nil
	h.pendingMu.Unlock()
}

// ServeHTTP upgrades r into a bus connection. It never authenticates
// the caller, matching the spec's explicit non-goal of client
// authentication on the bus.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("bus: websocket upgrade failed")
		return
	}
	s := &Subscriber{conn: conn, send: make(chan []byte, 256)}
	h.register <- s

	go h.writePump(s)
	go h.readPump(s)
}

func (h *Hub) writePump(s *Subscriber) {
	defer s.conn.Close()
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(s *Subscriber) {
	defer func() {
		h.unregister <- s
		s.conn.Close()
	}()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err == nil && env.Type == MsgAckPrerunReadyAfterHistoryDownload {
			h.AckPending()
		}
		if h.onInbound != nil {
			h.onInbound(msg)
		}
	}
}
