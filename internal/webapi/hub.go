// Package webapi implements the passive HTTP+WS UI fan-out surface:
// read-after-write views over the canonical bar file, trade/plot
// history, and a websocket broadcast hub for live updates. Grounded in
// the teacher's ws.Hub (register/unregister/broadcast channel loop,
// non-blocking per-client sends) with the JWT authentication stripped
// out, since client authentication is an explicit non-goal here.
package webapi

import (
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

// client is one connected UI websocket peer.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcast messages out to every connected UI client,
// dropping a message for any client whose send buffer is full rather
// than blocking the broadcaster or disconnecting the client.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	log        zerolog.Logger
}

// NewHub returns a Hub; call Run in its own goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        obs.NewLogger("webapi", nil, false),
	}
}

// Run services register/unregister/broadcast until ctx-independent
// shutdown (the caller simply stops sending once done; there is no
// explicit stop channel, matching the teacher's Hub.Run shape).
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			obs.WSClients.Set(float64(n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			obs.WSClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast enqueues msg for fan-out to every connected client.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn().Msg("webapi: broadcast buffer full, message dropped")
	}
}

// ServeWS upgrades r into a websocket connection registered with the
// hub. initial, if non-nil, is sent immediately after registration —
// used to deliver a pending prerun event to a freshly connected UI
// client, matching the original ws_endpoint's "send pending_prerun_event
// on connect" behavior.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial []byte, onMessage func([]byte)) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	if initial != nil {
		select {
		case c.send <- initial:
		default:
		}
	}

	go func() {
		defer conn.Close()
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			h.unregister <- c
			conn.Close()
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// A non-JSON frame is treated as a keepalive and silently
			// ignored, matching the protocol error taxonomy's "malformed
			// bus JSON: frame dropped silently" rule applied to the UI
			// socket as well.
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}()

	return nil
}
