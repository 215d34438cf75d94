package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"devswarm/internal/bus"
	"devswarm/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

// wsFrame is the wire shape of one event on the stream.
type wsFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Time    time.Time   `json:"ts"`
}

// hub fans bus events out to websocket clients. A client that cannot keep up
// with its send buffer is disconnected; it reconnects and receives a fresh
// state snapshot.
type hub struct {
	store  *store.Store
	events *bus.Bus
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]bool
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsFrame
}

func newHub(st *store.Store, events *bus.Bus, logger *slog.Logger) *hub {
	return &hub{
		store:  st,
		events: events,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is served from arbitrary local origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]bool),
	}
}

// run forwards bus events to every connected client until the bus or hub
// closes.
func (h *hub) run() {
	sub := h.events.Subscribe(256)
	defer h.events.Unsubscribe(sub)

	for ev := range sub.C {
		frame := wsFrame{Type: ev.Type, Payload: ev.Payload, Time: ev.Time}

		h.mu.Lock()
		for c := range h.clients {
			select {
			case c.send <- frame:
			default:
				// Slow client; cut it loose.
				delete(h.clients, c)
				close(c.send)
			}
		}
		h.mu.Unlock()
	}
}

// handleWS upgrades the connection, sends the full state snapshot, and then
// streams events.
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan wsFrame, wsSendBuffer)}

	snapshot, err := h.store.GetSnapshot()
	if err != nil {
		h.logger.Error("Failed to snapshot state for new client", "error", err)
		_ = conn.Close()
		return
	}
	client.send <- wsFrame{Type: bus.TypeState, Payload: snapshot, Time: time.Now()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

func (h *hub) writePump(c *wsClient) {
	defer c.conn.Close()

	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(frame); err != nil {
			h.drop(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(wsWriteTimeout))
}

// readPump discards inbound messages; the stream is one-way. It exists to
// notice disconnects and answer pings.
func (h *hub) readPump(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
