// Package realtime streams engine events to websocket subscribers.
//
// Operators watch admission decisions, lifecycle transitions, and risk
// events live instead of polling the audit log. Delivery is best-effort:
// a slow client is dropped rather than allowed to back-pressure the
// engine.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/cadence/internal/metrics"
)

// EventType classifies a streamed event.
type EventType string

const (
	EventDecision   EventType = "admission_decision"
	EventTransition EventType = "lifecycle_transition"
	EventRisk       EventType = "risk_event"
	EventLock       EventType = "account_lock"
)

// Event is one streamed engine event.
type Event struct {
	Type      EventType      `json:"type"`
	AccountID string         `json:"accountId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

const (
	writeWait      = 10 * time.Second
	clientBufSize  = 64
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator tooling connects from anywhere; auth happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Publish sends an event to all connected clients. Clients whose buffers
// are full are disconnected.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to encode event", "type", evt.Type, "error", err)
		return
	}

	h.mu.RLock()
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.remove(c)
	}
}

// Handler upgrades GET requests to websocket subscriptions.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		cl := &client{conn: conn, send: make(chan []byte, clientBufSize)}
		h.add(cl)

		go h.writePump(cl)
		go h.readPump(cl)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Inc()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metrics.ActiveWebSocketClients.Dec()
	}
	h.mu.Unlock()
}

// writePump drains the client's buffer onto the wire.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump discards inbound frames; the stream is one-way. It exists to
// notice disconnects and process control frames.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
