// Package stream publishes captured frames to websocket subscribers as
// JSON events. Delivery is best effort: a subscriber that cannot keep up
// loses frames, the capture path never waits on the network.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZiakasSt/CAN-Sniffer/internal/can"
	"github.com/ZiakasSt/CAN-Sniffer/internal/logging"
	"github.com/ZiakasSt/CAN-Sniffer/internal/metrics"
)

// clientBufSize is the per-subscriber send queue, in events.
const clientBufSize = 64

// Event is the JSON record one captured frame becomes.
type Event struct {
	Stamp    int64  `json:"stamp"` // unix milliseconds at publish
	ID       uint32 `json:"id"`
	Extended bool   `json:"extended,omitempty"`
	Remote   bool   `json:"remote,omitempty"`
	Len      uint8  `json:"len"`
	Data     string `json:"data"` // uppercase hex, two digits per byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans captured frames out to websocket subscribers.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logging.L(),
	}
}

// Handler returns the websocket endpoint to mount on a mux.
func (h *Hub) Handler() http.HandlerFunc { return h.serve }

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream_upgrade_failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBufSize)}
	h.add(c)
	go h.writer(c)
	go h.reader(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetStreamClients(n)
	h.logger.Info("stream_client_connected", "clients", n)
}

// remove unregisters the client and closes its send queue. Idempotent;
// the queue is closed only after the client left the map, so Publish can
// no longer reach it.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !existed {
		return
	}
	close(c.send)
	metrics.SetStreamClients(n)
	h.logger.Info("stream_client_closed", "clients", n)
}

func (h *Hub) writer(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			metrics.IncError(metrics.ErrStreamWrite)
			return
		}
	}
}

// reader discards inbound messages; its exit is how disconnects are
// noticed.
func (h *Hub) reader(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return n
}

// Publish fans one frame out to every subscriber. The read lock is held
// across the fanout so no send queue can be closed mid-iteration; sends
// are non-blocking, a full queue counts a drop instead.
func (h *Hub) Publish(f can.Frame) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	data, err := json.Marshal(makeEvent(f, time.Now()))
	if err != nil {
		return
	}

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			metrics.IncStreamDrop()
		}
	}
	h.mu.RUnlock()
}

func makeEvent(f can.Frame, at time.Time) Event {
	return Event{
		Stamp:    at.UnixMilli(),
		ID:       f.CANID & can.CAN_EFF_MASK,
		Extended: f.Extended(),
		Remote:   f.Remote(),
		Len:      f.Len,
		Data:     fmt.Sprintf("%X", f.Payload()),
	}
}
