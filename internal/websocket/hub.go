// Package websocket streams zone changes to connected devices.
package websocket

import (
	"context"
	"log/slog"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/dukerupert/screenpoints/internal/recordstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub maintains the set of subscribed clients and fans zone changes out
// to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With("component", "websocket"),
	}
}

// Run broadcasts every change published on broker until ctx ends.
func (h *Hub) Run(ctx context.Context, broker *recordstore.Broker) {
	for c := range broker.Subscribe(ctx, "", "") {
		h.Broadcast(c)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends c to every client subscribed to its zone, except the
// client of the device that made the change.
func (h *Hub) Broadcast(c recordstore.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		h.logger.Error("marshal change", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for cl := range h.clients {
		if cl.zone != c.ZoneID {
			continue
		}
		if cl.exclude != "" && cl.exclude == c.DeviceID {
			continue
		}
		select {
		case cl.send <- data:
		default:
			cl.markLagged()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
