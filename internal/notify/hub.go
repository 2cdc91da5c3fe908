// Package notify fans local state-changed messages out to in-process
// listeners such as a UI layer or the command line.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
)

const listenerBufferSize = 16

// Message describes a local state change.
type Message struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	ID     string         `json:"id,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action, id string, extra map[string]any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

// Listener receives messages until it is removed from the hub.
type Listener struct {
	hub *Hub
	C   <-chan Message
	ch  chan Message
}

// Close unregisters the listener and closes its channel.
func (l *Listener) Close() {
	l.hub.unregister(l)
}

// Hub maintains the set of listeners and broadcasts messages to them.
type Hub struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	logger    *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		listeners: make(map[*Listener]struct{}),
		logger:    logger,
	}
}

// Listen adds a listener to the hub.
func (h *Hub) Listen() *Listener {
	ch := make(chan Message, listenerBufferSize)
	l := &Listener{hub: h, C: ch, ch: ch}

	h.mu.Lock()
	h.listeners[l] = struct{}{}
	h.mu.Unlock()
	return l
}

func (h *Hub) unregister(l *Listener) {
	h.mu.Lock()
	if _, ok := h.listeners[l]; ok {
		delete(h.listeners, l)
		close(l.ch)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all listeners. A nil hub drops it.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for l := range h.listeners {
		select {
		case l.ch <- msg:
		default:
			// Listener buffer full: drop rather than block the writer
			h.logger.Debug("notify: dropped message", "type", msg.Type)
		}
	}
}

func (h *Hub) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
