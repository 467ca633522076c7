package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chamber_monitor/internal/schedule"
)

// Client represents a connected operator. The cursor is only touched while
// the handler holds its action lock.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	cursor    schedule.Cursor
}

// Hub manages WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.trySend(c, msg)
	}
}

// BroadcastExcept sends a message to all clients but one.
func (h *Hub) BroadcastExcept(msg []byte, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c != except {
			h.trySend(c, msg)
		}
	}
}

// Send queues a message for one client if it is still registered.
func (h *Hub) Send(c *Client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c] {
		h.trySend(c, msg)
	}
}

func (h *Hub) trySend(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("session", c.sessionID).Msg("client buffer full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
