// Package stream pushes verification status changes to browsers over WebSocket.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks the open WebSocket connections of each verification session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register adds conn as a listener of sessionID.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[sessionID]; !exists {
		h.active[sessionID] = make(map[*websocket.Conn]struct{})
	}
	h.active[sessionID][conn] = struct{}{}
	slog.Debug("Status stream registered", "session_id", sessionID, "listeners", len(h.active[sessionID]))
}

// Unregister removes conn from sessionID.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.active[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.active, sessionID)
		}
	}
}

// Count returns the number of listeners on sessionID.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// CloseAll terminates every tracked connection. Used on shutdown.
func (h *Hub) CloseAll(reason string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	closed := 0
	for sid, conns := range h.active {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, reason)
			closed++
		}
		delete(h.active, sid)
	}
	if closed > 0 {
		slog.Info("Status streams closed", "count", closed, "reason", reason)
	}
	return closed
}
