package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/session"
)

// Source is the part of session.Manager the stream handler needs.
type Source interface {
	GetSession(id string) (domain.AuthSession, bool)
	Subscribe(id string) (<-chan domain.Outcome, func(), error)
}

// Handler upgrades GET /mfa-auth/ws/{sessionId} and streams status frames
// until the session resolves or the client leaves.
type Handler struct {
	src           Source
	hub           *Hub
	allowedOrigin string
}

// NewHandler creates a stream handler. allowedOrigin "*" or "" accepts any origin.
func NewHandler(src Source, hub *Hub, allowedOrigin string) *Handler {
	return &Handler{src: src, hub: hub, allowedOrigin: allowedOrigin}
}

// statusMessage is sent for every status change.
type statusMessage struct {
	Type    string        `json:"type"`
	Status  domain.Status `json:"status"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
}

// wsMessage is the client-to-server frame.
type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	current, ok := h.src.GetSession(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	events, unsubscribe, err := h.src.Subscribe(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer unsubscribe()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.hub.Register(sessionID, ws)
	defer h.hub.Unregister(sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := writeJSON(ctx, ws, statusMessage{Type: "status", Status: current.Status}); err != nil {
		slog.Debug("Failed to send initial status", "error", err, "session_id", sessionID)
		return
	}

	go func() {
		defer cancel()
		h.inputLoop(ctx, ws, sessionID)
	}()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			msg := statusMessage{Type: "status", Status: ev.Status, Success: ev.Success, Error: ev.Error}
			if err := writeJSON(ctx, ws, msg); err != nil {
				slog.Debug("Status write failed", "error", err, "session_id", sessionID)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// inputLoop answers pings and returns when the client goes away.
func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := writeJSON(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
