package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/session"
	"github.com/ashureev/scan-gate/web"
)

const maxBodySize = 4 << 10

// MFAHandler serves the verification page and its JSON endpoints.
type MFAHandler struct {
	*Handler
}

// NewMFAHandler creates the verification endpoint handler.
func NewMFAHandler(base *Handler) *MFAHandler {
	return &MFAHandler{Handler: base}
}

// RegisterRoutes registers the health check and verification routes.
func (h *MFAHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/mfa-auth", func(r chi.Router) {
		r.Get("/{sessionId}", h.Page)
		r.Post("/verify", h.Verify)
		r.Post("/refresh", h.Refresh)
	})
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
	UserInput string `json:"userInput,omitempty"`
}

type refreshResponse struct {
	Success          bool   `json:"success"`
	ChallengePayload string `json:"challengePayload"`
	ExpiresIn        int64  `json:"expiresIn"`
}

// Health answers liveness probes.
func (h *MFAHandler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Page renders the verification page, or the not-found page for unknown
// and timed-out sessions.
func (h *MFAHandler) Page(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	now := h.now()

	s, ok := h.sessions.GetSession(id)
	if !ok || s.TimedOut(now, h.sessions.SessionTimeout()) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		if err := h.pages.RenderNotFound(w); err != nil {
			slog.Error("Failed to render not-found page", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := h.pages.RenderAuth(w, web.AuthPage{
		SessionID:        s.ID,
		Purpose:          string(s.Purpose),
		ChallengePayload: s.ChallengePayload,
		ExpiresIn:        int64(s.ChallengeTTL(now).Seconds()),
		Status:           string(s.Status),
	})
	if err != nil {
		slog.Error("Failed to render auth page", "error", err, "session_id", id)
	}
}

// Verify polls the session's provider once and reports the outcome.
func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}

	out, err := h.sessions.Verify(r.Context(), req.SessionID, req.UserInput)
	if err != nil {
		h.writeSessionError(w, req.SessionID, err)
		return
	}
	JSON(w, http.StatusOK, out)
}

// Refresh issues a new challenge for the session.
func (h *MFAHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}

	s, err := h.sessions.RefreshChallenge(r.Context(), req.SessionID)
	if err != nil {
		h.writeSessionError(w, req.SessionID, err)
		return
	}
	JSON(w, http.StatusOK, refreshResponse{
		Success:          true,
		ChallengePayload: s.ChallengePayload,
		ExpiresIn:        int64(s.ChallengeTTL(h.now()).Seconds()),
	})
}

func decodeSessionRequest(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return req, false
	}
	return req, true
}

// writeSessionError maps manager errors onto HTTP statuses.
func (h *MFAHandler) writeSessionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionExpired):
		JSON(w, http.StatusNotFound, domain.Outcome{Status: domain.StatusExpired, Error: "session not found"})
	default:
		slog.Error("Verification request failed", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
