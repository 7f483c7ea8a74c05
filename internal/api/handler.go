// Package api provides the HTTP handlers served to the user's browser.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/web"
)

// Sessions is the part of session.Manager the HTTP layer uses.
type Sessions interface {
	GetSession(id string) (domain.AuthSession, bool)
	Verify(ctx context.Context, id, userInput string) (domain.Outcome, error)
	RefreshChallenge(ctx context.Context, id string) (domain.AuthSession, error)
	SessionTimeout() time.Duration
}

// Handler provides common handler utilities.
type Handler struct {
	sessions Sessions
	pages    *web.Pages
	now      func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sessions Sessions, pages *web.Pages) *Handler {
	return &Handler{
		sessions: sessions,
		pages:    pages,
		now:      time.Now,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
