package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/session"
	"github.com/ashureev/scan-gate/web"
)

type fakeSessions struct {
	mu        sync.Mutex
	sessions  map[string]domain.AuthSession
	outcome   domain.Outcome
	verifyErr error
	refreshed int
}

func newFakeSessions(sessions ...domain.AuthSession) *fakeSessions {
	f := &fakeSessions{sessions: make(map[string]domain.AuthSession)}
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeSessions) GetSession(id string) (domain.AuthSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeSessions) Verify(_ context.Context, id, _ string) (domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return domain.Outcome{}, f.verifyErr
	}
	if _, ok := f.sessions[id]; !ok {
		return domain.Outcome{}, session.ErrSessionNotFound
	}
	return f.outcome, nil
}

func (f *fakeSessions) RefreshChallenge(_ context.Context, id string) (domain.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.AuthSession{}, session.ErrSessionNotFound
	}
	f.refreshed++
	s.ChallengePayload = fmt.Sprintf("https://provider.example/qr/%d", f.refreshed+1)
	s.ChallengeExpiry = s.CreatedAt.Add(2 * time.Minute)
	s.Status = domain.StatusPending
	f.sessions[id] = s
	return s, nil
}

func (f *fakeSessions) SessionTimeout() time.Duration { return 5 * time.Minute }

var testNow = time.Unix(1_700_000_000, 0)

func newTestRouter(t *testing.T, sessions Sessions) http.Handler {
	t.Helper()
	pages, err := web.NewPages()
	if err != nil {
		t.Fatalf("NewPages failed: %v", err)
	}
	base := NewHandler(sessions, pages)
	base.now = func() time.Time { return testNow }

	r := chi.NewRouter()
	NewMFAHandler(base).RegisterRoutes(r)
	return r
}

func liveSession() domain.AuthSession {
	return domain.AuthSession{
		ID:               "s1",
		UserID:           "alice",
		Purpose:          domain.PurposeFirstContact,
		Method:           "scan",
		CreatedAt:        testNow.Add(-time.Minute),
		Status:           domain.StatusPending,
		ChallengePayload: "https://provider.example/qr/1",
		ChallengeExpiry:  testNow.Add(90 * time.Second),
	}
}

func doJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, newFakeSessions())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("Expected 200 OK, got %d %q", w.Code, w.Body.String())
	}
}

func TestPage(t *testing.T) {
	h := newTestRouter(t, newFakeSessions(liveSession()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mfa-auth/s1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "https://provider.example/qr/1") {
		t.Error("Expected challenge payload in page")
	}
	if !strings.Contains(body, ">90<") {
		t.Error("Expected remaining seconds in page")
	}
}

func TestPageNotFound(t *testing.T) {
	expired := liveSession()
	expired.ID = "old"
	expired.CreatedAt = testNow.Add(-6 * time.Minute)
	h := newTestRouter(t, newFakeSessions(expired))

	for _, path := range []string{"/mfa-auth/missing", "/mfa-auth/old"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
		if !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
			t.Errorf("%s: expected HTML, got %q", path, w.Header().Get("Content-Type"))
		}
	}
}

func TestVerifyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		outcome    domain.Outcome
		verifyErr  error
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "pending",
			body:       `{"sessionId":"s1"}`,
			outcome:    domain.Outcome{Status: domain.StatusPending},
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"success": false, "status": "pending"},
		},
		{
			name:       "verified",
			body:       `{"sessionId":"s1"}`,
			outcome:    domain.Outcome{Success: true, Status: domain.StatusVerified, Identity: "open-1"},
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"success": true, "status": "verified"},
		},
		{
			name:       "failed is not a server error",
			body:       `{"sessionId":"s1"}`,
			outcome:    domain.Outcome{Status: domain.StatusFailed, Error: "denied"},
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"success": false, "status": "failed", "error": "denied"},
		},
		{
			name:       "unknown session",
			body:       `{"sessionId":"nope"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "no provider",
			body:       `{"sessionId":"s1"}`,
			verifyErr:  fmt.Errorf("%w: scan", session.ErrNoProvider),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "missing session id",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeSessions(liveSession())
			fs.outcome = tt.outcome
			fs.verifyErr = tt.verifyErr
			w := doJSON(t, newTestRouter(t, fs), "/mfa-auth/verify", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d (%s)", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantBody == nil {
				return
			}
			var got map[string]any
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if len(got) != len(tt.wantBody) {
				t.Errorf("Expected %v, got %v", tt.wantBody, got)
			}
			for k, v := range tt.wantBody {
				if got[k] != v {
					t.Errorf("Expected %s=%v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestRefreshEndpoint(t *testing.T) {
	fs := newFakeSessions(liveSession())
	h := newTestRouter(t, fs)

	w := doJSON(t, h, "/mfa-auth/refresh", `{"sessionId":"s1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got refreshResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !got.Success || got.ChallengePayload != "https://provider.example/qr/2" {
		t.Errorf("Unexpected refresh response %+v", got)
	}
	if got.ExpiresIn != 60 {
		t.Errorf("Expected 60 seconds left, got %d", got.ExpiresIn)
	}

	w = doJSON(t, h, "/mfa-auth/refresh", `{"sessionId":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", w.Code)
	}
}

func TestWriteSessionErrorExpired(t *testing.T) {
	fs := newFakeSessions(liveSession())
	fs.verifyErr = session.ErrSessionExpired
	w := doJSON(t, newTestRouter(t, fs), "/mfa-auth/verify", `{"sessionId":"s1"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
