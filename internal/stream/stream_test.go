package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/session"
)

type fakeSource struct {
	sessions map[string]domain.AuthSession
	events   chan domain.Outcome
}

func (f *fakeSource) GetSession(id string) (domain.AuthSession, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeSource) Subscribe(id string) (<-chan domain.Outcome, func(), error) {
	if _, ok := f.sessions[id]; !ok {
		return nil, nil, session.ErrSessionNotFound
	}
	return f.events, func() {}, nil
}

func newStreamServer(t *testing.T, src Source, hub *Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/mfa-auth/ws/{sessionId}", NewHandler(src, hub, "*").ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func readStatus(t *testing.T, ctx context.Context, conn *websocket.Conn) statusMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg statusMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHandlerUnknownSession(t *testing.T) {
	srv := newStreamServer(t, &fakeSource{sessions: map[string]domain.AuthSession{}}, NewHub())

	resp, err := http.Get(srv.URL + "/mfa-auth/ws/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerStreamsStatus(t *testing.T) {
	src := &fakeSource{
		sessions: map[string]domain.AuthSession{"s1": {ID: "s1", Status: domain.StatusPending}},
		events:   make(chan domain.Outcome, 4),
	}
	hub := NewHub()
	srv := newStreamServer(t, src, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mfa-auth/ws/s1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	first := readStatus(t, ctx, conn)
	require.Equal(t, "status", first.Type)
	require.Equal(t, domain.StatusPending, first.Status)
	require.Equal(t, 1, hub.Count("s1"))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"pong"}`, string(data))

	src.events <- domain.Outcome{Status: domain.StatusScanned}
	require.Equal(t, domain.StatusScanned, readStatus(t, ctx, conn).Status)

	src.events <- domain.Outcome{Success: true, Status: domain.StatusVerified}
	close(src.events)
	last := readStatus(t, ctx, conn)
	require.True(t, last.Success)
	require.Equal(t, domain.StatusVerified, last.Status)

	_, _, err = conn.Read(ctx)
	require.Error(t, err, "server ends the stream once the session resolves")
}

func TestHandlerRejectsOrigin(t *testing.T) {
	src := &fakeSource{sessions: map[string]domain.AuthSession{"s1": {ID: "s1"}}}
	r := chi.NewRouter()
	r.Get("/mfa-auth/ws/{sessionId}", NewHandler(src, NewHub(), "https://bot.example.com").ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/mfa-auth/ws/s1", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := NewHub()
	c1 := &websocket.Conn{}
	c2 := &websocket.Conn{}

	hub.Register("s1", c1)
	hub.Register("s1", c2)
	require.Equal(t, 2, hub.Count("s1"))

	hub.Unregister("s1", c1)
	require.Equal(t, 1, hub.Count("s1"))
	hub.Unregister("s1", c2)
	require.Zero(t, hub.Count("s1"))
	require.Zero(t, hub.CloseAll("shutdown"))
}
