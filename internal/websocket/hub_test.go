package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
)

type mockTracker struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	activity     []string
	pings        int
}

func (m *mockTracker) RegisterConnection(ctx context.Context, sessionID, userID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, connectionID)
	return nil
}

func (m *mockTracker) UnregisterConnection(ctx context.Context, sessionID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, connectionID)
	return nil
}

func (m *mockTracker) RecordActivity(ctx context.Context, sessionID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, eventType)
	return nil
}

func (m *mockTracker) RecordPing(ctx context.Context, sessionID, connectionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return "stable", nil
}

func (m *mockTracker) snapshot() (reg, unreg, act []string, pings int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.registered...), append([]string(nil), m.unregistered...),
		append([]string(nil), m.activity...), m.pings
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "s-1", "u-1")
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHub_Lifecycle(t *testing.T) {
	tracker := &mockTracker{}
	hub := NewHub(tracker, zerolog.Nop())
	conn := dial(t, hub)

	require.Eventually(t, func() bool { return hub.ConnectionCount("s-1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong ServerMessage
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, "stable", pong.Quality)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "activity", Event: "file-change"}))
	require.Eventually(t, func() bool {
		_, _, act, _ := tracker.snapshot()
		return len(act) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), events.Event{Type: events.TypeStatus, SessionID: "s-1", Status: "running"}))
	var pushed ServerMessage
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, "session_event", pushed.Type)
	require.NotNil(t, pushed.Event)
	assert.Equal(t, "running", pushed.Event.Status)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ConnectionCount("s-1") == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		reg, unreg, _, _ := tracker.snapshot()
		return len(reg) == 1 && len(unreg) == 1 && reg[0] == unreg[0]
	}, time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithoutClients(t *testing.T) {
	hub := NewHub(&mockTracker{}, zerolog.Nop())
	assert.NoError(t, hub.Publish(context.Background(), events.Event{SessionID: "nobody"}))
}
