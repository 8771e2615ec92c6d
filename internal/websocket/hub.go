// Package websocket carries live client connections for sessions. Each
// connection feeds the activity manager and receives session events.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 32
)

var ErrNoClients = errors.New("no clients connected")

// ActivityTracker is the part of the activity manager the hub drives.
type ActivityTracker interface {
	RegisterConnection(ctx context.Context, sessionID, userID, connectionID string) error
	UnregisterConnection(ctx context.Context, sessionID, connectionID string) error
	RecordActivity(ctx context.Context, sessionID, eventType string) error
	RecordPing(ctx context.Context, sessionID, connectionID string) (string, error)
}

// ClientMessage is sent by the browser: {"type":"ping"} or
// {"type":"activity","event":"file-change"}.
type ClientMessage struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
}

// ServerMessage is pushed to the browser.
type ServerMessage struct {
	Type      string        `json:"type"`
	Quality   string        `json:"quality,omitempty"`
	Event     *events.Event `json:"event,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	id        string
	sessionID string
	userID    string
	conn      *websocket.Conn
	send      chan ServerMessage
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub implements events.Sink.
type Hub struct {
	activity ActivityTracker
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[string]*client
}

func NewHub(activity ActivityTracker, logger zerolog.Logger) *Hub {
	return &Hub{
		activity: activity,
		logger:   logger.With().Str("component", "websocket-hub").Logger(),
		clients:  make(map[string]map[string]*client),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Serve upgrades the request and blocks until the client goes away. The
// caller has already checked that userID owns sessionID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to upgrade connection")
		return
	}

	c := &client{
		id:        ulid.Make().String(),
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		send:      make(chan ServerMessage, sendBuffer),
	}

	h.register(r.Context(), c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(ctx context.Context, c *client) {
	h.mu.Lock()
	conns, ok := h.clients[c.sessionID]
	if !ok {
		conns = make(map[string]*client)
		h.clients[c.sessionID] = conns
	}
	conns[c.id] = c
	h.mu.Unlock()

	if err := h.activity.RegisterConnection(ctx, c.sessionID, c.userID, c.id); err != nil {
		h.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("Failed to record connection")
	}
	h.logger.Info().Str("session_id", c.sessionID).Str("connection_id", c.id).Msg("Client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.sessionID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.clients, c.sessionID)
		}
	}
	h.mu.Unlock()
	c.close()

	// The request context is gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := h.activity.UnregisterConnection(ctx, c.sessionID, c.id); err != nil {
		h.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("Failed to record disconnect")
	}
	h.logger.Info().Str("session_id", c.sessionID).Str("connection_id", c.id).Msg("Client disconnected")
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("Ignoring malformed message")
			continue
		}
		h.handleMessage(c, msg)
	}
}

func (h *Hub) handleMessage(c *client, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch msg.Type {
	case "ping":
		quality, err := h.activity.RecordPing(ctx, c.sessionID, c.id)
		if err != nil {
			h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("Ping not recorded")
			return
		}
		h.enqueue(c, ServerMessage{Type: "pong", Quality: quality, Timestamp: time.Now()})
	case "activity":
		if err := h.activity.RecordActivity(ctx, c.sessionID, msg.Event); err != nil {
			h.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("Failed to record activity")
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("Failed to write message")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue drops the message when the client is not keeping up.
func (h *Hub) enqueue(c *client, msg ServerMessage) (sent bool) {
	defer func() {
		// send was closed by a concurrent unregister.
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case c.send <- msg:
		return true
	default:
		h.logger.Warn().Str("connection_id", c.id).Msg("Client send buffer full; dropping message")
		return false
	}
}

// Publish pushes a session event to every client of the session.
func (h *Hub) Publish(ctx context.Context, e events.Event) error {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[e.SessionID]))
	for _, c := range h.clients[e.SessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}
	event := e
	delivered := 0
	for _, c := range targets {
		if h.enqueue(c, ServerMessage{Type: "session_event", Event: &event, Timestamp: e.Timestamp}) {
			delivered++
		}
	}
	if delivered == 0 {
		return ErrNoClients
	}
	return nil
}

// ConnectionCount reports live clients for a session.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}
