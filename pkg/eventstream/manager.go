// Package eventstream implements the event-stream/WebSocket UI surface
// (spec §4.3/§6): fan-out of pubsub channel traffic to browser clients,
// with catch-up from the event log for late subscribers.
package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Amicidal/sigmachad-sacc/pkg/eventlog"
	"github.com/Amicidal/sigmachad-sacc/pkg/pubsub"
)

// catchupLimit bounds how many missed events a single catchup response
// replays before telling the client to fall back to a REST reload.
const catchupLimit = 200

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 5 * time.Second

// ClientMessage is a message sent by a browser client over the socket.
type ClientMessage struct {
	Action    string  `json:"action"`
	Channel   string  `json:"channel"`
	SessionID string  `json:"sessionId,omitempty"`
	FromSeq   *uint64 `json:"fromSeq,omitempty"`
}

// Connection is a single WebSocket client tracked by the ConnectionManager.
//
// subscriptions is only ever touched from the goroutine running
// HandleConnection's read loop (and its deferred cleanup), so it needs no
// lock of its own.
type Connection struct {
	ID            string
	conn          *websocket.Conn
	subscriptions map[string]struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// ConnectionManager manages WebSocket connections and their channel
// subscriptions, fanning out pubsub.Bus traffic to subscribed clients
// (spec §4.3: global:sessions, session:<id>, agent:events,
// agent:coordination, agent:heartbeat).
type ConnectionManager struct {
	bus pubsub.Bus
	log *eventlog.Log

	mu          sync.RWMutex
	connections map[string]*Connection

	channelMu   sync.Mutex
	channels    map[string]map[string]struct{} // channel -> set of connection IDs
	channelSubs map[string]func()               // channel -> bus unsubscribe func

	writeTimeout time.Duration
}

// NewConnectionManager constructs a ConnectionManager. log may be nil if
// catch-up replay is not required (e.g. in a test harness).
func NewConnectionManager(bus pubsub.Bus, log *eventlog.Log) *ConnectionManager {
	return &ConnectionManager{
		bus:          bus,
		log:          log,
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]struct{}),
		channelSubs:  make(map[string]func()),
		writeTimeout: DefaultWriteTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		conn:          conn,
		subscriptions: make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{"type": "connection.established", "connectionId": connID})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("sacc: invalid websocket client message", "connectionId", connID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required"})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": msg.Channel})
		m.handleCatchup(ctx, c, msg)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers c for channel, starting a shared bus subscription on
// first interest (mirroring the teacher's LISTEN-on-first-subscriber idiom,
// adapted from Postgres LISTEN/NOTIFY to pubsub.Bus.Subscribe).
func (m *ConnectionManager) subscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]struct{})
		m.channelSubs[channel] = m.bus.Subscribe(channel, func(ch string, payload []byte) {
			m.Broadcast(ch, payload)
		})
	}
	m.channels[channel][c.ID] = struct{}{}
	m.channelMu.Unlock()

	c.subscriptions[channel] = struct{}{}
}

// unsubscribe removes c from channel, tearing down the shared bus
// subscription once the last interested connection leaves.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			if unsub, ok := m.channelSubs[channel]; ok {
				unsub()
				delete(m.channelSubs, channel)
			}
		}
	}
	m.channelMu.Unlock()
	delete(c.subscriptions, channel)
}

// handleCatchup replays missed session events from the event log for a
// session:<id> subscription carrying a fromSeq cursor (spec §4.9 adjacent:
// late subscribers should not need a full REST reload for a live session).
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, msg *ClientMessage) {
	if m.log == nil || msg.FromSeq == nil {
		return
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = strings.TrimPrefix(msg.Channel, "session:")
	}
	if sessionID == "" {
		return
	}

	events, err := m.log.Range(ctx, sessionID, *msg.FromSeq+1, 0, catchupLimit+1)
	if err != nil {
		slog.Warn("sacc: catchup range failed", "sessionId", sessionID, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}
	for _, evt := range events {
		payload, err := json.Marshal(map[string]any{"type": "catchup.event", "sessionId": sessionID, "event": evt})
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			return
		}
	}
	if hasMore {
		m.sendJSON(c, map[string]any{"type": "catchup.overflow", "sessionId": sessionID, "hasMore": true})
	}
}

// Broadcast sends a raw payload to every connection subscribed to channel.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.Lock()
	subs, exists := m.channels[channel]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	m.channelMu.Unlock()
	if !exists {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("sacc: failed to broadcast to websocket client", "connectionId", c.ID, "error", err)
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
}

func (m *ConnectionManager) unregister(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("sacc: failed to marshal websocket message", "connectionId", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("sacc: failed to send websocket message", "connectionId", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
