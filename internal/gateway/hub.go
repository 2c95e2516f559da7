// Package gateway fans store mutations out to WebSocket subscribers.
// Clients join a session room to receive that session's events; delivery
// is fire-and-forget, a slow client is dropped rather than blocking the
// dispatcher.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tracescope/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local-only service; the listener binds loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the client registry and the session rooms. A single dispatch
// goroutine serializes fan-out so events reach each client in publish order.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}

	events chan Event
	stop   chan struct{}
	done   chan struct{}
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
		events:  make(chan Event, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the dispatch loop.
func (h *Hub) Run() {
	go h.dispatch()
}

// Stop shuts down dispatch and closes every connection.
func (h *Hub) Stop() {
	close(h.stop)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}

	h.mu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*client]struct{})
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()
}

// Publish enqueues an event for fan-out. It never blocks the caller; if
// the dispatch queue is full the event is dropped and logged.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	case <-h.stop:
	default:
		logging.Gateway("Event queue full, dropping %s for session %s", ev.Type, ev.SessionID)
	}
}

// ClientCount reports connected clients, used by health reporting.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionSubscribers reports how many clients joined the given session.
func (h *Hub) SessionSubscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) dispatch() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	frame := message{
		Type:      wireType(ev.Type),
		Event:     string(ev.Type),
		SessionID: ev.SessionID,
		Payload:   ev.Payload,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Gateway("Failed to encode %s event: %v", ev.Type, err)
		return
	}

	h.mu.RLock()
	var targets []*client
	if ev.SessionID == "" {
		// Untagged events reach every joined connection; a client that
		// connected without joining a session observes nothing.
		targets = make([]*client, 0, len(h.clients))
		for c := range h.clients {
			if c.session != "" {
				targets = append(targets, c)
			}
		}
	} else {
		room := h.rooms[ev.SessionID]
		targets = make([]*client, 0, len(room))
		for c := range room {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(data) {
			logging.Gateway("Dropping slow client %s", c.id)
			h.removeClient(c)
			c.close()
		}
	}
}

// ServeWS upgrades an HTTP request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Gateway("Upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	logging.GatewayDebug("Client %s connected from %s", c.id, r.RemoteAddr)

	go c.writePump()
	go c.readPump()

	c.sendFrame(message{Type: msgConnected, ClientID: c.id, Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) joinSession(c *client, sessionID string) {
	h.mu.Lock()
	if c.session != "" && c.session != sessionID {
		h.leaveLocked(c)
	}
	room := h.rooms[sessionID]
	if room == nil {
		room = make(map[*client]struct{})
		h.rooms[sessionID] = room
	}
	room[c] = struct{}{}
	c.session = sessionID
	h.mu.Unlock()

	logging.GatewayDebug("Client %s joined session %s", c.id, sessionID)
	c.sendFrame(message{Type: msgSessionJoined, SessionID: sessionID, ClientID: c.id, Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) leaveSession(c *client) {
	h.mu.Lock()
	left := c.session
	h.leaveLocked(c)
	h.mu.Unlock()

	if left != "" {
		c.sendFrame(message{Type: msgSessionLeft, SessionID: left, ClientID: c.id, Timestamp: time.Now().UnixMilli()})
	}
}

// leaveLocked removes c from its room. Caller holds h.mu.
func (h *Hub) leaveLocked(c *client) {
	if c.session == "" {
		return
	}
	if room, ok := h.rooms[c.session]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.session)
		}
	}
	c.session = ""
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	h.leaveLocked(c)
	delete(h.clients, c)
	h.mu.Unlock()
}

// client is one WebSocket subscriber. session is guarded by hub.mu.
type client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session string

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// trySend queues a frame without blocking. False means the buffer is full.
func (c *client) trySend(data []byte) bool {
	defer func() { recover() }() // send may race with close during shutdown
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendFrame(m message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.GatewayDebug("Client %s read error: %v", c.id, err)
			}
			return
		}

		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			c.sendFrame(message{Type: msgError, Error: "malformed message", Timestamp: time.Now().UnixMilli()})
			continue
		}

		switch m.Type {
		case inJoinSession:
			if m.SessionID == "" {
				c.sendFrame(message{Type: msgError, Error: "join_session requires session_id", Timestamp: time.Now().UnixMilli()})
				continue
			}
			c.hub.joinSession(c, m.SessionID)
		case inLeaveSession:
			c.hub.leaveSession(c)
		case inTraceEvent:
			// Client-originated trace notification, relayed to the room.
			c.hub.Publish(Event{Type: EventTraceNew, SessionID: m.SessionID, Payload: m.Payload})
		default:
			c.sendFrame(message{Type: msgError, Error: "unknown message type: " + m.Type, Timestamp: time.Now().UnixMilli()})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
