package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tracescope/internal/config"
	"tracescope/internal/logging"
)

const heartbeatInterval = 30 * time.Second

var hostUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ErrNoPeer is returned when a command needs a registered peer and none is
// connected.
var ErrNoPeer = errors.New("no registered companion peer")

// Host serves the companion channel on the port one above the service
// endpoint. A single peer is active at a time; a new connection replaces
// the previous one. Commands issued while no peer is registered are held
// in a bounded buffer and flushed on registration.
type Host struct {
	cfg     config.CompanionConfig
	version string

	mu         sync.Mutex
	peer       *websocket.Conn
	peerSend   chan Message
	registered bool
	peerInfo   *Registration
	lastSeen   time.Time
	buffer     []Message

	httpSrv *http.Server
	port    int
}

// NewHost creates a companion host. Call Start with the negotiated service
// port to bind servicePort+1.
func NewHost(cfg config.CompanionConfig, version string) *Host {
	if cfg.CommandBufferSize <= 0 {
		cfg.CommandBufferSize = 64
	}
	return &Host{cfg: cfg, version: version}
}

// Port reports the companion port. Valid after Start returns.
func (h *Host) Port() int {
	return h.port
}

// Registered reports whether a peer has completed registration.
func (h *Host) Registered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered
}

// Peer returns the registration of the current peer, or nil.
func (h *Host) Peer() *Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peerInfo
}

// Start binds servicePort+1 and serves until ctx is cancelled.
func (h *Host) Start(ctx context.Context, host string, servicePort int) (<-chan error, error) {
	h.port = servicePort + 1
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, h.port))
	if err != nil {
		return nil, fmt.Errorf("companion port %d: %w", h.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /companion/ws", h.serveWS)
	mux.HandleFunc("GET /companion/health", h.handleHealth)
	mux.HandleFunc("GET /companion/capabilities", h.handleCapabilities)
	mux.HandleFunc("POST /companion/register", h.handleRegisterHTTP)

	h.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	logging.Companion("Companion channel on %s:%d", host, h.port)

	errCh := make(chan error, 1)
	go func() {
		if err := h.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpSrv.Shutdown(shutCtx)
		h.dropPeer(nil)
	}()

	return errCh, nil
}

func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	connected := 0
	if h.peer != nil {
		connected = 1
	}
	status := map[string]interface{}{
		"status":           "ok",
		"extensionReady":   h.registered,
		"connectedClients": connected,
		"buffered":         len(h.buffer),
		"timestamp":        time.Now().UnixMilli(),
	}
	if h.peerInfo != nil {
		status["peer"] = h.peerInfo.Name
		status["last_seen"] = h.lastSeen.UnixMilli()
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Host) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"capabilities": Capabilities,
		"version":      h.version,
	})
}

// handleRegisterHTTP lets extensions that cannot hold a socket open announce
// themselves. HTTP registration records the peer but commands still require
// the WebSocket channel.
func (h *Host) handleRegisterHTTP(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "invalid registration", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.peerInfo = &reg
	h.lastSeen = time.Now()
	h.mu.Unlock()

	logging.Companion("HTTP registration from %s %s", reg.Name, reg.ExtensionVersion)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted":     true,
		"capabilities": Capabilities,
	})
}

func (h *Host) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hostUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Companion("Upgrade failed: %v", err)
		return
	}

	send := make(chan Message, 16)

	h.mu.Lock()
	old := h.peer
	h.peer = conn
	h.peerSend = send
	h.registered = false
	h.lastSeen = time.Now()
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}

	logging.Companion("Peer connected from %s", r.RemoteAddr)

	go h.writeLoop(conn, send)

	welcome, _ := NewMessage(TypeHeartbeat, Welcome{
		Service:           "tracescope",
		Version:           h.version,
		Capabilities:      Capabilities,
		HeartbeatInterval: heartbeatInterval.Milliseconds(),
	})
	safeSend(send, welcome)

	h.readLoop(conn, send)
}

func (h *Host) readLoop(conn *websocket.Conn, send chan Message) {
	defer h.dropPeer(conn)

	conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			logging.CompanionDebug("Peer read ended: %v", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))

		h.mu.Lock()
		h.lastSeen = time.Now()
		h.mu.Unlock()

		switch m.Type {
		case TypeRegistration:
			h.completeRegistration(conn, send, m)
		case TypeHeartbeat:
			ack, _ := NewMessage(TypeHeartbeatAck, nil)
			ack.ID = m.ID
			safeSend(send, ack)
		default:
			logging.CompanionDebug("Ignoring peer message type %q", m.Type)
		}
	}
}

// completeRegistration marks the peer registered and flushes buffered
// commands in order.
func (h *Host) completeRegistration(conn *websocket.Conn, send chan Message, m Message) {
	var reg Registration
	if err := json.Unmarshal(m.Payload, &reg); err != nil || reg.Name == "" {
		errMsg, _ := NewMessage(TypeError, map[string]string{"error": "invalid registration payload"})
		errMsg.ID = m.ID
		safeSend(send, errMsg)
		return
	}

	h.mu.Lock()
	if h.peer != conn {
		h.mu.Unlock()
		return
	}
	h.registered = true
	h.peerInfo = &reg
	pending := h.buffer
	h.buffer = nil
	h.mu.Unlock()

	logging.Companion("Peer registered: %s %s (%d buffered commands)", reg.Name, reg.ExtensionVersion, len(pending))

	ack, _ := NewMessage(TypeRegistrationAck, map[string]interface{}{
		"accepted":     true,
		"capabilities": Capabilities,
	})
	ack.ID = m.ID
	safeSend(send, ack)

	for _, cmd := range pending {
		if !safeSend(send, cmd) {
			logging.Companion("Peer lost while flushing buffered commands")
			return
		}
	}
}

func (h *Host) writeLoop(conn *websocket.Conn, send chan Message) {
	for m := range send {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(m); err != nil {
			logging.CompanionDebug("Peer write failed: %v", err)
			conn.Close()
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, []byte{})
	conn.Close()
}

// safeSend queues m, tolerating a channel closed by a concurrent drop.
func safeSend(send chan Message, m Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case send <- m:
		return true
	case <-time.After(5 * time.Second):
		return false
	}
}

// dropPeer clears the active peer if conn still owns the slot. A nil conn
// forces the drop.
func (h *Host) dropPeer(conn *websocket.Conn) {
	h.mu.Lock()
	if conn != nil && h.peer != conn {
		h.mu.Unlock()
		return
	}
	peer := h.peer
	send := h.peerSend
	h.peer = nil
	h.peerSend = nil
	h.registered = false
	h.mu.Unlock()

	if send != nil {
		close(send)
	}
	if peer != nil {
		peer.Close()
	}
}

// Send delivers a command to the registered peer. Without one the command
// is buffered for the next registration; a full buffer drops the oldest.
func (h *Host) Send(m Message) error {
	h.mu.Lock()
	if h.registered && h.peerSend != nil {
		send := h.peerSend
		h.mu.Unlock()
		if !safeSend(send, m) {
			return errors.New("peer send failed")
		}
		return nil
	}

	if len(h.buffer) >= h.cfg.CommandBufferSize {
		h.buffer = h.buffer[1:]
		logging.CompanionDebug("Command buffer full, dropping oldest")
	}
	h.buffer = append(h.buffer, m)
	buffered := len(h.buffer)
	h.mu.Unlock()

	logging.CompanionDebug("Buffered command %s (%d pending)", m.Type, buffered)
	return ErrNoPeer
}

// SendJumpToCode asks the peer editor to open file:line:col.
func (h *Host) SendJumpToCode(file string, line, column int) error {
	m, err := NewMessage(TypeJumpToCode, JumpToCode{File: file, Line: line, Column: column})
	if err != nil {
		return err
	}
	return h.Send(m)
}

// SendSyncTrace pushes a trace to the peer editor.
func (h *Host) SendSyncTrace(s SyncTrace) error {
	m, err := NewMessage(TypeSyncTrace, s)
	if err != nil {
		return err
	}
	return h.Send(m)
}

// SendWorkspaceChanged notifies the peer of a watched file change.
func (h *Host) SendWorkspaceChanged(path, op string) error {
	m, err := NewMessage(TypeWorkspaceChanged, WorkspaceChanged{Path: path, Op: op})
	if err != nil {
		return err
	}
	return h.Send(m)
}
