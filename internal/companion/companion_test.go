package companion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tracescope/internal/config"
)

func testConfig() config.CompanionConfig {
	return config.CompanionConfig{
		ReconnectDelay:       "2s",
		MaxReconnectAttempts: 5,
		CommandBufferSize:    8,
	}
}

// newTestHost serves the companion routes on an ephemeral port and returns
// the host plus its ws URL.
func newTestHost(t *testing.T) (*Host, string, *httptest.Server) {
	t.Helper()

	h := NewHost(testConfig(), "test")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /companion/ws", h.serveWS)
	mux.HandleFunc("GET /companion/health", h.handleHealth)
	mux.HandleFunc("GET /companion/capabilities", h.handleCapabilities)
	mux.HandleFunc("POST /companion/register", h.handleRegisterHTTP)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.dropPeer(nil)
		srv.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/companion/ws"
	return h, wsURL, srv
}

func dialHost(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial host: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return m
}

func register(t *testing.T, conn *websocket.Conn, name string) {
	t.Helper()
	reg, err := NewMessage(TypeRegistration, Registration{Name: name, ExtensionVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("build registration: %v", err)
	}
	if err := conn.WriteJSON(reg); err != nil {
		t.Fatalf("send registration: %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestGreetingOnConnect(t *testing.T) {
	_, url, _ := newTestHost(t)

	conn := dialHost(t, url)
	m := readMessage(t, conn)
	if m.Type != TypeHeartbeat {
		t.Fatalf("Expected heartbeat greeting, got %s", m.Type)
	}

	var w Welcome
	if err := json.Unmarshal(m.Payload, &w); err != nil {
		t.Fatalf("Bad welcome payload: %v", err)
	}
	if w.Service != "tracescope" || len(w.Capabilities) == 0 {
		t.Errorf("Unexpected welcome: %+v", w)
	}
}

func TestRegistrationGate(t *testing.T) {
	h, url, _ := newTestHost(t)

	conn := dialHost(t, url)
	readMessage(t, conn) // welcome

	if h.Registered() {
		t.Fatal("Peer must not be registered before the registration message")
	}

	// Commands before registration are buffered, not delivered.
	if err := h.SendJumpToCode("main.go", 10, 1); err != ErrNoPeer {
		t.Fatalf("Expected ErrNoPeer, got %v", err)
	}

	register(t, conn, "test-extension")
	m := readMessage(t, conn)
	if m.Type != TypeRegistrationAck {
		t.Fatalf("Expected registration_ack, got %s", m.Type)
	}
	waitUntil(t, h.Registered, "registration")

	// The buffered command arrives after the ack.
	m = readMessage(t, conn)
	if m.Type != TypeJumpToCode {
		t.Fatalf("Expected buffered jump-to-code, got %s", m.Type)
	}
	var jump JumpToCode
	if err := json.Unmarshal(m.Payload, &jump); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if jump.File != "main.go" || jump.Line != 10 {
		t.Errorf("Unexpected jump payload: %+v", jump)
	}
}

func TestCommandBufferBounded(t *testing.T) {
	h, url, _ := newTestHost(t)

	// Overflow the 8-slot buffer; oldest entries are dropped.
	for i := 0; i < 12; i++ {
		h.SendJumpToCode("file.go", i, 0)
	}

	conn := dialHost(t, url)
	readMessage(t, conn) // welcome
	register(t, conn, "ext")
	readMessage(t, conn) // ack

	var lines []int
	for i := 0; i < 8; i++ {
		m := readMessage(t, conn)
		var jump JumpToCode
		if err := json.Unmarshal(m.Payload, &jump); err != nil {
			t.Fatalf("Bad payload: %v", err)
		}
		lines = append(lines, jump.Line)
	}
	if lines[0] != 4 || lines[7] != 11 {
		t.Errorf("Expected oldest dropped, got lines %v", lines)
	}
}

func TestHeartbeatAck(t *testing.T) {
	_, url, _ := newTestHost(t)

	conn := dialHost(t, url)
	readMessage(t, conn)

	hb, _ := NewMessage(TypeHeartbeat, nil)
	hb.ID = "hb-1"
	if err := conn.WriteJSON(hb); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}

	m := readMessage(t, conn)
	if m.Type != TypeHeartbeatAck || m.ID != "hb-1" {
		t.Fatalf("Expected heartbeat_ack with matching id, got %+v", m)
	}
}

func TestDirectDeliveryAfterRegistration(t *testing.T) {
	h, url, _ := newTestHost(t)

	conn := dialHost(t, url)
	readMessage(t, conn)
	register(t, conn, "ext")
	readMessage(t, conn)
	waitUntil(t, h.Registered, "registration")

	if err := h.SendSyncTrace(SyncTrace{TraceID: "t1", SessionID: "s1", Operation: "llm_call"}); err != nil {
		t.Fatalf("SendSyncTrace failed: %v", err)
	}

	m := readMessage(t, conn)
	if m.Type != TypeSyncTrace {
		t.Fatalf("Expected sync-trace, got %s", m.Type)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	h, _, srv := newTestHost(t)

	resp, err := http.Get(srv.URL + "/companion/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var health map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" || health["extensionReady"] != false {
		t.Errorf("Unexpected health: %v", health)
	}
	if health["connectedClients"] != float64(0) {
		t.Errorf("Expected no connected clients, got %v", health["connectedClients"])
	}

	resp, err = http.Get(srv.URL + "/companion/capabilities")
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	var caps struct {
		Capabilities []string `json:"capabilities"`
	}
	json.NewDecoder(resp.Body).Decode(&caps)
	resp.Body.Close()
	if len(caps.Capabilities) != len(Capabilities) {
		t.Errorf("Expected %d capabilities, got %v", len(Capabilities), caps.Capabilities)
	}

	body := strings.NewReader(`{"name":"http-ext","extensionVersion":"0.1.0"}`)
	resp, err = http.Post(srv.URL+"/companion/register", "application/json", body)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp.Body.Close()
	if peer := h.Peer(); peer == nil || peer.Name != "http-ext" {
		t.Errorf("HTTP registration not recorded: %+v", peer)
	}
}

func TestNewPeerReplacesOld(t *testing.T) {
	h, url, _ := newTestHost(t)

	first := dialHost(t, url)
	readMessage(t, first)
	register(t, first, "first")
	readMessage(t, first)
	waitUntil(t, h.Registered, "first registration")

	second := dialHost(t, url)
	readMessage(t, second)

	// The replacement resets the registration gate.
	waitUntil(t, func() bool { return !h.Registered() }, "gate reset")

	register(t, second, "second")
	readMessage(t, second)
	waitUntil(t, h.Registered, "second registration")

	if peer := h.Peer(); peer == nil || peer.Name != "second" {
		t.Errorf("Expected second peer active, got %+v", peer)
	}
}

func TestClientRegistersAndReceives(t *testing.T) {
	h, url, _ := newTestHost(t)

	var mu sync.Mutex
	var received []Message
	client := NewClient(ClientOptions{
		URL:            url,
		Registration:   Registration{Name: "peer", ExtensionVersion: "1.0.0"},
		ReconnectDelay: 20 * time.Millisecond,
		OnMessage: func(m Message) {
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitUntil(t, client.Connected, "client registration")
	waitUntil(t, h.Registered, "host side registration")

	if err := h.SendJumpToCode("app.go", 42, 7); err != nil {
		t.Fatalf("SendJumpToCode: %v", err)
	}

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "command delivery")

	mu.Lock()
	defer mu.Unlock()
	if received[0].Type != TypeJumpToCode {
		t.Errorf("Expected jump-to-code, got %s", received[0].Type)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	h, url, _ := newTestHost(t)

	client := NewClient(ClientOptions{
		URL:            url,
		Registration:   Registration{Name: "peer", ExtensionVersion: "1.0.0"},
		ReconnectDelay: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitUntil(t, client.Connected, "initial connection")

	// Kill the host side; the client must come back on its own.
	h.dropPeer(nil)
	waitUntil(t, func() bool { return !client.Connected() }, "disconnect observed")
	waitUntil(t, client.Connected, "reconnect")
	waitUntil(t, h.Registered, "re-registration")
}

func TestClientDormantUntilRefresh(t *testing.T) {
	// Dial a dead address so every attempt fails.
	client := NewClient(ClientOptions{
		URL:                  "ws://127.0.0.1:1/companion/ws",
		Registration:         Registration{Name: "peer", ExtensionVersion: "1.0.0"},
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitUntil(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.dormant
	}, "dormancy after exhausting attempts")

	// A refresh re-arms the loop against a live host.
	h, url, _ := newTestHost(t)
	client.opts.URL = url
	client.Refresh()

	waitUntil(t, client.Connected, "reconnect after refresh")
	waitUntil(t, h.Registered, "registration after refresh")
}
