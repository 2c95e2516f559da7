package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tracescope/internal/config"
	"tracescope/internal/gateway"
	"tracescope/internal/store"
)

type testEnv struct {
	srv   *Server
	store *store.Store
	hub   *gateway.Hub
	ts    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	hub := gateway.NewHub()
	hub.Run()

	srv := New(config.DefaultConfig().Server, st, hub, "test")
	ts := httptest.NewServer(srv.routes())

	t.Cleanup(func() {
		ts.Close()
		hub.Stop()
		st.Close()
	})

	return &testEnv{srv: srv, store: st, hub: hub, ts: ts}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) (*http.Response, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return resp, env
}

func decodeData(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatalf("re-marshal data: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func (e *testEnv) createSession(t *testing.T, name string) store.Session {
	t.Helper()
	resp, env := e.request(t, "POST", "/api/sessions", map[string]string{"name": name})
	if resp.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("Create session failed: status=%d env=%+v", resp.StatusCode, env)
	}
	var sess store.Session
	decodeData(t, env, &sess)
	return sess
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp, env := e.request(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("Unexpected health response: status=%d env=%+v", resp.StatusCode, env)
	}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Mode    string `json:"mode"`
	}
	decodeData(t, env, &health)
	if health.Status != "ok" || health.Version != "test" || health.Mode != "local" {
		t.Errorf("Unexpected health body: %+v", health)
	}
}

func TestSessionCRUD(t *testing.T) {
	e := newTestEnv(t)

	sess := e.createSession(t, "api test")
	if sess.Name != "api test" || sess.Status != store.SessionActive {
		t.Fatalf("Unexpected created session: %+v", sess)
	}

	resp, env := e.request(t, "GET", "/api/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Get returned %d", resp.StatusCode)
	}
	var got store.Session
	decodeData(t, env, &got)
	if got.ID != sess.ID {
		t.Errorf("Get returned wrong session: %+v", got)
	}

	resp, env = e.request(t, "PUT", "/api/sessions/"+sess.ID, map[string]string{"status": "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Update returned %d: %+v", resp.StatusCode, env)
	}
	decodeData(t, env, &got)
	if got.Status != store.SessionCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}

	resp, _ = e.request(t, "DELETE", "/api/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Delete returned %d", resp.StatusCode)
	}

	resp, env = e.request(t, "GET", "/api/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusNotFound || env.Success {
		t.Errorf("Expected 404 after delete, got %d %+v", resp.StatusCode, env)
	}
}

func TestSessionNotFoundResponses(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(t, "GET", "/api/sessions/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Get: expected 404, got %d", resp.StatusCode)
	}
	resp, _ = e.request(t, "PUT", "/api/sessions/missing", map[string]string{"name": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Update: expected 404, got %d", resp.StatusCode)
	}
	resp, _ = e.request(t, "DELETE", "/api/sessions/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Delete: expected 404, got %d", resp.StatusCode)
	}
	resp, _ = e.request(t, "GET", "/api/sessions/missing/traces", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("List traces: expected 404, got %d", resp.StatusCode)
	}
}

func TestSessionInvalidTransitionConflict(t *testing.T) {
	e := newTestEnv(t)

	sess := e.createSession(t, "lifecycle")
	e.request(t, "PUT", "/api/sessions/"+sess.ID, map[string]string{"status": "archived"})

	resp, env := e.request(t, "PUT", "/api/sessions/"+sess.ID, map[string]string{"status": "active"})
	if resp.StatusCode != http.StatusConflict || env.Success {
		t.Errorf("Expected 409 for archived -> active, got %d %+v", resp.StatusCode, env)
	}
}

func TestEmptyPatchNotApplied(t *testing.T) {
	e := newTestEnv(t)

	sess := e.createSession(t, "noop")
	resp, env := e.request(t, "PUT", "/api/sessions/"+sess.ID, map[string]string{})
	if resp.StatusCode != http.StatusNotFound || env.Success {
		t.Errorf("Expected 404 for empty patch, got %d %+v", resp.StatusCode, env)
	}
}

func TestTraceEndpoints(t *testing.T) {
	e := newTestEnv(t)

	sess := e.createSession(t, "tracing")

	resp, env := e.request(t, "POST", "/api/traces", map[string]interface{}{
		"session_id": sess.ID,
		"operation":  "llm_call",
		"data":       map[string]string{"prompt": "hi"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Insert returned %d: %+v", resp.StatusCode, env)
	}
	var tr store.Trace
	decodeData(t, env, &tr)
	if tr.Operation != "llm_call" || tr.Status != store.TracePending {
		t.Fatalf("Unexpected trace: %+v", tr)
	}

	resp, env = e.request(t, "PUT", "/api/traces/"+tr.ID, map[string]interface{}{
		"status":   "success",
		"duration": 120,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Update returned %d: %+v", resp.StatusCode, env)
	}
	decodeData(t, env, &tr)
	if tr.Status != store.TraceSuccess || tr.Duration != 120 {
		t.Errorf("Update not applied: %+v", tr)
	}

	resp, env = e.request(t, "GET", fmt.Sprintf("/api/sessions/%s/traces", sess.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("List returned %d", resp.StatusCode)
	}
	var traces []store.Trace
	decodeData(t, env, &traces)
	if len(traces) != 1 {
		t.Errorf("Expected 1 trace, got %d", len(traces))
	}
}

func TestTraceInsertValidation(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(t, "POST", "/api/traces", map[string]string{"operation": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Missing session_id: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = e.request(t, "POST", "/api/traces", map[string]string{
		"session_id": "ghost",
		"operation":  "x",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Unknown session: expected 404, got %d", resp.StatusCode)
	}

	s1 := e.createSession(t, "one")
	s2 := e.createSession(t, "two")
	_, env := e.request(t, "POST", "/api/traces", map[string]string{
		"session_id": s1.ID,
		"operation":  "root",
	})
	var root store.Trace
	decodeData(t, env, &root)

	resp, _ = e.request(t, "POST", "/api/traces", map[string]string{
		"session_id": s2.ID,
		"parent_id":  root.ID,
		"operation":  "child",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Cross-session parent: expected 422, got %d", resp.StatusCode)
	}
}

func TestTraceInvalidDataRejected(t *testing.T) {
	e := newTestEnv(t)

	sess := e.createSession(t, "bad json")
	// The broken JSON cannot pass through json.Marshal in the request
	// helper, so send the raw payload directly.
	payload := fmt.Sprintf(`{"session_id":%q,"operation":"x","data":{broken`, sess.ID)
	resp, err := http.Post(e.ts.URL+"/api/traces", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest || env.Success {
		t.Errorf("Expected 400 for invalid data, got %d %+v", resp.StatusCode, env)
	}
}

func TestStoreFailureYieldsGenericError(t *testing.T) {
	e := newTestEnv(t)

	sess := e.createSession(t, "doomed")
	setup, env := e.request(t, "POST", "/api/traces", map[string]string{
		"session_id": sess.ID,
		"operation":  "x",
	})
	if setup.StatusCode != http.StatusCreated {
		t.Fatalf("setup insert failed: %d", setup.StatusCode)
	}
	var trace store.Trace
	decodeData(t, env, &trace)

	// Break the store underneath the handlers; unexpected failures must
	// surface as 500 with no internal detail.
	e.store.Close()

	resp, env := e.request(t, "POST", "/api/traces", map[string]string{
		"session_id": sess.ID,
		"operation":  "y",
	})
	if resp.StatusCode != http.StatusInternalServerError || env.Success {
		t.Fatalf("Expected 500, got %d %+v", resp.StatusCode, env)
	}
	if strings.Contains(env.Error, "sql") || strings.Contains(env.Error, "database") {
		t.Errorf("Internal detail leaked: %q", env.Error)
	}

	resp, env = e.request(t, "PUT", "/api/traces/"+trace.ID, map[string]string{"status": "success"})
	if resp.StatusCode != http.StatusInternalServerError || env.Success {
		t.Fatalf("Expected 500 on update, got %d %+v", resp.StatusCode, env)
	}
	if strings.Contains(env.Error, "sql") || strings.Contains(env.Error, "database") {
		t.Errorf("Internal detail leaked: %q", env.Error)
	}
}

func TestBookmarkEndpoints(t *testing.T) {
	e := newTestEnv(t)

	sess := e.createSession(t, "bm")
	_, env := e.request(t, "POST", "/api/traces", map[string]string{
		"session_id": sess.ID,
		"operation":  "x",
	})
	var tr store.Trace
	decodeData(t, env, &tr)

	resp, env := e.request(t, "POST", "/api/bookmarks", map[string]string{
		"trace_id": tr.ID,
		"title":    "keep this",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Create bookmark returned %d: %+v", resp.StatusCode, env)
	}
	var bm store.Bookmark
	decodeData(t, env, &bm)

	resp, _ = e.request(t, "POST", "/api/bookmarks", map[string]string{
		"trace_id": tr.ID,
		"title":    "duplicate",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Duplicate bookmark: expected 409, got %d", resp.StatusCode)
	}

	resp, _ = e.request(t, "DELETE", "/api/bookmarks/"+bm.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Delete bookmark returned %d", resp.StatusCode)
	}
}

func TestMutationsEmitGatewayEvents(t *testing.T) {
	e := newTestEnv(t)

	sess := e.createSession(t, "observed")

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial gateway: %v", err)
	}
	defer conn.Close()

	readWS := func() map[string]interface{} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read frame: %v", err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("Decode frame: %v", err)
		}
		return m
	}

	if m := readWS(); m["type"] != "connected" {
		t.Fatalf("Expected connected, got %v", m["type"])
	}

	join, _ := json.Marshal(map[string]string{"type": "join_session", "session_id": sess.ID})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if m := readWS(); m["type"] != "session_joined" {
		t.Fatalf("Expected session_joined, got %v", m["type"])
	}

	resp, _ := e.request(t, "POST", "/api/traces", map[string]string{
		"session_id": sess.ID,
		"operation":  "llm_call",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Insert returned %d", resp.StatusCode)
	}

	if m := readWS(); m["type"] != "new_trace" {
		t.Fatalf("Expected new_trace event, got %v", m["type"])
	}
}

func TestPortNegotiation(t *testing.T) {
	// First bind takes the preferred port, second scans past it.
	ln1, port1, err := negotiateListener("127.0.0.1", 39500, 10)
	if err != nil {
		t.Fatalf("First bind: %v", err)
	}
	defer ln1.Close()
	if port1 != 39500 {
		t.Fatalf("Expected preferred port 39500, got %d", port1)
	}

	ln2, port2, err := negotiateListener("127.0.0.1", 39500, 10)
	if err != nil {
		t.Fatalf("Second bind: %v", err)
	}
	defer ln2.Close()
	if port2 != 39501 {
		t.Errorf("Expected next port 39501, got %d", port2)
	}

	// Exhausted window reports failure.
	if _, _, err := negotiateListener("127.0.0.1", 39500, 1); err == nil {
		t.Error("Expected error when the window is exhausted")
	}
}
