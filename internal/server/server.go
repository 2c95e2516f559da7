// Package server exposes the trace store over a local HTTP API and hosts
// the WebSocket gateway. The listener negotiates its port: starting from
// the preferred port it binds the first free one within the scan window,
// so concurrent instances coexist deterministically.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"tracescope/internal/config"
	"tracescope/internal/gateway"
	"tracescope/internal/logging"
	"tracescope/internal/store"
)

// Server binds the store and gateway to an HTTP listener.
type Server struct {
	cfg     config.ServerConfig
	store   *store.Store
	hub     *gateway.Hub
	version string

	httpSrv  *http.Server
	listener net.Listener
	port     int
}

// New creates a server. Call Start to bind and serve.
func New(cfg config.ServerConfig, st *store.Store, hub *gateway.Hub, version string) *Server {
	return &Server{cfg: cfg, store: st, hub: hub, version: version}
}

// Port reports the negotiated port. Valid after Start returns.
func (s *Server) Port() int {
	return s.port
}

// Start negotiates a port, binds, and serves until ctx is cancelled or
// Shutdown is called. It returns once the listener is bound; serving
// continues in the background and errors surface via the returned channel.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	ln, port, err := negotiateListener(s.cfg.Host, s.cfg.PreferredPort, s.cfg.PortScanLimit)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.port = port

	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.API("Listening on %s:%d", s.cfg.Host, port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
	}()

	return errCh, nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// negotiateListener binds the first free port in [preferred, preferred+limit).
// Scanning from the same preferred port always lands on the lowest free
// port, so a peer probing the same window finds the service.
func negotiateListener(host string, preferred, limit int) (net.Listener, int, error) {
	if limit <= 0 {
		limit = 1
	}
	for offset := 0; offset < limit; offset++ {
		port := preferred + offset
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			if offset > 0 {
				logging.API("Preferred port %d taken, bound %d", preferred, port)
			}
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in range %d-%d", preferred, preferred+limit-1)
}

// routes builds the API mux. Every handler runs behind panic recovery.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PUT /api/sessions/{id}", s.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/traces", s.handleListTraces)

	mux.HandleFunc("POST /api/traces", s.handleInsertTrace)
	mux.HandleFunc("GET /api/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("PUT /api/traces/{id}", s.handleUpdateTrace)

	mux.HandleFunc("GET /api/bookmarks", s.handleListBookmarks)
	mux.HandleFunc("POST /api/bookmarks", s.handleCreateBookmark)
	mux.HandleFunc("DELETE /api/bookmarks/{id}", s.handleDeleteBookmark)

	mux.HandleFunc("GET /ws", s.hub.ServeWS)

	return recoverMiddleware(mux)
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.API("Panic in %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

// decodeBody reads a JSON request body into dst with a size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
