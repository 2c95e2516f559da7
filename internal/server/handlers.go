package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tracescope/internal/gateway"
	"tracescope/internal/logging"
	"tracescope/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"mode":      "local",
		"port":      s.port,
		"clients":   s.hub.ClientCount(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		logging.API("Stats query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Sessions ---

type createSessionRequest struct {
	Name          string          `json:"name"`
	Metadata      json.RawMessage `json:"metadata"`
	WorkspacePath string          `json:"workspace_path"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.store.CreateSession(store.NewSessionAttrs{
		Name:          req.Name,
		Metadata:      req.Metadata,
		WorkspacePath: req.WorkspacePath,
	})
	if err != nil {
		logging.API("Create session failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.publish(gateway.EventSessionCreated, sess.ID, sess)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	sessions, err := s.store.ListSessions(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type updateSessionRequest struct {
	Name          *string              `json:"name"`
	Status        *store.SessionStatus `json:"status"`
	EndTime       *int64               `json:"end_time"`
	Metadata      json.RawMessage      `json:"metadata"`
	WorkspacePath *string              `json:"workspace_path"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	applied, err := s.store.UpdateSession(id, store.SessionUpdate{
		Name:          req.Name,
		Status:        req.Status,
		EndTime:       req.EndTime,
		Metadata:      req.Metadata,
		WorkspacePath: req.WorkspacePath,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update session")
		return
	}
	if !applied {
		writeError(w, http.StatusNotFound, "session not found or nothing to update")
		return
	}

	sess, err := s.store.GetSession(id)
	if err != nil || sess == nil {
		writeError(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	s.publish(gateway.EventSessionUpdated, id, sess)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	applied, err := s.store.DeleteSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !applied {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	// Session rooms are gone with the session; notify everyone.
	s.publish(gateway.EventSessionDeleted, "", map[string]string{"id": id})
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// --- Traces ---

type insertTraceRequest struct {
	SessionID string          `json:"session_id"`
	ParentID  string          `json:"parent_id"`
	Operation string          `json:"operation"`
	Language  string          `json:"language"`
	Framework string          `json:"framework"`
	StartTime int64           `json:"start_time"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Server) handleInsertTrace(w http.ResponseWriter, r *http.Request) {
	var req insertTraceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	tr, err := s.store.InsertTrace(store.NewTraceAttrs{
		SessionID: req.SessionID,
		ParentID:  req.ParentID,
		Operation: req.Operation,
		Language:  req.Language,
		Framework: req.Framework,
		StartTime: req.StartTime,
		Data:      req.Data,
		Metadata:  req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrTraceNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrParentMismatch):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, store.ErrInvalidData):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			logging.API("Insert trace failed: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to insert trace")
		}
		return
	}

	s.publish(gateway.EventTraceNew, tr.SessionID, tr)
	writeJSON(w, http.StatusCreated, tr)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := s.store.GetTrace(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read trace")
		return
	}
	if tr == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	limit, offset := pagination(r)
	traces, err := s.store.ListTraces(sessionID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list traces")
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

type updateTraceRequest struct {
	Status   *store.TraceStatus `json:"status"`
	EndTime  *int64             `json:"end_time"`
	Duration *int64             `json:"duration"`
	Data     json.RawMessage    `json:"data"`
	Metadata json.RawMessage    `json:"metadata"`
	Error    *string            `json:"error"`
}

func (s *Server) handleUpdateTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateTraceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	applied, err := s.store.UpdateTrace(id, store.TraceUpdate{
		Status:   req.Status,
		EndTime:  req.EndTime,
		Duration: req.Duration,
		Data:     req.Data,
		Metadata: req.Metadata,
		Error:    req.Error,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidData) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.API("Update trace failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to update trace")
		return
	}
	if !applied {
		writeError(w, http.StatusNotFound, "trace not found or nothing to update")
		return
	}

	tr, err := s.store.GetTrace(id)
	if err != nil || tr == nil {
		writeError(w, http.StatusInternalServerError, "failed to read trace")
		return
	}
	s.publish(gateway.EventTraceUpdated, tr.SessionID, tr)
	writeJSON(w, http.StatusOK, tr)
}

// --- Bookmarks ---

type createBookmarkRequest struct {
	TraceID     string `json:"trace_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

func (s *Server) handleCreateBookmark(w http.ResponseWriter, r *http.Request) {
	var req createBookmarkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TraceID == "" {
		writeError(w, http.StatusBadRequest, "trace_id is required")
		return
	}

	bm, err := s.store.CreateBookmark(store.NewBookmarkAttrs{
		TraceID:     req.TraceID,
		Title:       req.Title,
		Description: req.Description,
		Color:       req.Color,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTraceNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrBookmarkExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to create bookmark")
		}
		return
	}

	tr, err := s.store.GetTrace(bm.TraceID)
	if err == nil && tr != nil {
		s.publish(gateway.EventBookmarkNew, tr.SessionID, bm)
	}
	writeJSON(w, http.StatusCreated, bm)
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	bookmarks, err := s.store.ListBookmarks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list bookmarks")
		return
	}
	writeJSON(w, http.StatusOK, bookmarks)
}

func (s *Server) handleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	applied, err := s.store.DeleteBookmark(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete bookmark")
		return
	}
	if !applied {
		writeError(w, http.StatusNotFound, "bookmark not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// publish sends a mutation event to the gateway with the entity encoded
// as payload. Delivery failures never affect the HTTP response.
func (s *Server) publish(t gateway.EventType, sessionID string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		logging.APIDebug("Skipping %s event, payload encode failed: %v", t, err)
		return
	}
	s.hub.Publish(gateway.Event{Type: t, SessionID: sessionID, Payload: payload})
}

func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
