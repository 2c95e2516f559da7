package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tracescope/internal/logging"

	"github.com/google/uuid"
)

// NewTraceAttrs carries the caller-supplied fields for trace insertion.
// SessionID is required; ParentID, when set, must name a trace in the same
// session. Zero StartTime defaults to now, empty Status to pending, nil Data
// to an empty JSON object.
type NewTraceAttrs struct {
	SessionID string
	ParentID  string
	Operation string
	Language  string
	Framework string
	StartTime int64
	EndTime   int64
	Duration  int64
	Data      json.RawMessage
	Metadata  json.RawMessage
	Status    TraceStatus
	Error     string
}

// InsertTrace persists a new trace. The owning session must exist and a
// parent, if given, must belong to the same session.
func (s *Store) InsertTrace(attrs NewTraceAttrs) (*Trace, error) {
	timer := logging.StartTimer(logging.CategoryStore, "InsertTrace")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow("SELECT 1 FROM sessions WHERE id = ?", attrs.SessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, attrs.SessionID)
	}
	if err != nil {
		return nil, err
	}

	if attrs.ParentID != "" {
		var parentSession string
		err := s.db.QueryRow("SELECT session_id FROM traces WHERE id = ?", attrs.ParentID).Scan(&parentSession)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: parent %s", ErrTraceNotFound, attrs.ParentID)
		}
		if err != nil {
			return nil, err
		}
		if parentSession != attrs.SessionID {
			return nil, fmt.Errorf("%w: parent %s is in session %s", ErrParentMismatch, attrs.ParentID, parentSession)
		}
	}

	tr := &Trace{
		ID:        uuid.NewString(),
		SessionID: attrs.SessionID,
		ParentID:  attrs.ParentID,
		Operation: attrs.Operation,
		Language:  attrs.Language,
		Framework: attrs.Framework,
		StartTime: attrs.StartTime,
		EndTime:   attrs.EndTime,
		Duration:  attrs.Duration,
		Data:      attrs.Data,
		Metadata:  attrs.Metadata,
		Status:    attrs.Status,
		Error:     attrs.Error,
	}
	if tr.Operation == "" {
		tr.Operation = "unknown"
	}
	if tr.Language == "" {
		tr.Language = "javascript"
	}
	if tr.Framework == "" {
		tr.Framework = "unknown"
	}
	if tr.StartTime == 0 {
		tr.StartTime = time.Now().UnixMilli()
	}
	if tr.Status == "" {
		tr.Status = TracePending
	}
	if tr.Data == nil {
		tr.Data = json.RawMessage("{}")
	}
	if !json.Valid(tr.Data) {
		return nil, ErrInvalidData
	}

	_, err = s.db.Exec(`
		INSERT INTO traces (
			id, session_id, parent_id, operation, language, framework,
			start_time, end_time, duration, data, metadata, status, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.SessionID, nullStr(tr.ParentID), tr.Operation, tr.Language, tr.Framework,
		tr.StartTime, nullInt(tr.EndTime), nullInt(tr.Duration), string(tr.Data),
		nullStr(string(tr.Metadata)), string(tr.Status), nullStr(tr.Error),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to insert trace: %v", err)
		return nil, fmt.Errorf("failed to insert trace: %w", err)
	}

	logging.StoreDebug("Trace inserted: id=%s session=%s op=%s", tr.ID, tr.SessionID, tr.Operation)
	return tr, nil
}

// GetTrace returns the trace with the given id, or nil if absent.
func (s *Store) GetTrace(id string) (*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, session_id, parent_id, operation, language, framework,
		       start_time, end_time, duration, data, metadata, status, error
		FROM traces WHERE id = ?`, id)

	tr, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tr, err
}

// ListTraces returns a session's traces ordered by start time ascending.
func (s *Store) ListTraces(sessionID string, limit, offset int) ([]Trace, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListTraces")
	defer timer.StopWithThreshold(100 * time.Millisecond)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, parent_id, operation, language, framework,
		       start_time, end_time, duration, data, metadata, status, error
		FROM traces
		WHERE session_id = ?
		ORDER BY start_time ASC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []Trace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			continue
		}
		traces = append(traces, *tr)
	}
	return traces, rows.Err()
}

// UpdateTrace applies a sparse patch. Returns false when the id is absent or
// the patch is empty; only supplied fields are rewritten, so independent
// updaters (status vs. duration) never clobber each other.
func (s *Store) UpdateTrace(id string, patch TraceUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.IsEmpty() {
		return false, nil
	}

	if patch.Data != nil && !json.Valid(patch.Data) {
		return false, ErrInvalidData
	}

	var sets []string
	var args []interface{}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *patch.EndTime)
	}
	if patch.Duration != nil {
		sets = append(sets, "duration = ?")
		args = append(args, *patch.Duration)
	}
	if patch.Data != nil {
		sets = append(sets, "data = ?")
		args = append(args, string(patch.Data))
	}
	if patch.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, string(patch.Metadata))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	args = append(args, id)

	res, err := s.db.Exec("UPDATE traces SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to update trace %s: %v", id, err)
		return false, err
	}
	affected, _ := res.RowsAffected()

	logging.StoreDebug("Trace updated: id=%s applied=%v", id, affected > 0)
	return affected > 0, nil
}

func scanTrace(row scanner) (*Trace, error) {
	var tr Trace
	var parentID, metadata, errText sql.NullString
	var endTime, duration sql.NullInt64
	var data, status string

	err := row.Scan(&tr.ID, &tr.SessionID, &parentID, &tr.Operation, &tr.Language,
		&tr.Framework, &tr.StartTime, &endTime, &duration, &data, &metadata,
		&status, &errText)
	if err != nil {
		return nil, err
	}

	tr.Status = TraceStatus(status)
	tr.Data = []byte(data)
	if parentID.Valid {
		tr.ParentID = parentID.String
	}
	if endTime.Valid {
		tr.EndTime = endTime.Int64
	}
	if duration.Valid {
		tr.Duration = duration.Int64
	}
	if metadata.Valid {
		tr.Metadata = []byte(metadata.String)
	}
	if errText.Valid {
		tr.Error = errText.String
	}
	return &tr, nil
}
