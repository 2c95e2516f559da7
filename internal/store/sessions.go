package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"tracescope/internal/logging"

	"github.com/google/uuid"
)

// NewSessionAttrs carries the caller-supplied fields for session creation.
// The store assigns id and creation time; zero StartTime defaults to now and
// empty Status defaults to active.
type NewSessionAttrs struct {
	Name          string
	StartTime     int64
	Status        SessionStatus
	Metadata      []byte
	WorkspacePath string
}

// CreateSession inserts a new session and returns it with assigned id.
func (s *Store) CreateSession(attrs NewSessionAttrs) (*Session, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreateSession")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	sess := &Session{
		ID:            uuid.NewString(),
		Name:          attrs.Name,
		StartTime:     attrs.StartTime,
		Status:        attrs.Status,
		Metadata:      attrs.Metadata,
		WorkspacePath: attrs.WorkspacePath,
		CreatedAt:     now,
	}
	if sess.Name == "" {
		sess.Name = "New Session"
	}
	if sess.StartTime == 0 {
		sess.StartTime = now
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, name, start_time, end_time, status, metadata, workspace_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.StartTime, nullInt(sess.EndTime), string(sess.Status),
		nullStr(string(sess.Metadata)), nullStr(sess.WorkspacePath), sess.CreatedAt,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create session: %v", err)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logging.StoreDebug("Session created: id=%s name=%q", sess.ID, sess.Name)
	return sess, nil
}

// GetSession returns the session with the given id, or nil if absent.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, name, start_time, end_time, status, metadata, workspace_path, created_at
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// ListSessions returns sessions ordered by creation time descending.
func (s *Store) ListSessions(limit, offset int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(`
		SELECT id, name, start_time, end_time, status, metadata, workspace_path, created_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateSession applies a sparse patch. Returns false when the id is absent
// or the patch is empty; only supplied fields are rewritten. Status changes
// that violate the monotone lifecycle are rejected with ErrInvalidTransition.
func (s *Store) UpdateSession(id string, patch SessionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.IsEmpty() {
		return false, nil
	}

	if patch.Status != nil {
		var current string
		err := s.db.QueryRow("SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !validTransition(SessionStatus(current), *patch.Status) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *patch.Status)
		}
	}

	var sets []string
	var args []interface{}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *patch.EndTime)
	}
	if patch.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, string(patch.Metadata))
	}
	if patch.WorkspacePath != nil {
		sets = append(sets, "workspace_path = ?")
		args = append(args, *patch.WorkspacePath)
	}
	args = append(args, id)

	res, err := s.db.Exec("UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to update session %s: %v", id, err)
		return false, err
	}
	affected, _ := res.RowsAffected()

	logging.StoreDebug("Session updated: id=%s applied=%v", id, affected > 0)
	return affected > 0, nil
}

// DeleteSession removes a session, cascading to its traces and their
// bookmarks. Returns false if the id is absent.
func (s *Store) DeleteSession(id string) (bool, error) {
	timer := logging.StartTimer(logging.CategoryStore, "DeleteSession")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to delete session %s: %v", id, err)
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		logging.Store("Session deleted (cascade): %s", id)
	}
	return affected > 0, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var endTime sql.NullInt64
	var metadata, workspacePath sql.NullString
	var status string

	err := row.Scan(&sess.ID, &sess.Name, &sess.StartTime, &endTime, &status,
		&metadata, &workspacePath, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}

	sess.Status = SessionStatus(status)
	if endTime.Valid {
		sess.EndTime = endTime.Int64
	}
	if metadata.Valid {
		sess.Metadata = []byte(metadata.String)
	}
	if workspacePath.Valid {
		sess.WorkspacePath = workspacePath.String
	}
	return &sess, nil
}

// nullStr maps "" to NULL for optional text columns.
func nullStr(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// nullInt maps 0 to NULL for optional timestamp columns.
func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
