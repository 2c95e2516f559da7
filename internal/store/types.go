package store

import (
	"encoding/json"
	"errors"
)

// SessionStatus is the lifecycle state of a recording session.
// Transitions are monotone: active -> {completed, archived}; archived is terminal.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// TraceStatus is the completion state of one captured operation.
type TraceStatus string

const (
	TracePending TraceStatus = "pending"
	TraceSuccess TraceStatus = "success"
	TraceError   TraceStatus = "error"
	TraceTimeout TraceStatus = "timeout"
)

// Session is a bounded recording context grouping zero or more traces.
type Session struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	StartTime     int64           `json:"start_time"`
	EndTime       int64           `json:"end_time,omitempty"`
	Status        SessionStatus   `json:"status"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	WorkspacePath string          `json:"workspace_path,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// Trace is one captured operation event, optionally parented to another
// trace within the same session. Timestamps are Unix milliseconds.
type Trace struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Operation string          `json:"operation"`
	Language  string          `json:"language"`
	Framework string          `json:"framework"`
	StartTime int64           `json:"start_time"`
	EndTime   int64           `json:"end_time,omitempty"`
	Duration  int64           `json:"duration,omitempty"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Status    TraceStatus     `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// Bookmark is a user-authored annotation pointing at one trace.
// At most one bookmark may exist per trace.
type Bookmark struct {
	ID          string `json:"id"`
	TraceID     string `json:"trace_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color"`
	CreatedAt   int64  `json:"created_at"`
}

// Stats holds aggregate row counts across the store.
type Stats struct {
	Sessions  int64 `json:"sessions"`
	Traces    int64 `json:"traces"`
	Bookmarks int64 `json:"bookmarks"`
}

// SessionUpdate is a sparse patch for a session. Nil fields are left untouched.
type SessionUpdate struct {
	Name          *string
	Status        *SessionStatus
	EndTime       *int64
	Metadata      json.RawMessage
	WorkspacePath *string
}

// IsEmpty reports whether the patch would change nothing.
func (u SessionUpdate) IsEmpty() bool {
	return u.Name == nil && u.Status == nil && u.EndTime == nil &&
		u.Metadata == nil && u.WorkspacePath == nil
}

// TraceUpdate is a sparse patch for a trace. Nil fields are left untouched.
type TraceUpdate struct {
	Status   *TraceStatus
	EndTime  *int64
	Duration *int64
	Data     json.RawMessage
	Metadata json.RawMessage
	Error    *string
}

// IsEmpty reports whether the patch would change nothing.
func (u TraceUpdate) IsEmpty() bool {
	return u.Status == nil && u.EndTime == nil && u.Duration == nil &&
		u.Data == nil && u.Metadata == nil && u.Error == nil
}

// Constraint violations surfaced by write operations. Absent rows on reads
// and patches are not errors; reads return nil and patches return applied=false.
var (
	ErrSessionNotFound   = errors.New("session does not exist")
	ErrTraceNotFound     = errors.New("trace does not exist")
	ErrParentMismatch    = errors.New("parent trace belongs to a different session")
	ErrBookmarkExists    = errors.New("trace already has a bookmark")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrInvalidData       = errors.New("trace data is not valid JSON")
)

// validTransition checks the monotone session lifecycle.
func validTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case SessionActive:
		return to == SessionCompleted || to == SessionArchived
	case SessionCompleted:
		return to == SessionArchived
	default:
		return false
	}
}
