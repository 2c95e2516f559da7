// Package store provides durable, indexed persistence for sessions, traces
// and bookmarks, backed by SQLite. The store is the sole writer of persisted
// state; deletes cascade sessions -> traces -> bookmarks.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tracescope/internal/logging"

	_ "modernc.org/sqlite"
)

// Store is the embedded trace store. Thread-safe with a read-write mutex;
// SQLite serializes at the engine level underneath.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Pragmas are per-connection; a single pooled connection keeps
	// foreign_keys and WAL settings in force for every statement.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialized at %s", path)
	return s, nil
}

// initialize applies pragmas and creates the required tables and indexes.
func (s *Store) initialize() error {
	pragmas := `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA foreign_keys = ON;
	`
	if _, err := s.db.Exec(pragmas); err != nil {
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		status TEXT DEFAULT 'active' CHECK (status IN ('active', 'completed', 'archived')),
		metadata TEXT,
		workspace_path TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		parent_id TEXT,
		operation TEXT NOT NULL,
		language TEXT DEFAULT 'javascript',
		framework TEXT DEFAULT 'unknown',
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		duration INTEGER,
		data TEXT NOT NULL,
		metadata TEXT,
		status TEXT DEFAULT 'pending' CHECK (status IN ('pending', 'success', 'error', 'timeout')),
		error TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS bookmarks (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		color TEXT DEFAULT '#FFD700',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (trace_id) REFERENCES traces(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_traces_session_time ON traces(session_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_traces_status ON traces(status);
	CREATE INDEX IF NOT EXISTS idx_traces_operation ON traces(operation);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_time ON sessions(status, created_at DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bookmarks_trace ON bookmarks(trace_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Stats returns aggregate row counts.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&st.Sessions); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM traces").Scan(&st.Traces); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM bookmarks").Scan(&st.Bookmarks); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
