package store

import (
	"database/sql"
	"fmt"
	"time"

	"tracescope/internal/logging"

	"github.com/google/uuid"
)

// NewBookmarkAttrs carries the caller-supplied fields for bookmark creation.
type NewBookmarkAttrs struct {
	TraceID     string
	Title       string
	Description string
	Color       string
}

// CreateBookmark inserts a new bookmark. The referenced trace must exist and
// must not already have a bookmark.
func (s *Store) CreateBookmark(attrs NewBookmarkAttrs) (*Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow("SELECT 1 FROM traces WHERE id = ?", attrs.TraceID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, attrs.TraceID)
	}
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRow("SELECT 1 FROM bookmarks WHERE trace_id = ?", attrs.TraceID).Scan(&exists)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBookmarkExists, attrs.TraceID)
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	bm := &Bookmark{
		ID:          uuid.NewString(),
		TraceID:     attrs.TraceID,
		Title:       attrs.Title,
		Description: attrs.Description,
		Color:       attrs.Color,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if bm.Title == "" {
		bm.Title = "Bookmark"
	}
	if bm.Color == "" {
		bm.Color = "#FFD700"
	}

	_, err = s.db.Exec(`
		INSERT INTO bookmarks (id, trace_id, title, description, color, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		bm.ID, bm.TraceID, bm.Title, nullStr(bm.Description), bm.Color, bm.CreatedAt,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create bookmark: %v", err)
		return nil, fmt.Errorf("failed to create bookmark: %w", err)
	}

	logging.StoreDebug("Bookmark created: id=%s trace=%s", bm.ID, bm.TraceID)
	return bm, nil
}

// ListBookmarks returns all bookmarks ordered by creation time descending.
func (s *Store) ListBookmarks() ([]Bookmark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, trace_id, title, description, color, created_at
		FROM bookmarks
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookmarks []Bookmark
	for rows.Next() {
		var bm Bookmark
		var description sql.NullString
		if err := rows.Scan(&bm.ID, &bm.TraceID, &bm.Title, &description, &bm.Color, &bm.CreatedAt); err != nil {
			continue
		}
		if description.Valid {
			bm.Description = description.String
		}
		bookmarks = append(bookmarks, bm)
	}
	return bookmarks, rows.Err()
}

// DeleteBookmark removes a bookmark. Returns false if the id is absent.
func (s *Store) DeleteBookmark(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM bookmarks WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}
