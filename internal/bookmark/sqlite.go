package bookmark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps bookmarks in a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates bookmarks.db inside dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create bookmark dir: %w", err)
	}
	dbPath := filepath.Join(dir, "bookmarks.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bookmarks (
			document_id TEXT PRIMARY KEY,
			fragment_id TEXT NOT NULL,
			offset_sec  REAL NOT NULL,
			updated_at  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bookmarks table: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Save(ctx context.Context, documentID string, b Bookmark) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookmarks (document_id, fragment_id, offset_sec, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			fragment_id = excluded.fragment_id,
			offset_sec  = excluded.offset_sec,
			updated_at  = excluded.updated_at
	`, documentID, b.FragmentID, b.Offset, b.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save bookmark %q: %w", documentID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, documentID string) (Bookmark, bool, error) {
	var (
		b       Bookmark
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fragment_id, offset_sec, updated_at FROM bookmarks WHERE document_id = ?`,
		documentID,
	).Scan(&b.FragmentID, &b.Offset, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Bookmark{}, false, nil
	}
	if err != nil {
		return Bookmark{}, false, fmt.Errorf("load bookmark %q: %w", documentID, err)
	}
	b.UpdatedAt = time.UnixMilli(updated)
	return b, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete bookmark %q: %w", documentID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
