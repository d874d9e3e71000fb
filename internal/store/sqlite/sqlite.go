package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wiremesh/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	handle     TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore implements store.BlobStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup opens dbPath and runs setup before the first ping.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate creates the blobs table if missing.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put stores data under its content handle.
func (s *SQLiteStore) Put(ctx context.Context, data []byte) (store.Handle, error) {
	h := store.HandleOf(data)
	query := `
		INSERT OR IGNORE INTO blobs (handle, data)
		VALUES (?, ?)
	`
	if data == nil {
		data = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, query, string(h), data); err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return h, nil
}

// Get loads the blob for h.
func (s *SQLiteStore) Get(ctx context.Context, h store.Handle) ([]byte, error) {
	query := `
		SELECT data
		FROM blobs
		WHERE handle = ?
	`
	var data []byte
	err := s.db.QueryRowContext(ctx, query, string(h)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", h, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query blob: %w", err)
	}
	return data, nil
}

// Count returns the number of stored blobs.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count blobs: %w", err)
	}
	return n, nil
}
