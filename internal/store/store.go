// Package store persists skill documents. Content is stored exactly as
// serialized, entity tokens included.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no document exists for a file id.
var ErrNotFound = errors.New("store: document not found")

// Document is one persisted skill document.
type Document struct {
	FileID    string
	Content   string
	UpdatedAt time.Time
}

// Store reads and writes documents.
type Store interface {
	Get(ctx context.Context, fileID string) (Document, error)
	// Put creates or replaces the document and returns it as stored.
	Put(ctx context.Context, fileID, content string, at time.Time) (Document, error)
	// List returns all documents, most recently updated first.
	List(ctx context.Context) ([]Document, error)
	Close() error
}

// Open picks a backend from the DSN: postgres:// and postgresql:// URLs use
// PostgreSQL, sqlite:<path>, file:<path> and plain paths use SQLite.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "file:"):
		return OpenSQLite(strings.TrimPrefix(dsn, "file:"))
	default:
		return OpenSQLite(dsn)
	}
}
