package store

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

// CurrentSchemaVersion is the latest SQLite schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// SQLite stores documents in a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to get user_version: %w", err)
	}

	// Migration 0 -> 1: documents table
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS documents (
		  file_id    TEXT PRIMARY KEY,
		  content    TEXT NOT NULL,
		  updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_updated
		ON documents(updated_at DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", 1)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, fileID string) (Document, error) {
	var d Document
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id, content, updated_at FROM documents WHERE file_id = ?`, fileID,
	).Scan(&d.FileID, &d.Content, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: get %s: %w", fileID, err)
	}
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return d, nil
}

func (s *SQLite) Put(ctx context.Context, fileID, content string, at time.Time) (Document, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (file_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		fileID, content, at.UnixMilli())
	if err != nil {
		return Document{}, fmt.Errorf("store: put %s: %w", fileID, err)
	}
	return Document{FileID: fileID, Content: content, UpdatedAt: time.UnixMilli(at.UnixMilli()).UTC()}, nil
}

func (s *SQLite) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, content, updated_at FROM documents ORDER BY updated_at DESC, file_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var d Document
		var updated int64
		if err := rows.Scan(&d.FileID, &d.Content, &updated); err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		d.UpdatedAt = time.UnixMilli(updated).UTC()
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
