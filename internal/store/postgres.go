package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
  file_id    TEXT PRIMARY KEY,
  content    TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`

// Postgres stores documents in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and creates the schema.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, fileID string) (Document, error) {
	var d Document
	err := p.pool.QueryRow(ctx,
		`SELECT file_id, content, updated_at FROM documents WHERE file_id = $1`, fileID,
	).Scan(&d.FileID, &d.Content, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: get %s: %w", fileID, err)
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func (p *Postgres) Put(ctx context.Context, fileID, content string, at time.Time) (Document, error) {
	at = at.UTC().Truncate(time.Microsecond)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (file_id, content, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (file_id) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		fileID, content, at)
	if err != nil {
		return Document{}, fmt.Errorf("store: put %s: %w", fileID, err)
	}
	return Document{FileID: fileID, Content: content, UpdatedAt: at}, nil
}

func (p *Postgres) List(ctx context.Context) ([]Document, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT file_id, content, updated_at FROM documents ORDER BY updated_at DESC, file_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		var d Document
		err := row.Scan(&d.FileID, &d.Content, &d.UpdatedAt)
		d.UpdatedAt = d.UpdatedAt.UTC()
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
