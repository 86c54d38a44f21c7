// Package postgres persists canvas documents in PostgreSQL, one JSONB
// row per canvas, for deployments that already run a database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/docstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS canvas_documents (
	canvas_id    TEXT PRIMARY KEY,
	document     JSONB NOT NULL,
	last_updated BIGINT NOT NULL
)`

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to url and ensures the schema exists.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Load reads and decodes the document for canvasID.
func (s *Store) Load(ctx context.Context, canvasID string) (api.Document, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM canvas_documents WHERE canvas_id = $1`, canvasID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return api.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return api.Document{}, fmt.Errorf("postgres: load %s: %w", canvasID, err)
	}
	var doc api.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return api.Document{}, fmt.Errorf("postgres: decode %s: %w", canvasID, err)
	}
	return doc, nil
}

// Save upserts the document row.
func (s *Store) Save(ctx context.Context, doc api.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres: encode %s: %w", doc.CanvasID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO canvas_documents (canvas_id, document, last_updated)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (canvas_id)
		 DO UPDATE SET document = EXCLUDED.document, last_updated = EXCLUDED.last_updated`,
		doc.CanvasID, payload, doc.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("postgres: save %s: %w", doc.CanvasID, err)
	}
	return nil
}

// Delete removes the document row for canvasID.
func (s *Store) Delete(ctx context.Context, canvasID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM canvas_documents WHERE canvas_id = $1`, canvasID,
	); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", canvasID, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
