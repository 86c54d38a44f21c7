// Package bolt persists canvas documents in a local bbolt file, the
// zero-dependency durable option for single-host deployments.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/docstore"
)

var bucketCanvases = []byte("canvases")

// Store wraps one bbolt database file. Documents are stored as JSON
// under their canvas id in a single bucket.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCanvases)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: ensure bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads and decodes the document for canvasID.
func (s *Store) Load(ctx context.Context, canvasID string) (api.Document, error) {
	var payload []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketCanvases).Get([]byte(canvasID)); raw != nil {
			payload = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return api.Document{}, fmt.Errorf("bolt: load %s: %w", canvasID, err)
	}
	if payload == nil {
		return api.Document{}, docstore.ErrNotFound
	}
	var doc api.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return api.Document{}, fmt.Errorf("bolt: decode %s: %w", canvasID, err)
	}
	return doc, nil
}

// Save encodes and writes the document in one transaction.
func (s *Store) Save(ctx context.Context, doc api.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("bolt: encode %s: %w", doc.CanvasID, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCanvases).Put([]byte(doc.CanvasID), payload)
	})
	if err != nil {
		return fmt.Errorf("bolt: save %s: %w", doc.CanvasID, err)
	}
	return nil
}

// Delete removes the document for canvasID.
func (s *Store) Delete(ctx context.Context, canvasID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCanvases).Delete([]byte(canvasID))
	})
	if err != nil {
		return fmt.Errorf("bolt: delete %s: %w", canvasID, err)
	}
	return nil
}

// Close closes the database file.
func (s *Store) Close() error { return s.db.Close() }
