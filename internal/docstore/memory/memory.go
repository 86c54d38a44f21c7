// Package memory provides the in-process document store used by tests
// and single-binary deployments with no durability requirement.
package memory

import (
	"context"
	"sync"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/docstore"
)

// Store keeps documents in a map. Contents are lost on process exit.
type Store struct {
	mu   sync.RWMutex
	docs map[string]api.Document
}

// New returns an empty store.
func New() *Store {
	return &Store{docs: make(map[string]api.Document)}
}

// Load returns the stored document for canvasID.
func (s *Store) Load(ctx context.Context, canvasID string) (api.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[canvasID]
	if !ok {
		return api.Document{}, docstore.ErrNotFound
	}
	// Copy the shape slice so callers cannot alias stored state.
	out := doc
	out.Shapes = append([]api.Shape(nil), doc.Shapes...)
	return out, nil
}

// Save stores a copy of doc keyed by its canvas id.
func (s *Store) Save(ctx context.Context, doc api.Document) error {
	stored := doc
	stored.Shapes = append([]api.Shape(nil), doc.Shapes...)
	s.mu.Lock()
	s.docs[doc.CanvasID] = stored
	s.mu.Unlock()
	return nil
}

// Delete removes the document for canvasID.
func (s *Store) Delete(ctx context.Context, canvasID string) error {
	s.mu.Lock()
	delete(s.docs, canvasID)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
