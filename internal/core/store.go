package core

import (
	"sync"

	"pkt.systems/canvasd/api"
)

// ShapeStore is the per-client materialized view of one canvas: shape id
// to shape record. Each client owns its copy; convergence happens through
// the mutation stream, never through shared memory. No operation blocks.
type ShapeStore struct {
	mu     sync.RWMutex
	shapes map[string]api.Shape
	// tombstones remembers deleted ids and the wire timestamp of the
	// delete for the rest of the session, so a replayed create cannot
	// resurrect a deleted shape under at-least-once delivery. A create
	// newer than the delete (an undo restoring the shape) still lands.
	tombstones map[string]int64
}

// NewShapeStore returns an empty store.
func NewShapeStore() *ShapeStore {
	return &ShapeStore{
		shapes:     make(map[string]api.Shape),
		tombstones: make(map[string]int64),
	}
}

// Get returns the shape for id and whether it exists.
func (s *ShapeStore) Get(id string) (api.Shape, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shape, ok := s.shapes[id]
	return shape, ok
}

// Upsert inserts or replaces the shape keyed by its id. Re-inserting a
// previously deleted id clears its tombstone.
func (s *ShapeStore) Upsert(shape api.Shape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shapes[shape.ID] = shape
	delete(s.tombstones, shape.ID)
}

// Remove deletes the shape for id, recording at (wire milliseconds) as
// its deletion time, and reports whether it was present.
func (s *ShapeStore) Remove(id string, at int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shapes[id]; !ok {
		return false
	}
	delete(s.shapes, id)
	s.tombstones[id] = at
	return true
}

// DeletedAt returns the deletion timestamp for id and whether the id
// carries a tombstone in this session.
func (s *ShapeStore) DeletedAt(id string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.tombstones[id]
	return at, ok
}

// List returns all shapes in unspecified order; z-order is a shape field.
func (s *ShapeStore) List() []api.Shape {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Shape, 0, len(s.shapes))
	for _, shape := range s.shapes {
		out = append(out, shape)
	}
	return out
}

// Len returns the number of shapes.
func (s *ShapeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shapes)
}

// ApplySnapshot atomically replaces the full shape set. Used at join time
// and after any reconnection gap.
func (s *ShapeStore) ApplySnapshot(shapes []api.Shape) {
	next := make(map[string]api.Shape, len(shapes))
	for _, shape := range shapes {
		next[shape.ID] = shape
	}
	s.mu.Lock()
	s.shapes = next
	s.tombstones = make(map[string]int64)
	s.mu.Unlock()
}
