// Package docstore persists canvas documents: the full shape list plus
// the time of the last write. The engine never blocks on it; the relay
// autosaves after mutation bursts settle and serves the document as the
// join snapshot.
package docstore

import (
	"context"
	"errors"

	"pkt.systems/canvasd/api"
)

// ErrNotFound indicates no document exists for the canvas id.
var ErrNotFound = errors.New("docstore: not found")

// Store is a canvas document backend.
type Store interface {
	// Load returns the persisted document for canvasID, or ErrNotFound.
	Load(ctx context.Context, canvasID string) (api.Document, error)
	// Save writes the document, replacing any prior version.
	Save(ctx context.Context, doc api.Document) error
	// Delete removes the document; deleting an absent canvas is a no-op.
	Delete(ctx context.Context, canvasID string) error
	// Close releases backend resources.
	Close() error
}
