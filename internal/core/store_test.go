package core

import (
	"sort"
	"testing"

	"pkt.systems/canvasd/api"
)

func TestStoreUpsertGetRemove(t *testing.T) {
	store := NewShapeStore()

	if _, ok := store.Get("s1"); ok {
		t.Fatal("expected absent shape")
	}
	store.Upsert(api.Shape{ID: "s1", Type: api.ShapeEllipse, X: 1})
	shape, ok := store.Get("s1")
	if !ok || shape.X != 1 {
		t.Fatalf("expected stored shape, got %+v ok=%v", shape, ok)
	}

	store.Upsert(api.Shape{ID: "s1", Type: api.ShapeEllipse, X: 2})
	shape, _ = store.Get("s1")
	if shape.X != 2 {
		t.Fatalf("expected replacement, got x=%v", shape.X)
	}

	if !store.Remove("s1", 300) {
		t.Fatal("expected removal of present shape")
	}
	if store.Remove("s1", 301) {
		t.Fatal("expected second removal to report absence")
	}
}

func TestTombstoneLifecycle(t *testing.T) {
	store := NewShapeStore()
	store.Upsert(api.Shape{ID: "s1"})
	store.Remove("s1", 500)

	at, ok := store.DeletedAt("s1")
	if !ok || at != 500 {
		t.Fatalf("expected tombstone at 500, got %d ok=%v", at, ok)
	}

	// Re-creating the id clears the tombstone.
	store.Upsert(api.Shape{ID: "s1"})
	if _, ok := store.DeletedAt("s1"); ok {
		t.Fatal("expected tombstone cleared by upsert")
	}

	store.Remove("s1", 600)
	store.ApplySnapshot(nil)
	if _, ok := store.DeletedAt("s1"); ok {
		t.Fatal("expected tombstones reset by snapshot")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewShapeStore()
	in := []api.Shape{
		{ID: "a", Type: api.ShapeRectangle, X: 1, ZIndex: 2},
		{ID: "b", Type: api.ShapeStar, Points: 5, ZIndex: 1},
		{ID: "c", Type: api.ShapeText, Text: "hello", ZIndex: 3},
	}
	store.ApplySnapshot(in)

	out := store.List()
	if len(out) != len(in) {
		t.Fatalf("expected %d shapes, got %d", len(in), len(out))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("shape %s changed across snapshot round trip:\n in: %+v\nout: %+v", in[i].ID, in[i], out[i])
		}
	}

	// A later snapshot replaces everything, including removals.
	store.ApplySnapshot(in[:1])
	if store.Len() != 1 {
		t.Fatalf("expected 1 shape after replacement snapshot, got %d", store.Len())
	}
	if _, ok := store.Get("b"); ok {
		t.Fatal("expected b removed by replacement snapshot")
	}
}
