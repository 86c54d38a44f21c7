package core

import (
	"testing"
	"time"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/clock"
	"pkt.systems/canvasd/internal/loggingutil"
)

func newTestResolver() (*Resolver, *ShapeStore, *clock.Manual) {
	store := NewShapeStore()
	manual := clock.NewManual(testStart())
	return NewResolver(store, manual, 10*time.Second, loggingutil.NoopLogger()), store, manual
}

func TestCreateIdempotentOnDuplicate(t *testing.T) {
	r, store, _ := newTestResolver()
	m := api.Mutation{
		Kind: api.MutationCreate, ShapeID: "s1", UserID: "alice",
		Fields: map[string]any{"id": "s1", "type": "rectangle"}, Timestamp: 100,
	}

	if d := r.Decide(m); !d.Accept {
		t.Fatalf("expected first create accepted, got %q", d.Reason)
	}
	store.Upsert(api.Shape{ID: "s1", Type: api.ShapeRectangle})
	d := r.Decide(m)
	if d.Accept {
		t.Fatal("expected duplicate create dropped")
	}
	if d.Reason != CodeStaleMutation {
		t.Fatalf("expected %q, got %q", CodeStaleMutation, d.Reason)
	}
}

func TestReplayedCreateAfterDeleteDropped(t *testing.T) {
	r, store, _ := newTestResolver()
	store.Upsert(api.Shape{ID: "s1", Type: api.ShapeRectangle})
	store.Remove("s1", 500)

	replay := api.Mutation{Kind: api.MutationCreate, ShapeID: "s1", UserID: "alice", Timestamp: 100}
	if d := r.Decide(replay); d.Accept {
		t.Fatal("expected replayed create for a deleted shape dropped")
	}

	// A create newer than the delete is a restore, not a replay.
	restore := api.Mutation{Kind: api.MutationCreate, ShapeID: "s1", UserID: "alice", Timestamp: 501}
	if d := r.Decide(restore); !d.Accept {
		t.Fatalf("expected restore create accepted, got %q", d.Reason)
	}
}

func TestUpdateRejectedWhileLockedByOther(t *testing.T) {
	r, store, manual := newTestResolver()
	now := manual.Millis()
	store.Upsert(api.Shape{ID: "s1", IsLocked: true, LockedBy: "alice", LockedAt: now})

	d := r.Decide(api.Mutation{
		Kind: api.MutationUpdate, ShapeID: "s1", UserID: "bob",
		Fields: map[string]any{"x": 5.0}, Timestamp: now + 1,
	})
	if d.Accept {
		t.Fatal("expected rejection while alice holds the lock")
	}
	if d.Reason != CodeLockDenied {
		t.Fatalf("expected %q, got %q", CodeLockDenied, d.Reason)
	}
}

func TestUpdateAcceptedAfterLockExpiry(t *testing.T) {
	r, store, manual := newTestResolver()
	store.Upsert(api.Shape{ID: "s1", IsLocked: true, LockedBy: "alice", LockedAt: manual.Millis()})

	manual.Advance(10*time.Second + time.Millisecond)
	d := r.Decide(api.Mutation{
		Kind: api.MutationUpdate, ShapeID: "s1", UserID: "bob",
		Fields: map[string]any{"x": 5.0}, Timestamp: manual.Millis(),
	})
	if !d.Accept {
		t.Fatalf("expected acceptance after expiry, got %q", d.Reason)
	}
}

func TestUpdateTimestampTieBreak(t *testing.T) {
	r, store, _ := newTestResolver()

	// Bob already applied at ts=100; Alice's concurrent ts=100 loses.
	store.Upsert(api.Shape{ID: "s1", LastModifiedBy: "bob", LastModifiedAt: 100})
	d := r.Decide(api.Mutation{
		Kind: api.MutationUpdate, ShapeID: "s1", UserID: "alice",
		Fields: map[string]any{"x": 1.0}, Timestamp: 100,
	})
	if d.Accept {
		t.Fatal("expected alice's tied update dropped against bob's")
	}

	// Alice applied first; Bob's tied update wins on the larger user id.
	store.Upsert(api.Shape{ID: "s1", LastModifiedBy: "alice", LastModifiedAt: 100})
	d = r.Decide(api.Mutation{
		Kind: api.MutationUpdate, ShapeID: "s1", UserID: "bob",
		Fields: map[string]any{"x": 2.0}, Timestamp: 100,
	})
	if !d.Accept {
		t.Fatalf("expected bob's tied update accepted, got %q", d.Reason)
	}
}

func TestUpdateOlderTimestampDropped(t *testing.T) {
	r, store, _ := newTestResolver()
	store.Upsert(api.Shape{ID: "s1", LastModifiedBy: "bob", LastModifiedAt: 200})

	d := r.Decide(api.Mutation{
		Kind: api.MutationUpdate, ShapeID: "s1", UserID: "alice",
		Fields: map[string]any{"x": 1.0}, Timestamp: 150,
	})
	if d.Accept {
		t.Fatal("expected stale update dropped")
	}
	if d.Reason != CodeStaleMutation {
		t.Fatalf("expected %q, got %q", CodeStaleMutation, d.Reason)
	}
}

func TestDeleteRejectedWhileLockedByOther(t *testing.T) {
	r, store, manual := newTestResolver()
	now := manual.Millis()
	store.Upsert(api.Shape{ID: "s1", IsLocked: true, LockedBy: "alice", LockedAt: now})

	d := r.Decide(api.Mutation{Kind: api.MutationDelete, ShapeID: "s1", UserID: "bob", Timestamp: now})
	if d.Accept {
		t.Fatal("expected delete rejected while locked by another user")
	}
	if d.Reason != CodeObjectLocked {
		t.Fatalf("expected %q, got %q", CodeObjectLocked, d.Reason)
	}

	d = r.Decide(api.Mutation{Kind: api.MutationDelete, ShapeID: "s1", UserID: "alice", Timestamp: now})
	if !d.Accept {
		t.Fatalf("expected holder's own delete accepted, got %q", d.Reason)
	}
}

func TestReplayedDeleteAfterRestoreDropped(t *testing.T) {
	r, store, _ := newTestResolver()
	// The shape was restored by an undo at ts=300; a redelivered delete
	// from ts=200 must not erase it again.
	store.Upsert(api.Shape{ID: "s1", LastModifiedBy: "alice", LastModifiedAt: 300})

	d := r.Decide(api.Mutation{Kind: api.MutationDelete, ShapeID: "s1", UserID: "bob", Timestamp: 200})
	if d.Accept {
		t.Fatal("expected replayed delete dropped")
	}
	if d.Reason != CodeStaleMutation {
		t.Fatalf("expected %q, got %q", CodeStaleMutation, d.Reason)
	}
}

func TestUpdateForMissingShapeDropped(t *testing.T) {
	r, _, _ := newTestResolver()
	d := r.Decide(api.Mutation{Kind: api.MutationUpdate, ShapeID: "gone", UserID: "alice", Timestamp: 1})
	if d.Accept {
		t.Fatal("expected update for a deleted shape dropped")
	}
}
