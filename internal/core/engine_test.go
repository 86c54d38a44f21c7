package core

import (
	"errors"
	"testing"
	"time"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/clock"
	"pkt.systems/canvasd/internal/loggingutil"
)

// enginePair wires two engines back to back: everything one publishes is
// delivered straight into the other, the shortest possible sync channel.
type enginePair struct {
	clk   *clock.Manual
	alice *Engine
	bob   *Engine
	log   []api.Mutation
}

func newEnginePair(t *testing.T) *enginePair {
	t.Helper()
	p := &enginePair{clk: clock.NewManual(testStart())}
	cfg := func(user string) EngineConfig {
		return EngineConfig{UserID: user, LockTTL: 10 * time.Second, HistoryLimit: 64}
	}
	p.alice = NewEngine(cfg("alice"), p.clk, loggingutil.NoopLogger(), func(m api.Mutation) {
		p.log = append(p.log, m)
		p.bob.ApplyRemote(m)
	}, nil)
	p.bob = NewEngine(cfg("bob"), p.clk, loggingutil.NoopLogger(), func(m api.Mutation) {
		p.log = append(p.log, m)
		p.alice.ApplyRemote(m)
	}, nil)
	return p
}

func failureCode(t *testing.T, err error) string {
	t.Helper()
	var f Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected Failure, got %T: %v", err, err)
	}
	return f.Code
}

func TestCreatePropagatesBetweenClients(t *testing.T) {
	p := newEnginePair(t)
	if _, err := p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeRectangle, X: 10, Y: 20, Fill: "#ff0000"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	shape, ok := p.bob.Store().Get("s1")
	if !ok {
		t.Fatal("expected create delivered to bob")
	}
	if shape.X != 10 || shape.Fill != "#ff0000" {
		t.Fatalf("shape mangled in transit: %+v", shape)
	}
	if shape.LastModifiedBy != "alice" {
		t.Fatalf("expected lastModifiedBy alice, got %q", shape.LastModifiedBy)
	}
}

func TestCreateRequiresID(t *testing.T) {
	p := newEnginePair(t)
	_, err := p.alice.CreateShape(api.Shape{Type: api.ShapeRectangle})
	if err == nil {
		t.Fatal("expected create without id refused")
	}
}

func TestUndoPositionSurvivesRemoteFillChange(t *testing.T) {
	p := newEnginePair(t)
	p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeRectangle, X: 10, Y: 20, Fill: "#ff0000"})

	p.clk.Advance(100 * time.Millisecond)
	if _, err := p.alice.UpdateShape("s1", map[string]any{"x": 42.0}, false); err != nil {
		t.Fatalf("alice move: %v", err)
	}
	p.clk.Advance(100 * time.Millisecond)
	if _, err := p.bob.UpdateShape("s1", map[string]any{"fill": "#00ff00"}, false); err != nil {
		t.Fatalf("bob recolor: %v", err)
	}

	// Alice's move entry reverts only x; bob's recolor touched only fill,
	// so the undo applies cleanly and preserves bob's color.
	p.clk.Advance(100 * time.Millisecond)
	if _, err := p.alice.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	for name, e := range map[string]*Engine{"alice": p.alice, "bob": p.bob} {
		shape, ok := e.Store().Get("s1")
		if !ok {
			t.Fatalf("%s lost the shape", name)
		}
		if shape.X != 10 {
			t.Fatalf("%s: expected x reverted to 10, got %v", name, shape.X)
		}
		if shape.Fill != "#00ff00" {
			t.Fatalf("%s: expected bob's fill preserved, got %q", name, shape.Fill)
		}
	}
}

func TestUndoRefusedAfterRemoteSameFieldChange(t *testing.T) {
	p := newEnginePair(t)
	seed := []api.Shape{{ID: "s1", Type: api.ShapeRectangle, X: 10}}
	p.alice.ApplySnapshot(seed)
	p.bob.ApplySnapshot(seed)

	p.clk.Advance(100 * time.Millisecond)
	if _, err := p.alice.UpdateShape("s1", map[string]any{"x": 42.0}, false); err != nil {
		t.Fatalf("alice move: %v", err)
	}
	p.clk.Advance(100 * time.Millisecond)
	if _, err := p.bob.UpdateShape("s1", map[string]any{"x": 77.0}, false); err != nil {
		t.Fatalf("bob move: %v", err)
	}

	_, err := p.alice.Undo()
	if err == nil {
		t.Fatal("expected undo refused after remote edit of the same field")
	}
	if code := failureCode(t, err); code != CodeHistoryStale {
		t.Fatalf("expected %q, got %q", CodeHistoryStale, code)
	}
	shape, _ := p.alice.Store().Get("s1")
	if shape.X != 77 {
		t.Fatalf("expected bob's position kept, got x=%v", shape.X)
	}
	// The stale entry is discarded, not retried.
	if _, err := p.alice.Undo(); err == nil {
		t.Fatal("expected empty history after stale entry discarded")
	} else if code := failureCode(t, err); code != CodeHistoryEmpty {
		t.Fatalf("expected %q, got %q", CodeHistoryEmpty, code)
	}
}

func TestUndoRedoCreateRoundTrip(t *testing.T) {
	p := newEnginePair(t)
	p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeStar, Points: 5})

	p.clk.Advance(time.Second)
	if _, err := p.alice.Undo(); err != nil {
		t.Fatalf("undo create: %v", err)
	}
	if _, ok := p.alice.Store().Get("s1"); ok {
		t.Fatal("expected shape removed by undo")
	}
	if _, ok := p.bob.Store().Get("s1"); ok {
		t.Fatal("expected removal delivered to bob")
	}

	p.clk.Advance(time.Second)
	if _, err := p.alice.Redo(); err != nil {
		t.Fatalf("redo create: %v", err)
	}
	for name, e := range map[string]*Engine{"alice": p.alice, "bob": p.bob} {
		shape, ok := e.Store().Get("s1")
		if !ok {
			t.Fatalf("%s: expected shape restored by redo", name)
		}
		if shape.Points != 5 {
			t.Fatalf("%s: restored shape lost fields: %+v", name, shape)
		}
	}
	if _, err := p.alice.Undo(); err != nil {
		t.Fatalf("undo after redo: %v", err)
	}
}

func TestUndoDeleteRestoresShape(t *testing.T) {
	p := newEnginePair(t)
	p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeText, Text: "hello", X: 3})

	p.clk.Advance(time.Second)
	if _, err := p.alice.DeleteShape("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	p.clk.Advance(time.Second)
	if _, err := p.alice.Undo(); err != nil {
		t.Fatalf("undo delete: %v", err)
	}
	for name, e := range map[string]*Engine{"alice": p.alice, "bob": p.bob} {
		shape, ok := e.Store().Get("s1")
		if !ok {
			t.Fatalf("%s: expected shape restored", name)
		}
		if shape.Text != "hello" || shape.X != 3 {
			t.Fatalf("%s: snapshot not restored faithfully: %+v", name, shape)
		}
	}
}

func TestLockedShapeRejectsOtherUsersEdits(t *testing.T) {
	p := newEnginePair(t)
	p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeRectangle})

	p.clk.Advance(100 * time.Millisecond)
	if _, err := p.alice.UpdateShape("s1", map[string]any{"x": 5.0}, true); err != nil {
		t.Fatalf("alice drag: %v", err)
	}
	shape, _ := p.bob.Store().Get("s1")
	if !shape.IsLocked || shape.LockedBy != "alice" {
		t.Fatalf("expected lock visible to bob, got %+v", shape)
	}

	_, err := p.bob.UpdateShape("s1", map[string]any{"x": 9.0}, true)
	if err == nil {
		t.Fatal("expected bob's edit refused")
	}
	var f Failure
	if !errors.As(err, &f) || f.Code != CodeLockDenied {
		t.Fatalf("expected lock_denied, got %v", err)
	}
	if f.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter hint, got %d", f.RetryAfter)
	}

	if _, err := p.bob.DeleteShape("s1"); err == nil {
		t.Fatal("expected bob's delete refused")
	} else if code := failureCode(t, err); code != CodeObjectLocked {
		t.Fatalf("expected %q, got %q", CodeObjectLocked, code)
	}

	// Past the lock timeout the hold dissolves and bob may edit.
	p.clk.Advance(10*time.Second + time.Millisecond)
	if _, err := p.bob.UpdateShape("s1", map[string]any{"x": 9.0}, true); err != nil {
		t.Fatalf("expected edit after expiry, got %v", err)
	}
}

func TestApplyRemoteSkipsOwnEcho(t *testing.T) {
	p := newEnginePair(t)
	p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeRectangle, X: 1})

	echo := api.Mutation{
		Kind: api.MutationUpdate, ShapeID: "s1", UserID: "alice",
		Fields: map[string]any{"x": 999.0}, Timestamp: p.clk.Millis() + 5,
	}
	p.alice.ApplyRemote(echo)
	shape, _ := p.alice.Store().Get("s1")
	if shape.X != 1 {
		t.Fatalf("expected own echo ignored, got x=%v", shape.X)
	}
}

func TestMutationLogReplayIsIdempotent(t *testing.T) {
	p := newEnginePair(t)
	p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeRectangle, X: 1})
	p.clk.Advance(time.Second)
	p.alice.UpdateShape("s1", map[string]any{"x": 2.0}, false)
	p.clk.Advance(time.Second)
	p.bob.CreateShape(api.Shape{ID: "s2", Type: api.ShapeEllipse})
	p.clk.Advance(time.Second)
	p.alice.DeleteShape("s1")
	p.clk.Advance(time.Second)
	p.alice.Undo() // restores s1 with a fresh create

	replay := func(into *Engine) {
		for _, m := range p.log {
			into.ApplyRemote(m)
		}
	}
	observer := NewEngine(EngineConfig{UserID: "observer", LockTTL: 10 * time.Second}, p.clk, loggingutil.NoopLogger(), nil, nil)
	replay(observer)
	first := snapshotByID(observer.Store())

	replay(observer)
	second := snapshotByID(observer.Store())

	if len(first) != len(second) {
		t.Fatalf("replay changed shape count: %d then %d", len(first), len(second))
	}
	for id, shape := range first {
		if second[id] != shape {
			t.Fatalf("replay changed %s:\nfirst:  %+v\nsecond: %+v", id, shape, second[id])
		}
	}
	if _, ok := first["s1"]; !ok {
		t.Fatal("expected restored s1 to survive replay")
	}
	if _, ok := first["s2"]; !ok {
		t.Fatal("expected s2 present")
	}
}

func snapshotByID(store *ShapeStore) map[string]api.Shape {
	out := make(map[string]api.Shape)
	for _, shape := range store.List() {
		out[shape.ID] = shape
	}
	return out
}

func TestHistoryLimitCapsUndoDepth(t *testing.T) {
	p := newEnginePair(t)
	engine := NewEngine(EngineConfig{UserID: "solo", LockTTL: 10 * time.Second, HistoryLimit: 3}, p.clk, loggingutil.NoopLogger(), nil, nil)
	engine.CreateShape(api.Shape{ID: "s1", Type: api.ShapeRectangle})
	for i := 0; i < 5; i++ {
		p.clk.Advance(time.Millisecond)
		if _, err := engine.UpdateShape("s1", map[string]any{"x": float64(i)}, false); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if got := engine.History().UndoLen(); got != 3 {
		t.Fatalf("expected undo depth capped at 3, got %d", got)
	}
}

func TestLockChurnLeavesLastModifiedUntouched(t *testing.T) {
	p := newEnginePair(t)
	p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeRectangle, X: 10})
	created, _ := p.alice.Store().Get("s1")

	p.clk.Advance(2 * time.Second)
	if res := p.bob.Locks().TryAcquire("s1", "bob"); !res.Granted {
		t.Fatalf("expected grant, got %+v", res)
	}
	aliceView, _ := p.alice.Store().Get("s1")
	bobView, _ := p.bob.Store().Get("s1")
	if aliceView.LockedBy != "bob" {
		t.Fatalf("expected grant delivered to alice, got %+v", aliceView)
	}
	// The grant travels as a lock-only patch: both replicas must keep
	// the creation stamp, or the staleness ordering diverges per client.
	for _, view := range []api.Shape{aliceView, bobView} {
		if view.LastModifiedAt != created.LastModifiedAt || view.LastModifiedBy != "alice" {
			t.Fatalf("expected lastModified %d/alice after grant, got %d/%q",
				created.LastModifiedAt, view.LastModifiedAt, view.LastModifiedBy)
		}
	}

	p.clk.Advance(2 * time.Second)
	p.bob.Locks().Release("s1", "bob")
	aliceView, _ = p.alice.Store().Get("s1")
	bobView, _ = p.bob.Store().Get("s1")
	if aliceView.LockedBy != "" || bobView.LockedBy != "" {
		t.Fatalf("expected release on both replicas, got alice=%q bob=%q",
			aliceView.LockedBy, bobView.LockedBy)
	}
	if aliceView.LastModifiedAt != created.LastModifiedAt || bobView.LastModifiedAt != created.LastModifiedAt {
		t.Fatalf("replicas drifted on lastModifiedAt after release: alice=%d bob=%d want %d",
			aliceView.LastModifiedAt, bobView.LastModifiedAt, created.LastModifiedAt)
	}
	if aliceView.LastModifiedBy != "alice" || bobView.LastModifiedBy != "alice" {
		t.Fatalf("expected release to leave lastModifiedBy alone, got alice=%q bob=%q",
			aliceView.LastModifiedBy, bobView.LastModifiedBy)
	}
}

func TestUndoKeptAfterLockContention(t *testing.T) {
	p := newEnginePair(t)
	p.alice.CreateShape(api.Shape{ID: "s1", Type: api.ShapeRectangle, X: 10})
	p.clk.Advance(100 * time.Millisecond)
	if _, err := p.alice.UpdateShape("s1", map[string]any{"x": 42.0}, false); err != nil {
		t.Fatalf("alice move: %v", err)
	}

	p.clk.Advance(100 * time.Millisecond)
	if res := p.bob.Locks().TryAcquire("s1", "bob"); !res.Granted {
		t.Fatalf("expected grant, got %+v", res)
	}

	depth := p.alice.History().UndoLen()
	_, err := p.alice.Undo()
	if code := failureCode(t, err); code != CodeLockDenied {
		t.Fatalf("expected %q while bob holds the shape, got %q", CodeLockDenied, code)
	}
	if got := p.alice.History().UndoLen(); got != depth {
		t.Fatalf("expected refused step kept on the undo stack, got depth %d want %d", got, depth)
	}

	// Once the hold expires the same step undoes cleanly.
	p.clk.Advance(10*time.Second + time.Millisecond)
	if _, err := p.alice.Undo(); err != nil {
		t.Fatalf("undo after expiry: %v", err)
	}
	for name, engine := range map[string]*Engine{"alice": p.alice, "bob": p.bob} {
		shape, _ := engine.Store().Get("s1")
		if shape.X != 10 {
			t.Fatalf("expected %s to see x reverted to 10, got %v", name, shape.X)
		}
	}
}
