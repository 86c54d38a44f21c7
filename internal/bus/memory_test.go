package bus

import (
	"context"
	"testing"
	"time"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/loggingutil"
)

func TestMemoryFanOutPerCanvas(t *testing.T) {
	b := NewMemory(loggingutil.NoopLogger())
	defer b.Close()
	ctx := context.Background()

	got := make(chan api.Mutation, 4)
	unsub, err := b.SubscribeMutations(ctx, "c1", func(m api.Mutation) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	other := make(chan api.Mutation, 4)
	unsubOther, err := b.SubscribeMutations(ctx, "c2", func(m api.Mutation) { other <- m })
	if err != nil {
		t.Fatalf("subscribe c2: %v", err)
	}
	defer unsubOther()

	if err := b.PublishMutation(ctx, "c1", api.Mutation{Kind: api.MutationCreate, ShapeID: "s1", UserID: "alice"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-got:
		if m.ShapeID != "s1" {
			t.Fatalf("expected s1, got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected delivery on c1")
	}
	select {
	case m := <-other:
		t.Fatalf("expected topic isolation, c2 received %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemory(loggingutil.NoopLogger())
	defer b.Close()
	ctx := context.Background()

	got := make(chan api.Presence, 4)
	unsub, err := b.SubscribePresence(ctx, "c1", func(p api.Presence) { got <- p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.PublishPresence(ctx, "c1", api.Presence{UserID: "alice"})
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("expected delivery before unsubscribe")
	}

	unsub()
	unsub() // safe to repeat
	b.PublishPresence(ctx, "c1", api.Presence{UserID: "alice"})
	select {
	case p := <-got:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryClosedBusRefusesPublish(t *testing.T) {
	b := NewMemory(loggingutil.NoopLogger())
	b.Close()
	err := b.PublishMutation(context.Background(), "c1", api.Mutation{Kind: api.MutationDelete, ShapeID: "s1"})
	if err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := b.SubscribeMutations(context.Background(), "c1", func(api.Mutation) {}); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable on subscribe, got %v", err)
	}
}
