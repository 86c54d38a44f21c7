// Package bus carries the two ephemeral canvas topics: the mutation
// stream and the presence stream. Delivery is at-least-once with no
// global order; the conflict resolver absorbs duplicates and races, and
// presence is last-write-wins, so neither topic needs broker acks.
package bus

import (
	"context"
	"errors"

	"pkt.systems/canvasd/api"
)

// ErrUnavailable indicates the transport cannot deliver right now. The
// session treats it as channel_unavailable: queue locally, reconnect,
// resnapshot, replay.
var ErrUnavailable = errors.New("bus: channel unavailable")

// Unsubscribe detaches a subscription. Safe to call more than once.
type Unsubscribe func()

// SyncChannel fans out shape mutations per canvas.
type SyncChannel interface {
	// PublishMutation delivers m to every subscriber of the canvas topic,
	// the publisher included.
	PublishMutation(ctx context.Context, canvasID string, m api.Mutation) error
	// SubscribeMutations registers fn for every mutation on the canvas
	// topic. fn runs on the subscription's delivery goroutine and must not
	// block for long; slow consumers lose messages rather than stall the
	// topic.
	SubscribeMutations(ctx context.Context, canvasID string, fn func(api.Mutation)) (Unsubscribe, error)
}

// PresenceChannel fans out ephemeral presence records per canvas.
// Records are never persisted; a missed one is healed by the next
// heartbeat.
type PresenceChannel interface {
	// PublishPresence delivers p fire-and-forget.
	PublishPresence(ctx context.Context, canvasID string, p api.Presence) error
	// SubscribePresence registers fn for presence records on the canvas
	// topic, under the same delivery rules as SubscribeMutations.
	SubscribePresence(ctx context.Context, canvasID string, fn func(api.Presence)) (Unsubscribe, error)
}

// Bus combines both topics over one transport.
type Bus interface {
	SyncChannel
	PresenceChannel
	// Close tears down the transport and all subscriptions.
	Close() error
}
