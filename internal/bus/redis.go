package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Redis is a Bus over Redis pub/sub, one channel pair per canvas. It is
// the multi-relay transport: every relay instance subscribed to a canvas
// sees every mutation regardless of which instance the publisher is
// attached to. Redis pub/sub delivers at-most-once per connected
// subscriber, which combined with the session's reconnect-and-resnapshot
// path satisfies the at-least-once contract end to end.
type Redis struct {
	client *redis.Client
	logger pslog.Logger
}

// NewRedis wraps an already-configured client. The caller owns the
// client's lifecycle; Close here only stops subscriptions created
// through this bus.
func NewRedis(client *redis.Client, logger pslog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "bus.redis"),
	}
}

func mutationTopic(canvasID string) string { return "canvas:" + canvasID + ":mutations" }
func presenceTopic(canvasID string) string { return "canvas:" + canvasID + ":presence" }

// PublishMutation marshals m and publishes it on the canvas mutation
// channel.
func (b *Redis) PublishMutation(ctx context.Context, canvasID string, m api.Mutation) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation for %s: %w", canvasID, err)
	}
	if err := b.client.Publish(ctx, mutationTopic(canvasID), payload).Err(); err != nil {
		b.logger.Warn("bus.redis.publish_failed", "topic", "mutation", "canvas", canvasID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SubscribeMutations subscribes to the canvas mutation channel and
// decodes each payload onto fn. Malformed payloads are logged and
// skipped.
func (b *Redis) SubscribeMutations(ctx context.Context, canvasID string, fn func(api.Mutation)) (Unsubscribe, error) {
	sub := b.client.Subscribe(ctx, mutationTopic(canvasID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	go func() {
		for msg := range sub.Channel() {
			var m api.Mutation
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Warn("bus.redis.malformed", "topic", "mutation", "canvas", canvasID, "error", err)
				continue
			}
			fn(m)
		}
	}()
	return func() { _ = sub.Close() }, nil
}

// PublishPresence marshals p and publishes it on the canvas presence
// channel.
func (b *Redis) PublishPresence(ctx context.Context, canvasID string, p api.Presence) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence for %s: %w", canvasID, err)
	}
	if err := b.client.Publish(ctx, presenceTopic(canvasID), payload).Err(); err != nil {
		b.logger.Warn("bus.redis.publish_failed", "topic", "presence", "canvas", canvasID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SubscribePresence subscribes to the canvas presence channel.
func (b *Redis) SubscribePresence(ctx context.Context, canvasID string, fn func(api.Presence)) (Unsubscribe, error) {
	sub := b.client.Subscribe(ctx, presenceTopic(canvasID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	go func() {
		for msg := range sub.Channel() {
			var p api.Presence
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				b.logger.Warn("bus.redis.malformed", "topic", "presence", "canvas", canvasID, "error", err)
				continue
			}
			fn(p)
		}
	}()
	return func() { _ = sub.Close() }, nil
}

// Close is a no-op beyond interface satisfaction; the owning process
// closes the shared redis client.
func (b *Redis) Close() error { return nil }
