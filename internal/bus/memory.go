package bus

import (
	"context"
	"sync"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

// defaultSubscriberBuffer bounds the per-subscriber delivery queue. A
// consumer that falls this far behind starts losing messages, which the
// at-least-once contract already obliges it to tolerate.
const defaultSubscriberBuffer = 256

// Memory is an in-process Bus for single-binary deployments and tests.
// Each subscriber drains its own buffered queue on a dedicated
// goroutine; a full queue drops the oldest pending message rather than
// blocking the publisher.
type Memory struct {
	mu        sync.Mutex
	closed    bool
	nextID    int
	mutations map[string]map[int]*memorySub[api.Mutation]
	presence  map[string]map[int]*memorySub[api.Presence]
	logger    pslog.Logger
}

type memorySub[T any] struct {
	queue chan T
	done  chan struct{}
	once  sync.Once
}

func (s *memorySub[T]) close() {
	s.once.Do(func() { close(s.done) })
}

// NewMemory returns an empty in-process bus.
func NewMemory(logger pslog.Logger) *Memory {
	return &Memory{
		mutations: make(map[string]map[int]*memorySub[api.Mutation]),
		presence:  make(map[string]map[int]*memorySub[api.Presence]),
		logger:    loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "bus.memory"),
	}
}

// PublishMutation delivers m to every mutation subscriber of canvasID.
func (b *Memory) PublishMutation(ctx context.Context, canvasID string, m api.Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	for _, sub := range b.mutations[canvasID] {
		offerLocked(b.logger, "mutation", canvasID, sub, m)
	}
	return nil
}

// SubscribeMutations registers fn on the canvas mutation topic.
func (b *Memory) SubscribeMutations(ctx context.Context, canvasID string, fn func(api.Mutation)) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	sub := &memorySub[api.Mutation]{
		queue: make(chan api.Mutation, defaultSubscriberBuffer),
		done:  make(chan struct{}),
	}
	id := b.nextID
	b.nextID++
	if b.mutations[canvasID] == nil {
		b.mutations[canvasID] = make(map[int]*memorySub[api.Mutation])
	}
	b.mutations[canvasID][id] = sub
	go deliver(sub, fn)
	return func() {
		b.mu.Lock()
		delete(b.mutations[canvasID], id)
		b.mu.Unlock()
		sub.close()
	}, nil
}

// PublishPresence delivers p to every presence subscriber of canvasID.
func (b *Memory) PublishPresence(ctx context.Context, canvasID string, p api.Presence) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	for _, sub := range b.presence[canvasID] {
		offerLocked(b.logger, "presence", canvasID, sub, p)
	}
	return nil
}

// SubscribePresence registers fn on the canvas presence topic.
func (b *Memory) SubscribePresence(ctx context.Context, canvasID string, fn func(api.Presence)) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	sub := &memorySub[api.Presence]{
		queue: make(chan api.Presence, defaultSubscriberBuffer),
		done:  make(chan struct{}),
	}
	id := b.nextID
	b.nextID++
	if b.presence[canvasID] == nil {
		b.presence[canvasID] = make(map[int]*memorySub[api.Presence])
	}
	b.presence[canvasID][id] = sub
	go deliver(sub, fn)
	return func() {
		b.mu.Lock()
		delete(b.presence[canvasID], id)
		b.mu.Unlock()
		sub.close()
	}, nil
}

// Close detaches every subscriber and refuses further publishes.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.mutations {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, subs := range b.presence {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.mutations = map[string]map[int]*memorySub[api.Mutation]{}
	b.presence = map[string]map[int]*memorySub[api.Presence]{}
	return nil
}

// offerLocked enqueues without blocking; when the queue is full the
// oldest pending message is discarded to make room, keeping the newest
// state flowing (both topics tolerate loss).
func offerLocked[T any](logger pslog.Logger, topic, canvasID string, sub *memorySub[T], msg T) {
	select {
	case sub.queue <- msg:
		return
	default:
	}
	select {
	case <-sub.queue:
	default:
	}
	select {
	case sub.queue <- msg:
	default:
	}
	logger.Warn("bus.memory.drop", "topic", topic, "canvas", canvasID)
}

func deliver[T any](sub *memorySub[T], fn func(T)) {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.queue:
			fn(msg)
		}
	}
}
