// Package relay bridges websocket clients to the canvas bus and the
// document store. Each canvas gets a room holding the authoritative
// relay-side view: incoming mutations pass the conflict resolver before
// fan-out, and the materialized document is debounce-persisted after
// mutation bursts settle.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/bus"
	"pkt.systems/canvasd/internal/clock"
	"pkt.systems/canvasd/internal/core"
	"pkt.systems/canvasd/internal/docstore"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Envelope is the websocket wire frame. Exactly one payload field is
// set, selected by Type.
type Envelope struct {
	Type     string         `json:"type"` // snapshot | mutation | presence | error
	Mutation *api.Mutation  `json:"mutation,omitempty"`
	Presence *api.Presence  `json:"presence,omitempty"`
	Shapes   []api.Shape    `json:"shapes,omitempty"`
	Error    *api.ErrorInfo `json:"error,omitempty"`
}

const (
	envelopeSnapshot = "snapshot"
	envelopeMutation = "mutation"
	envelopePresence = "presence"
	envelopeError    = "error"
)

// Options carries the relay tunables.
type Options struct {
	LockTTL          time.Duration
	SweepInterval    time.Duration
	AutosaveDebounce time.Duration
}

// Hub owns the canvas rooms and their shared transports.
type Hub struct {
	opts    Options
	bus     bus.Bus
	docs    docstore.Store
	clk     clock.Clock
	logger  pslog.Logger
	metrics *Metrics

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub builds a hub over the given bus and document store.
func NewHub(opts Options, b bus.Bus, docs docstore.Store, clk clock.Clock, logger pslog.Logger, metrics *Metrics) *Hub {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Hub{
		opts:    opts,
		bus:     b,
		docs:    docs,
		clk:     clk,
		logger:  loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "relay"),
		metrics: metrics,
		rooms:   make(map[string]*room),
	}
}

// roomFor returns the room for canvasID, creating and attaching it on
// first use.
func (h *Hub) roomFor(ctx context.Context, canvasID string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[canvasID]; ok {
		return r, nil
	}
	r, err := h.openRoom(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	h.rooms[canvasID] = r
	if h.metrics != nil {
		h.metrics.OpenRooms.Inc()
	}
	return r, nil
}

// Shutdown drains every room: autosaves dirty documents and closes all
// client connections.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()
	for _, r := range rooms {
		r.close(ctx)
		if h.metrics != nil {
			h.metrics.OpenRooms.Dec()
		}
	}
}

// room is the per-canvas fan-out point with the relay's authoritative
// shape view.
type room struct {
	canvasID string
	hub      *Hub
	store    *core.ShapeStore
	resolver *core.Resolver
	logger   pslog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	dirty   bool

	unsubMut  bus.Unsubscribe
	unsubPres bus.Unsubscribe
	wake      chan struct{}
	stop      chan struct{}
	done      sync.WaitGroup
}

func (h *Hub) openRoom(ctx context.Context, canvasID string) (*room, error) {
	store := core.NewShapeStore()
	r := &room{
		canvasID: canvasID,
		hub:      h,
		store:    store,
		resolver: core.NewResolver(store, h.clk, h.opts.LockTTL, h.logger),
		logger:   h.logger.With("canvas", canvasID),
		clients:  make(map[*client]struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if h.docs != nil {
		doc, err := h.docs.Load(ctx, canvasID)
		switch {
		case err == nil:
			store.ApplySnapshot(doc.Shapes)
			r.logger.Info("relay.room.loaded", "shapes", len(doc.Shapes))
		case err == docstore.ErrNotFound:
		default:
			return nil, err
		}
	}
	unsubMut, err := h.bus.SubscribeMutations(ctx, canvasID, r.onMutation)
	if err != nil {
		return nil, err
	}
	unsubPres, err := h.bus.SubscribePresence(ctx, canvasID, r.onPresence)
	if err != nil {
		unsubMut()
		return nil, err
	}
	r.unsubMut = unsubMut
	r.unsubPres = unsubPres
	r.done.Add(1)
	go r.autosaveLoop()
	if h.opts.SweepInterval > 0 {
		r.done.Add(1)
		go r.sweepLoop()
	}
	return r, nil
}

// Snapshot returns the room's current shape view.
func (r *room) Snapshot() []api.Shape { return r.store.List() }

// publish forwards a client-originated envelope onto the bus. The room
// applies it when it comes back through the subscription, so every
// relay instance follows the same path.
func (r *room) publish(ctx context.Context, env Envelope) error {
	switch env.Type {
	case envelopeMutation:
		if env.Mutation == nil {
			return nil
		}
		return r.hub.bus.PublishMutation(ctx, r.canvasID, *env.Mutation)
	case envelopePresence:
		if env.Presence == nil {
			return nil
		}
		return r.hub.bus.PublishPresence(ctx, r.canvasID, *env.Presence)
	default:
		return nil
	}
}

// onMutation runs every mutation from the bus through the resolver,
// applies accepted ones to the room view, and fans them out.
func (r *room) onMutation(m api.Mutation) {
	decision := r.resolver.Decide(m)
	if !decision.Accept {
		if r.hub.metrics != nil {
			r.hub.metrics.MutationsDropped.WithLabelValues(decision.Reason).Inc()
		}
		r.logger.Debug("relay.mutation.drop",
			"shape", m.ShapeID,
			"kind", string(m.Kind),
			"reason", decision.Reason,
		)
		return
	}
	if err := r.apply(m); err != nil {
		r.logger.Warn("relay.mutation.malformed", "shape", m.ShapeID, "error", err)
		return
	}
	if r.hub.metrics != nil {
		r.hub.metrics.MutationsRelayed.WithLabelValues(string(m.Kind)).Inc()
	}
	r.markDirty()
	r.broadcast(Envelope{Type: envelopeMutation, Mutation: &m})
}

func (r *room) apply(m api.Mutation) error {
	switch m.Kind {
	case api.MutationCreate:
		shape, err := core.ShapeFromFields(m.ShapeID, m.Fields)
		if err != nil {
			return err
		}
		r.store.Upsert(shape)
	case api.MutationUpdate:
		current, _ := r.store.Get(m.ShapeID)
		after, err := core.ApplyFields(current, m.Fields)
		if err != nil {
			return err
		}
		if !core.SyncOnlyFields(m.Fields) {
			after.LastModifiedBy = m.UserID
			after.LastModifiedAt = m.Timestamp
		}
		r.store.Upsert(after)
	case api.MutationDelete:
		r.store.Remove(m.ShapeID, m.Timestamp)
	}
	return nil
}

// onPresence fans presence straight out; the relay keeps no peer state.
func (r *room) onPresence(p api.Presence) {
	if r.hub.metrics != nil {
		r.hub.metrics.PresenceRelayed.Inc()
	}
	r.broadcast(Envelope{Type: envelopePresence, Presence: &p})
}

func (r *room) broadcast(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("relay.broadcast.marshal_failed", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.send(payload)
	}
}

func (r *room) attachClient(c *client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	if r.hub.metrics != nil {
		r.hub.metrics.ConnectedClients.Inc()
	}
}

func (r *room) detachClient(c *client) {
	r.mu.Lock()
	_, present := r.clients[c]
	delete(r.clients, c)
	r.mu.Unlock()
	if present && r.hub.metrics != nil {
		r.hub.metrics.ConnectedClients.Dec()
	}
}

// markDirty schedules an autosave after the debounce window.
func (r *room) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// autosaveLoop persists the document once mutations stop arriving for
// the debounce window. Every new mutation restarts the window.
func (r *room) autosaveLoop() {
	defer r.done.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
		}
	settle:
		for {
			select {
			case <-r.stop:
				r.save(context.Background())
				return
			case <-r.wake:
			case <-r.hub.clk.After(r.hub.opts.AutosaveDebounce):
				break settle
			}
		}
		r.save(context.Background())
	}
}

// sweepLoop publishes releases for locks whose holders went away
// without unlocking. Sessions sweep their own locks; this covers the
// client that crashed or lost its connection mid-hold.
func (r *room) sweepLoop() {
	defer r.done.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-r.hub.clk.After(r.hub.opts.SweepInterval):
			r.sweepLocks()
		}
	}
}

func (r *room) sweepLocks() {
	now := r.hub.clk.Millis()
	ttl := r.hub.opts.LockTTL.Milliseconds()
	for _, shape := range r.store.List() {
		if shape.LockedBy == "" || shape.Locked(now, ttl) {
			continue
		}
		m := api.Mutation{
			Kind:      api.MutationUpdate,
			ShapeID:   shape.ID,
			UserID:    shape.LockedBy,
			Timestamp: now,
			Fields: map[string]any{
				"isLocked": false,
				"lockedBy": "",
				"lockedAt": float64(0),
			},
		}
		if err := r.hub.bus.PublishMutation(context.Background(), r.canvasID, m); err != nil {
			r.logger.Warn("relay.sweep.publish_failed", "shape", shape.ID, "error", err)
			return
		}
		r.logger.Debug("relay.sweep.released", "shape", shape.ID, "holder", m.UserID)
	}
}

func (r *room) save(ctx context.Context) {
	r.mu.Lock()
	wasDirty := r.dirty
	r.dirty = false
	r.mu.Unlock()
	if !wasDirty || r.hub.docs == nil {
		return
	}
	doc := api.Document{
		CanvasID:    r.canvasID,
		Shapes:      r.store.List(),
		LastUpdated: r.hub.clk.Millis(),
	}
	if err := r.hub.docs.Save(ctx, doc); err != nil {
		if r.hub.metrics != nil {
			r.hub.metrics.DocumentSaveErrs.Inc()
		}
		r.logger.Warn("relay.autosave.failed", "error", err)
		// Try again on the next settle window.
		r.markDirty()
		return
	}
	if r.hub.metrics != nil {
		r.hub.metrics.DocumentSaves.Inc()
	}
	r.logger.Debug("relay.autosave.saved", "shapes", len(doc.Shapes))
}

// close drains the room: saves a dirty document, detaches the bus, and
// closes every client.
func (r *room) close(ctx context.Context) {
	close(r.stop)
	r.done.Wait()
	r.unsubMut()
	r.unsubPres()
	r.save(ctx)
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*client]struct{})
	r.mu.Unlock()
	for _, c := range clients {
		c.closeConn()
	}
}
