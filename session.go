package canvasd

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/bus"
	"pkt.systems/canvasd/internal/clock"
	"pkt.systems/canvasd/internal/core"
	"pkt.systems/canvasd/internal/docstore"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/canvasd/internal/presence"
	"pkt.systems/pslog"
)

// sessionPalette is the pool of presence colors. A session picks one by
// hashing its session id and keeps it for its whole lifetime.
var sessionPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#008080", "#9a6324",
}

// SessionOptions identifies the user and wires the session's transports.
type SessionOptions struct {
	// CanvasID selects the canvas to join.
	CanvasID string
	// UserID identifies the local user on every published mutation.
	UserID string
	// DisplayName is shown to peers; defaults to UserID.
	DisplayName string
	// Bus is the sync and presence transport. Required.
	Bus bus.Bus
	// Docs serves the join snapshot and is never written by the session;
	// persistence is the relay's job. Optional: without it the session
	// joins with an empty canvas.
	Docs docstore.Store
	// Logger defaults to a no-op logger.
	Logger pslog.Logger
	// Clock defaults to the real clock; tests inject a manual one.
	Clock clock.Clock
	// OnChange is invoked after every accepted mutation, local or remote.
	// Runs on the delivering goroutine; keep it cheap (UI notify).
	OnChange func(api.Mutation)
	// OnPresence is invoked for every observed peer record.
	OnPresence func(api.Presence)
}

// Session is one user's live attachment to a canvas: the engine plus
// the bus subscriptions, the presence loop, and the reconnect loop. All
// exported methods are safe for concurrent use.
type Session struct {
	cfg  Config
	opts SessionOptions

	sessionID string
	color     string
	clk       clock.Clock
	logger    pslog.Logger

	engine   *core.Engine
	peers    *presence.Tracker
	throttle *presence.CursorThrottle

	mu         sync.Mutex
	joined     bool
	connected  bool
	reconnects int
	queued     []api.Mutation
	cursorX    float64
	cursorY    float64
	typing     bool
	unsubMut   bus.Unsubscribe
	unsubPres  bus.Unsubscribe

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   sync.WaitGroup
}

// NewSession builds a session; call Join to attach it to the canvas.
func NewSession(cfg Config, opts SessionOptions) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.CanvasID == "" {
		return nil, errors.New("canvasd: canvas id is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("canvasd: user id is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("canvasd: bus is required")
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.UserID
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := loggingutil.EnsureLogger(opts.Logger)

	s := &Session{
		cfg:       cfg,
		opts:      opts,
		sessionID: xid.New().String(),
		clk:       clk,
		logger: loggingutil.WithSubsystem(logger, "session").With(
			"canvas", opts.CanvasID,
			"user", opts.UserID,
		),
		peers:    presence.NewTracker(clk, cfg.PresenceTTL, logger),
		throttle: presence.NewCursorThrottle(clk, cfg.CursorMinInterval, cfg.CursorMinDelta),
	}
	s.color = sessionPalette[paletteIndex(s.sessionID)]
	s.engine = core.NewEngine(core.EngineConfig{
		UserID:       opts.UserID,
		LockTTL:      cfg.LockTTL,
		HistoryLimit: cfg.HistoryLimit,
	}, clk, logger, s.publishMutation, s.notifyChange)
	return s, nil
}

// SessionID returns the unique id of this attachment.
func (s *Session) SessionID() string { return s.sessionID }

// Color returns the presence color assigned to this session.
func (s *Session) Color() string { return s.color }

// NewShapeID mints a client-side shape id; no round trip, usable
// immediately as a create target.
func NewShapeID() string { return uuid.NewString() }

// Join loads the snapshot, subscribes to both canvas topics, announces
// presence, and starts the heartbeat and sweeper loops.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return errors.New("canvasd: session already joined")
	}
	s.joined = true
	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := s.attach(ctx); err != nil {
		s.mu.Lock()
		s.joined = false
		s.mu.Unlock()
		s.loopCancel()
		return err
	}
	s.engine.StartSweeper(s.cfg.SweepInterval)
	s.loopDone.Add(1)
	go s.heartbeatLoop()
	s.logger.Info("session.joined", "session", s.sessionID)
	return nil
}

// attach performs the snapshot + subscribe half of a join or rejoin.
func (s *Session) attach(ctx context.Context) error {
	shapes, err := s.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	unsubMut, err := s.opts.Bus.SubscribeMutations(ctx, s.opts.CanvasID, s.handleRemoteMutation)
	if err != nil {
		return err
	}
	unsubPres, err := s.opts.Bus.SubscribePresence(ctx, s.opts.CanvasID, s.handleRemotePresence)
	if err != nil {
		unsubMut()
		return err
	}
	s.engine.ApplySnapshot(shapes)

	s.mu.Lock()
	if s.unsubMut != nil {
		s.unsubMut()
	}
	if s.unsubPres != nil {
		s.unsubPres()
	}
	s.unsubMut = unsubMut
	s.unsubPres = unsubPres
	s.connected = true
	s.throttle.Reset()
	s.mu.Unlock()

	s.publishPresence(ctx, false)
	return nil
}

func (s *Session) loadSnapshot(ctx context.Context) ([]api.Shape, error) {
	if s.opts.Docs == nil {
		return nil, nil
	}
	doc, err := s.opts.Docs.Load(ctx, s.opts.CanvasID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Shapes, nil
}

// Leave publishes a clean-disconnect presence record, releases held
// locks, and stops all loops. The session cannot be rejoined.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = false
	unsubMut, unsubPres := s.unsubMut, s.unsubPres
	s.unsubMut, s.unsubPres = nil, nil
	s.mu.Unlock()

	s.engine.Locks().ReleaseAllHeldBy(s.opts.UserID)
	left := api.Presence{
		UserID:      s.opts.UserID,
		DisplayName: s.opts.DisplayName,
		Color:       s.color,
		LastSeen:    s.clk.Millis(),
		Left:        true,
	}
	if err := s.opts.Bus.PublishPresence(ctx, s.opts.CanvasID, left); err != nil {
		s.logger.Warn("session.leave.presence_failed", "error", err)
	}
	s.loopCancel()
	s.loopDone.Wait()
	s.engine.StopSweeper()
	if unsubMut != nil {
		unsubMut()
	}
	if unsubPres != nil {
		unsubPres()
	}
	s.logger.Info("session.left", "session", s.sessionID)
}

// CreateShape adds a shape to the canvas. An empty id is filled with a
// fresh one; the final shape id is returned through the mutation.
func (s *Session) CreateShape(shape api.Shape) (api.Mutation, error) {
	if shape.ID == "" {
		shape.ID = NewShapeID()
	}
	return s.engine.CreateShape(shape)
}

// UpdateShape applies a partial field set. acquireLock makes the update
// take the advisory lock in the same intent (select-then-drag).
func (s *Session) UpdateShape(id string, fields map[string]any, acquireLock bool) (api.Mutation, error) {
	return s.engine.UpdateShape(id, fields, acquireLock)
}

// DeleteShape removes a shape unless another user holds its lock.
func (s *Session) DeleteShape(id string) (api.Mutation, error) {
	return s.engine.DeleteShape(id)
}

// ReleaseShape drops the local user's advisory lock on a shape.
func (s *Session) ReleaseShape(id string) {
	s.engine.Locks().Release(id, s.opts.UserID)
}

// Undo reverts the local user's most recent operation.
func (s *Session) Undo() (api.Mutation, error) { return s.engine.Undo() }

// Redo re-applies the most recently undone operation.
func (s *Session) Redo() (api.Mutation, error) { return s.engine.Redo() }

// Shapes returns the current materialized shape set.
func (s *Session) Shapes() []api.Shape { return s.engine.Store().List() }

// Peers lists the peers currently live on the canvas.
func (s *Session) Peers() []api.Presence { return s.peers.Online() }

// MoveCursor publishes the local cursor position, throttled to the
// configured rate unless the cursor jumped far enough to bypass it.
func (s *Session) MoveCursor(ctx context.Context, x, y float64) {
	s.mu.Lock()
	s.cursorX, s.cursorY = x, y
	s.mu.Unlock()
	if !s.throttle.Allow(x, y) {
		return
	}
	s.publishPresence(ctx, false)
}

// SetTyping flags the local user as typing in a text shape. Published
// immediately; peers render the indicator on the shape.
func (s *Session) SetTyping(ctx context.Context, typing bool) {
	s.mu.Lock()
	changed := s.typing != typing
	s.typing = typing
	s.mu.Unlock()
	if changed {
		s.publishPresence(ctx, false)
	}
}

// publishMutation is the engine's publish hook. A transport failure
// queues the mutation for replay after reconnect instead of surfacing
// an error to the editing user.
func (s *Session) publishMutation(m api.Mutation) {
	s.mu.Lock()
	ctx := s.loopCtx
	connected := s.connected
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if connected {
		err := s.opts.Bus.PublishMutation(ctx, s.opts.CanvasID, m)
		if err == nil {
			return
		}
		s.logger.Warn("session.publish_failed",
			"shape", m.ShapeID,
			"kind", string(m.Kind),
			"error", err,
		)
	}
	s.enqueue(m)
}

// enqueue stores a mutation for post-reconnect replay and kicks the
// reconnect loop if it is not already running.
func (s *Session) enqueue(m api.Mutation) {
	s.mu.Lock()
	s.queued = append(s.queued, m)
	alreadyReconnecting := !s.connected
	s.connected = false
	joined := s.joined
	s.mu.Unlock()
	if alreadyReconnecting || !joined {
		return
	}
	s.loopDone.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop re-attaches with exponential backoff, then replays the
// queued local mutations on top of the fresh snapshot.
func (s *Session) reconnectLoop() {
	defer s.loopDone.Done()
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = s.cfg.ReconnectMaxInterval
	policy.MaxElapsedTime = 0
	attempt := func() error {
		if err := s.attach(s.loopCtx); err != nil {
			s.logger.Warn("session.reconnect.retry", "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(attempt, backoff.WithContext(policy, s.loopCtx)); err != nil {
		// Context canceled: the session is leaving.
		return
	}

	s.mu.Lock()
	queued := s.queued
	s.queued = nil
	s.reconnects++
	s.mu.Unlock()
	s.logger.Info("session.reconnected", "replaying", len(queued))
	for i, m := range queued {
		// The fresh snapshot may predate this mutation; land it locally
		// again before republishing.
		s.engine.Reapply(m)
		if err := s.opts.Bus.PublishMutation(s.loopCtx, s.opts.CanvasID, m); err != nil {
			s.mu.Lock()
			s.queued = append(queued[i:], s.queued...)
			s.connected = false
			s.mu.Unlock()
			s.loopDone.Add(1)
			go s.reconnectLoop()
			return
		}
	}
}

// handleRemoteMutation feeds an incoming mutation to the engine.
func (s *Session) handleRemoteMutation(m api.Mutation) {
	s.engine.ApplyRemote(m)
}

// handleRemotePresence folds a peer record into the tracker.
func (s *Session) handleRemotePresence(p api.Presence) {
	if p.UserID == s.opts.UserID {
		return
	}
	s.peers.Observe(p)
	if s.opts.OnPresence != nil {
		s.opts.OnPresence(p)
	}
}

func (s *Session) notifyChange(m api.Mutation) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(m)
	}
}

// publishPresence sends the current presence record. Fire and forget:
// a lost record is healed by the next heartbeat.
func (s *Session) publishPresence(ctx context.Context, left bool) {
	s.mu.Lock()
	p := api.Presence{
		UserID:      s.opts.UserID,
		DisplayName: s.opts.DisplayName,
		Color:       s.color,
		CursorX:     s.cursorX,
		CursorY:     s.cursorY,
		IsTyping:    s.typing,
		LastSeen:    s.clk.Millis(),
		Left:        left,
	}
	s.mu.Unlock()
	if err := s.opts.Bus.PublishPresence(ctx, s.opts.CanvasID, p); err != nil {
		s.logger.Debug("session.presence.publish_failed", "error", err)
	}
}

// heartbeatLoop republishes presence on the configured cadence and
// expires silent peers from the tracker.
func (s *Session) heartbeatLoop() {
	defer s.loopDone.Done()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-s.clk.After(s.cfg.HeartbeatInterval):
			s.publishPresence(s.loopCtx, false)
			s.peers.ExpireStale()
		}
	}
}

func paletteIndex(sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(sessionPalette)))
}
