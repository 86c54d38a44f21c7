package core

import (
	"sync"
	"time"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/clock"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

// AcquireResult reports the outcome of a lock attempt.
type AcquireResult struct {
	Granted bool
	// Reason is set on denial: ReasonHeldByOther or ReasonNotFound.
	Reason string
	// HolderID identifies the current holder on denial.
	HolderID string
	// RetryAfter hints (milliseconds) when the current hold expires.
	RetryAfter int64
}

const (
	// ReasonHeldByOther denies an acquire because another user holds an
	// unexpired lock on the shape.
	ReasonHeldByOther = "held_by_other"
	// ReasonNotFound denies an acquire because the shape does not exist.
	ReasonNotFound = "not_found"
)

// LockTable implements the advisory per-shape lock discipline. There is
// no lock service: ownership lives in the shape's own lockedBy/lockedAt
// fields, so every transition is published as an ordinary shape update
// and travels with the rest of the sync protocol. Expiry is evaluated
// lazily on every access; SweepExpired additionally clears stale holds
// so idle clients converge without touching the shape.
type LockTable struct {
	// mu serializes read-modify-write cycles so an expired lock is
	// released and reassigned atomically with the new grant.
	mu      sync.Mutex
	store   *ShapeStore
	clk     clock.Clock
	ttl     time.Duration
	logger  pslog.Logger
	publish func(api.Mutation)
}

// NewLockTable wires a lock table over the store. publish is invoked for
// every grant/release/expiry transition and must never block.
func NewLockTable(store *ShapeStore, clk clock.Clock, ttl time.Duration, logger pslog.Logger, publish func(api.Mutation)) *LockTable {
	if publish == nil {
		publish = func(api.Mutation) {}
	}
	return &LockTable{
		store:   store,
		clk:     clk,
		ttl:     ttl,
		logger:  loggingutil.WithSubsystem(logger, "lock"),
		publish: publish,
	}
}

// TTLMillis returns the lock timeout in wire units.
func (l *LockTable) TTLMillis() int64 {
	return l.ttl.Milliseconds()
}

// TryAcquire grants the lock when the shape is unlocked, already held by
// userID (re-entrant, refreshing lockedAt), or held by a lock past its
// timeout. In the expired case the stale hold is treated as released and
// reassigned atomically with the new grant. Denials complete immediately;
// there is no wait queue and no automatic retry.
func (l *LockTable) TryAcquire(shapeID, userID string) AcquireResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	shape, ok := l.store.Get(shapeID)
	if !ok {
		return AcquireResult{Reason: ReasonNotFound}
	}
	now := l.clk.Millis()
	ttl := l.TTLMillis()
	if shape.Locked(now, ttl) && shape.LockedBy != userID {
		remaining := shape.LockedAt + ttl - now
		l.logger.Debug("lock.acquire.denied",
			"shape", shapeID,
			"user", userID,
			"holder", shape.LockedBy,
			"retry_after_ms", remaining,
		)
		return AcquireResult{
			Reason:     ReasonHeldByOther,
			HolderID:   shape.LockedBy,
			RetryAfter: remaining,
		}
	}
	expired := shape.LockedBy != "" && !shape.Locked(now, ttl)
	if expired {
		l.logger.Info("lock.expired.reassigned",
			"shape", shapeID,
			"stale_holder", shape.LockedBy,
			"user", userID,
		)
	}
	shape.IsLocked = true
	shape.LockedBy = userID
	shape.LockedAt = now
	l.store.Upsert(shape)
	l.logger.Debug("lock.acquire.granted", "shape", shapeID, "user", userID)
	l.publish(l.lockMutation(shape, userID, now))
	return AcquireResult{Granted: true}
}

// Release clears the lock only when userID holds it. Releasing a lock
// held by someone else, or not held at all, is a no-op rather than an
// error. An expired hold by userID is still cleared, so a reconnecting
// owner can tidy up after itself.
func (l *LockTable) Release(shapeID, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(shapeID, userID)
}

func (l *LockTable) releaseLocked(shapeID, userID string) {
	shape, ok := l.store.Get(shapeID)
	if !ok || shape.LockedBy != userID {
		return
	}
	now := l.clk.Millis()
	shape.IsLocked = false
	shape.LockedBy = ""
	shape.LockedAt = 0
	l.store.Upsert(shape)
	l.logger.Debug("lock.release", "shape", shapeID, "user", userID)
	l.publish(l.lockMutation(shape, userID, now))
}

// Renew extends lockedAt for an active interaction (continuous dragging)
// without relinquishing ownership. Reports whether the hold was still
// live; a renew after expiry does not resurrect the lock.
func (l *LockTable) Renew(shapeID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	shape, ok := l.store.Get(shapeID)
	if !ok {
		return false
	}
	now := l.clk.Millis()
	if !shape.HeldBy(userID, now, l.TTLMillis()) {
		return false
	}
	shape.LockedAt = now
	l.store.Upsert(shape)
	l.publish(l.lockMutation(shape, userID, now))
	return true
}

// ReleaseAllHeldBy clears every lock held by userID. Called on clean
// disconnect so other editors are not stuck waiting out the timeout.
func (l *LockTable) ReleaseAllHeldBy(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	released := 0
	for _, shape := range l.store.List() {
		if shape.LockedBy != userID {
			continue
		}
		l.releaseLocked(shape.ID, userID)
		released++
	}
	return released
}

// SweepExpired clears every lock past its timeout and publishes the
// release. Returns the number of locks swept. Run on the sweeper
// interval; lazy expiry on access means correctness never depends on it,
// only the visible staleness window does.
func (l *LockTable) SweepExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Millis()
	ttl := l.TTLMillis()
	swept := 0
	for _, shape := range l.store.List() {
		if shape.LockedBy == "" || shape.Locked(now, ttl) {
			continue
		}
		holder := shape.LockedBy
		shape.IsLocked = false
		shape.LockedBy = ""
		shape.LockedAt = 0
		l.store.Upsert(shape)
		l.logger.Info("lock.expired.swept", "shape", shape.ID, "stale_holder", holder)
		l.publish(l.lockMutation(shape, holder, now))
		swept++
	}
	return swept
}

// lockMutation builds the shape update that carries a lock transition.
// Only the lock fields travel; lastModified is untouched so lock churn
// never competes with content edits in the resolver tie-break.
func (l *LockTable) lockMutation(shape api.Shape, userID string, now int64) api.Mutation {
	return api.Mutation{
		Kind:    api.MutationUpdate,
		ShapeID: shape.ID,
		Fields: map[string]any{
			"isLocked": shape.IsLocked,
			"lockedBy": shape.LockedBy,
			"lockedAt": shape.LockedAt,
		},
		UserID:    userID,
		Timestamp: now,
	}
}
