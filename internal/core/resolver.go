package core

import (
	"time"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/clock"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Decision is the resolver verdict for one mutation.
type Decision struct {
	Accept bool
	// Reason explains a rejection: CodeStaleMutation, CodeObjectLocked,
	// or CodeLockDenied.
	Reason string
}

// Resolver enforces the lock discipline and picks a deterministic winner
// when two writes race. It runs on every incoming remote mutation before
// the store is touched, and on every local attempt before publication,
// so all clients reach the same verdict independently from the same
// shape state.
type Resolver struct {
	store  *ShapeStore
	clk    clock.Clock
	ttl    time.Duration
	logger pslog.Logger
}

// NewResolver builds a resolver over the store, sharing the lock timeout
// of the lock table.
func NewResolver(store *ShapeStore, clk clock.Clock, ttl time.Duration, logger pslog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		clk:    clk,
		ttl:    ttl,
		logger: loggingutil.WithSubsystem(logger, "resolve"),
	}
}

// Decide evaluates a mutation against the current state of its target.
func (r *Resolver) Decide(m api.Mutation) Decision {
	switch m.Kind {
	case api.MutationCreate:
		return r.decideCreate(m)
	case api.MutationUpdate:
		return r.decideUpdate(m)
	case api.MutationDelete:
		return r.decideDelete(m)
	default:
		r.logger.Warn("resolve.unknown_kind", "kind", string(m.Kind), "shape", m.ShapeID)
		return Decision{Reason: CodeStaleMutation}
	}
}

// decideCreate accepts unconditionally for unseen ids. A create for an
// existing id is a duplicate delivery and drops idempotently, as does a
// replayed create for an id deleted later in the stream; only a create
// strictly newer than the delete (a remote undo restoring the shape)
// lands again.
func (r *Resolver) decideCreate(m api.Mutation) Decision {
	if _, exists := r.store.Get(m.ShapeID); exists {
		r.logger.Debug("resolve.create.duplicate", "shape", m.ShapeID, "user", m.UserID)
		return Decision{Reason: CodeStaleMutation}
	}
	if deletedAt, dead := r.store.DeletedAt(m.ShapeID); dead && m.Timestamp <= deletedAt {
		r.logger.Debug("resolve.create.tombstoned", "shape", m.ShapeID, "user", m.UserID)
		return Decision{Reason: CodeStaleMutation}
	}
	return Decision{Accept: true}
}

// decideUpdate accepts when the origin holds the shape's lock, or the
// shape is unlocked (which covers mutations that carry lock acquisition
// as part of the same intent, select-then-drag being one operation).
// Near-simultaneous writes tie-break on lastModifiedAt; an exact
// timestamp tie goes to the lexicographically larger user id, arbitrary
// but identical on every client.
func (r *Resolver) decideUpdate(m api.Mutation) Decision {
	current, ok := r.store.Get(m.ShapeID)
	if !ok {
		// The shape is gone; a late update for it lost the race.
		r.logger.Debug("resolve.update.orphan", "shape", m.ShapeID, "user", m.UserID)
		return Decision{Reason: CodeStaleMutation}
	}
	now := r.clk.Millis()
	if current.Locked(now, r.ttl.Milliseconds()) && current.LockedBy != m.UserID {
		return Decision{Reason: CodeLockDenied}
	}
	if m.Timestamp < current.LastModifiedAt {
		return Decision{Reason: CodeStaleMutation}
	}
	if m.Timestamp == current.LastModifiedAt && current.LastModifiedBy != "" && m.UserID < current.LastModifiedBy {
		return Decision{Reason: CodeStaleMutation}
	}
	return Decision{Accept: true}
}

// decideDelete accepts only when the shape is unlocked or held by the
// requester; otherwise the delete is refused with object_locked. A delete
// older than the shape's last accepted write is a replay and drops, so a
// redelivered delete cannot erase a shape restored by a later undo.
func (r *Resolver) decideDelete(m api.Mutation) Decision {
	current, ok := r.store.Get(m.ShapeID)
	if !ok {
		// Duplicate delivery of a delete already applied.
		return Decision{Reason: CodeStaleMutation}
	}
	now := r.clk.Millis()
	if current.Locked(now, r.ttl.Milliseconds()) && current.LockedBy != m.UserID {
		return Decision{Reason: CodeObjectLocked}
	}
	if m.Timestamp < current.LastModifiedAt {
		return Decision{Reason: CodeStaleMutation}
	}
	return Decision{Accept: true}
}
