package core

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/clock"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

// syncFieldNames are the shape fields owned by the sync protocol itself.
// They never enter a history entry's inverse and never count as a remote
// content touch: lock churn and modification stamps must not strand undo
// targets or be "restored" by an undo.
var syncFieldNames = map[string]struct{}{
	"isLocked":       {},
	"lockedBy":       {},
	"lockedAt":       {},
	"lastModifiedBy": {},
	"lastModifiedAt": {},
}

// EngineConfig carries the tunables the engine needs.
type EngineConfig struct {
	// UserID identifies the local user on every published mutation.
	UserID string
	// LockTTL is the advisory lock timeout.
	LockTTL time.Duration
	// HistoryLimit bounds the undo and redo stacks; zero means unbounded.
	HistoryLimit int
}

// Engine is the transport-neutral core of one client: the materialized
// shape view, the advisory lock table, the conflict resolver, and the
// local undo/redo history, glued along the data flow of a collaborative
// canvas. Local edits lock, apply optimistically, then publish; remote
// mutations pass the resolver before touching the store. The engine is
// driven from the session's single event goroutine; its internal locking
// only guards against observer reads.
type Engine struct {
	cfg    EngineConfig
	clk    clock.Clock
	logger pslog.Logger

	mu       sync.Mutex
	store    *ShapeStore
	locks    *LockTable
	resolver *Resolver
	history  *History

	publish  func(api.Mutation)
	onChange func(api.Mutation)

	sweepStop chan struct{}
	sweepDone sync.WaitGroup
}

// NewEngine builds an engine. publish delivers locally-originated
// mutations to the sync channel; onChange notifies the render layer after
// any accepted change, local or remote. Either may be nil.
func NewEngine(cfg EngineConfig, clk clock.Clock, logger pslog.Logger, publish, onChange func(api.Mutation)) *Engine {
	logger = loggingutil.EnsureLogger(logger)
	if publish == nil {
		publish = func(api.Mutation) {}
	}
	if onChange == nil {
		onChange = func(api.Mutation) {}
	}
	store := NewShapeStore()
	e := &Engine{
		cfg:      cfg,
		clk:      clk,
		logger:   loggingutil.WithSubsystem(logger, "engine"),
		store:    store,
		history:  NewHistory(cfg.HistoryLimit, logger),
		publish:  publish,
		onChange: onChange,
	}
	e.locks = NewLockTable(store, clk, cfg.LockTTL, logger, publish)
	e.resolver = NewResolver(store, clk, cfg.LockTTL, logger)
	return e
}

// Store exposes the shape view for read-side consumers (render layer,
// snapshot autosave).
func (e *Engine) Store() *ShapeStore { return e.store }

// Locks exposes the lock table.
func (e *Engine) Locks() *LockTable { return e.locks }

// History exposes the undo/redo stacks for UI affordances.
func (e *Engine) History() *History { return e.history }

// ApplySnapshot replaces the local view with the canonical shape set.
// Optimistic local state already applied is the caller's to reconcile:
// the session replays its queued mutations on top after a reconnect.
func (e *Engine) ApplySnapshot(shapes []api.Shape) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.ApplySnapshot(shapes)
	e.logger.Info("engine.snapshot.applied", "shapes", len(shapes))
}

// CreateShape records a client-created shape (id already assigned by the
// caller, no round trip), applies it optimistically, and publishes the
// create mutation.
func (e *Engine) CreateShape(shape api.Shape) (api.Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if shape.ID == "" {
		return api.Mutation{}, Failure{Code: CodeNotFound, Detail: "shape id must be assigned before create"}
	}
	if _, exists := e.store.Get(shape.ID); exists {
		return api.Mutation{}, Failure{Code: CodeStaleMutation, Detail: "shape id already present"}
	}
	now := e.clk.Millis()
	shape.LastModifiedBy = e.cfg.UserID
	shape.LastModifiedAt = now
	fields, err := shapeFields(shape)
	if err != nil {
		return api.Mutation{}, err
	}
	e.store.Upsert(shape)
	e.history.Record(Entry{ShapeID: shape.ID, Kind: EntryCreate})
	m := api.Mutation{
		Kind:      api.MutationCreate,
		ShapeID:   shape.ID,
		Fields:    fields,
		UserID:    e.cfg.UserID,
		Timestamp: now,
	}
	e.logger.Debug("engine.create", "shape", shape.ID, "type", string(shape.Type))
	e.publish(m)
	e.onChange(m)
	return m, nil
}

// UpdateShape applies a partial field set to a shape the local user may
// edit. When acquireLock is set and the shape is free, the lock fields
// ride along in the same mutation, making select-then-drag one intent.
// A shape held by another user yields lock_denied without touching state.
func (e *Engine) UpdateShape(id string, fields map[string]any, acquireLock bool) (api.Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateLocked(id, fields, acquireLock, true)
}

func (e *Engine) updateLocked(id string, fields map[string]any, acquireLock, record bool) (api.Mutation, error) {
	before, ok := e.store.Get(id)
	if !ok {
		return api.Mutation{}, Failure{Code: CodeNotFound, Detail: "no shape " + id}
	}
	now := e.clk.Millis()
	ttl := e.locks.TTLMillis()
	if before.Locked(now, ttl) && before.LockedBy != e.cfg.UserID {
		return api.Mutation{}, Failure{
			Code:       CodeLockDenied,
			Detail:     "held by " + before.LockedBy,
			RetryAfter: before.LockedAt + ttl - now,
		}
	}
	merged := make(map[string]any, len(fields)+5)
	for k, v := range fields {
		merged[k] = v
	}
	if acquireLock && !before.HeldBy(e.cfg.UserID, now, ttl) {
		merged["isLocked"] = true
		merged["lockedBy"] = e.cfg.UserID
		merged["lockedAt"] = now
	}
	merged["lastModifiedBy"] = e.cfg.UserID
	merged["lastModifiedAt"] = now

	after, err := ApplyFields(before, merged)
	if err != nil {
		return api.Mutation{}, err
	}
	e.store.Upsert(after)

	if record {
		inverse, err := inverseFields(before, after)
		if err != nil {
			e.logger.Warn("engine.update.inverse_failed", "shape", id, "error", err)
		} else {
			stripSyncFields(inverse)
			if len(inverse) > 0 {
				e.history.Record(Entry{ShapeID: id, Kind: EntryUpdate, Inverse: inverse})
			}
		}
	}

	m := api.Mutation{
		Kind:      api.MutationUpdate,
		ShapeID:   id,
		Fields:    merged,
		UserID:    e.cfg.UserID,
		Timestamp: now,
	}
	e.publish(m)
	e.onChange(m)
	return m, nil
}

// DeleteShape removes a shape when it is unlocked or held by the local
// user; otherwise it refuses with object_locked so the UI can flag the
// border without any dialog.
func (e *Engine) DeleteShape(id string) (api.Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleteLocked(id, true)
}

func (e *Engine) deleteLocked(id string, record bool) (api.Mutation, error) {
	shape, ok := e.store.Get(id)
	if !ok {
		return api.Mutation{}, Failure{Code: CodeNotFound, Detail: "no shape " + id}
	}
	now := e.clk.Millis()
	ttl := e.locks.TTLMillis()
	if shape.Locked(now, ttl) && shape.LockedBy != e.cfg.UserID {
		return api.Mutation{}, Failure{
			Code:       CodeObjectLocked,
			Detail:     "held by " + shape.LockedBy,
			RetryAfter: shape.LockedAt + ttl - now,
		}
	}
	e.store.Remove(id, now)
	if record {
		snapshot := shape
		e.history.Record(Entry{ShapeID: id, Kind: EntryDelete, Snapshot: &snapshot})
	}
	m := api.Mutation{
		Kind:      api.MutationDelete,
		ShapeID:   id,
		UserID:    e.cfg.UserID,
		Timestamp: now,
	}
	e.logger.Debug("engine.delete", "shape", id)
	e.publish(m)
	e.onChange(m)
	return m, nil
}

// ApplyRemote runs an incoming mutation through the resolver and, on
// acceptance, applies it to the local view and invalidates any history
// entries it touches. Rejections and stale arrivals are dropped silently;
// the publisher's optimistic state is its own to reconcile. Mutations
// echoed back for the local user are skipped outright, the at-least-once
// transport makes those routine.
func (e *Engine) ApplyRemote(m api.Mutation) Decision {
	// Own echoes are filtered before taking the engine lock: with an
	// in-process bus the publish path may still hold it.
	if m.UserID == e.cfg.UserID {
		return Decision{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyIncomingLocked(m)
}

// Reapply lands a previously published local mutation on top of a fresh
// snapshot. Used after a reconnect: the resnapshot may predate mutations
// that were queued during the outage, and the self-echo filter would
// otherwise drop them on the originating client.
func (e *Engine) Reapply(m api.Mutation) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyIncomingLocked(m)
}

func (e *Engine) applyIncomingLocked(m api.Mutation) Decision {
	decision := e.resolver.Decide(m)
	if !decision.Accept {
		e.logger.Debug("engine.remote.drop",
			"shape", m.ShapeID,
			"kind", string(m.Kind),
			"user", m.UserID,
			"reason", decision.Reason,
		)
		return decision
	}
	switch m.Kind {
	case api.MutationCreate:
		shape, err := ShapeFromFields(m.ShapeID, m.Fields)
		if err != nil {
			e.logger.Warn("engine.remote.create.malformed", "shape", m.ShapeID, "error", err)
			return Decision{Reason: CodeStaleMutation}
		}
		e.store.Upsert(shape)
		e.history.Invalidate(m.ShapeID, nil, true)
	case api.MutationUpdate:
		current, _ := e.store.Get(m.ShapeID)
		after, err := ApplyFields(current, m.Fields)
		if err != nil {
			e.logger.Warn("engine.remote.update.malformed", "shape", m.ShapeID, "error", err)
			return Decision{Reason: CodeStaleMutation}
		}
		if !SyncOnlyFields(m.Fields) {
			after.LastModifiedBy = m.UserID
			after.LastModifiedAt = m.Timestamp
		}
		e.store.Upsert(after)
		e.history.Invalidate(m.ShapeID, contentFieldNames(m.Fields), false)
	case api.MutationDelete:
		e.store.Remove(m.ShapeID, m.Timestamp)
		e.history.Invalidate(m.ShapeID, nil, true)
	}
	e.onChange(m)
	return decision
}

// Undo reverts the local user's most recent operation. A stale entry is
// discarded and reported as history_stale: the remote edit that stranded
// it wins, and the next undo moves on to the entry below. An entry whose
// inverse only touches fields untouched remotely applies cleanly even if
// other fields of the shape changed since.
func (e *Engine) Undo() (api.Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.history.PopUndo()
	if !ok {
		return api.Mutation{}, Failure{Code: CodeHistoryEmpty, Detail: "nothing to undo"}
	}
	counter, m, err := e.applyEntry(entry)
	if err != nil {
		// Stale entries are spent, but a transient refusal (say the
		// shape is locked by someone else right now) must not cost the
		// user the step: put it back for the next attempt.
		if !historyStale(err) {
			e.history.PushUndo(entry)
		}
		return api.Mutation{}, err
	}
	e.history.PushRedo(counter)
	return m, nil
}

// Redo re-applies the most recently undone operation under the same
// staleness rules.
func (e *Engine) Redo() (api.Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.history.PopRedo()
	if !ok {
		return api.Mutation{}, Failure{Code: CodeHistoryEmpty, Detail: "nothing to redo"}
	}
	counter, m, err := e.applyEntry(entry)
	if err != nil {
		if !historyStale(err) {
			e.history.PushRedo(entry)
		}
		return api.Mutation{}, err
	}
	e.history.PushUndo(counter)
	return m, nil
}

// applyEntry applies one history entry and returns its counter-entry.
func (e *Engine) applyEntry(entry Entry) (Entry, api.Mutation, error) {
	if entry.Stale {
		e.logger.Info("history.apply.stale", "shape", entry.ShapeID, "kind", string(entry.Kind))
		return Entry{}, api.Mutation{}, Failure{Code: CodeHistoryStale, Detail: "remote edits invalidated this step"}
	}
	switch entry.Kind {
	case EntryUpdate:
		before, ok := e.store.Get(entry.ShapeID)
		if !ok {
			return Entry{}, api.Mutation{}, Failure{Code: CodeHistoryStale, Detail: "shape no longer exists"}
		}
		currentFields, err := shapeFields(before)
		if err != nil {
			return Entry{}, api.Mutation{}, err
		}
		counterInverse := make(map[string]any, len(entry.Inverse))
		for k := range entry.Inverse {
			counterInverse[k] = currentFields[k]
		}
		m, err := e.updateLocked(entry.ShapeID, entry.Inverse, false, false)
		if err != nil {
			return Entry{}, api.Mutation{}, err
		}
		return Entry{ShapeID: entry.ShapeID, Kind: EntryUpdate, Inverse: counterInverse}, m, nil
	case EntryCreate:
		shape, ok := e.store.Get(entry.ShapeID)
		if !ok {
			return Entry{}, api.Mutation{}, Failure{Code: CodeHistoryStale, Detail: "shape no longer exists"}
		}
		snapshot := shape
		m, err := e.deleteLocked(entry.ShapeID, false)
		if err != nil {
			return Entry{}, api.Mutation{}, err
		}
		return Entry{ShapeID: entry.ShapeID, Kind: EntryDelete, Snapshot: &snapshot}, m, nil
	case EntryDelete:
		if entry.Snapshot == nil {
			return Entry{}, api.Mutation{}, Failure{Code: CodeHistoryStale, Detail: "no snapshot to restore"}
		}
		if _, exists := e.store.Get(entry.ShapeID); exists {
			return Entry{}, api.Mutation{}, Failure{Code: CodeHistoryStale, Detail: "shape id reused since deletion"}
		}
		restored := *entry.Snapshot
		now := e.clk.Millis()
		restored.LastModifiedBy = e.cfg.UserID
		restored.LastModifiedAt = now
		fields, err := shapeFields(restored)
		if err != nil {
			return Entry{}, api.Mutation{}, err
		}
		e.store.Upsert(restored)
		m := api.Mutation{
			Kind:      api.MutationCreate,
			ShapeID:   entry.ShapeID,
			Fields:    fields,
			UserID:    e.cfg.UserID,
			Timestamp: now,
		}
		e.publish(m)
		e.onChange(m)
		return Entry{ShapeID: entry.ShapeID, Kind: EntryCreate}, m, nil
	default:
		return Entry{}, api.Mutation{}, Failure{Code: CodeHistoryStale, Detail: "unknown entry kind"}
	}
}

// StartSweeper launches the periodic lock-expiry sweep. The interval
// should stay at or below half the lock timeout so a stale lock is not
// visibly held much past its expiry.
func (e *Engine) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	e.mu.Lock()
	if e.sweepStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.sweepStop = stop
	e.sweepDone.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.sweepDone.Done()
		for {
			select {
			case <-stop:
				return
			case <-e.clk.After(interval):
				if swept := e.locks.SweepExpired(); swept > 0 {
					e.logger.Debug("engine.sweep", "released", swept)
				}
			}
		}
	}()
}

// StopSweeper halts the sweep loop and waits for it to exit.
func (e *Engine) StopSweeper() {
	e.mu.Lock()
	stop := e.sweepStop
	e.sweepStop = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
		e.sweepDone.Wait()
	}
}

// stripSyncFields removes protocol-owned fields from an inverse patch.
func stripSyncFields(fields map[string]any) {
	for name := range syncFieldNames {
		delete(fields, name)
	}
}

// historyStale reports whether err marks a history entry as spent.
// Anything else is transient and leaves the entry replayable.
func historyStale(err error) bool {
	var f Failure
	return errors.As(err, &f) && f.Code == CodeHistoryStale
}

// SyncOnlyFields reports whether a field patch carries nothing but
// protocol-owned bookkeeping. Lock transitions travel as such patches
// and leave lastModified alone on the publishing side, so appliers must
// leave it alone too or replicas drift apart on the staleness ordering.
func SyncOnlyFields(fields map[string]any) bool {
	if len(fields) == 0 {
		return false
	}
	for name := range fields {
		if _, sync := syncFieldNames[name]; !sync {
			return false
		}
	}
	return true
}

// contentFieldNames lists the keys of a field map that carry content,
// excluding protocol-owned fields.
func contentFieldNames(fields map[string]any) []string {
	out := make([]string, 0, len(fields))
	for name := range fields {
		if _, sync := syncFieldNames[name]; sync {
			continue
		}
		out = append(out, name)
	}
	return out
}
