package core

import (
	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

// EntryKind tags what a history entry undoes.
type EntryKind string

const (
	// EntryUpdate reverts field changes via an inverse merge patch.
	EntryUpdate EntryKind = "update"
	// EntryCreate reverts a creation by deleting the shape.
	EntryCreate EntryKind = "create"
	// EntryDelete reverts a deletion by recreating the prior snapshot.
	EntryDelete EntryKind = "delete"
)

// Entry is a client-local inverse-operation descriptor. It records the
// assumed prior state so that a remote touch of the same fields can be
// detected and the entry demoted to stale rather than silently clobbering
// another user's work.
type Entry struct {
	ShapeID string
	Kind    EntryKind
	// Inverse is the merge patch restoring the prior field values; set
	// for EntryUpdate. Its key set is the entry's conflict footprint.
	Inverse map[string]any
	// Snapshot is the full prior shape; set for EntryDelete.
	Snapshot *api.Shape
	// Stale marks an entry invalidated by a remote mutation. Applying it
	// is refused, never attempted.
	Stale bool
}

// History keeps the per-client undo/redo stacks. Entries describe only
// the local user's own operations; remote edits never enter the stacks,
// they only invalidate what they touch.
type History struct {
	limit  int
	undo   []Entry
	redo   []Entry
	logger pslog.Logger
}

// NewHistory returns stacks bounded to limit entries each; zero or
// negative means unbounded.
func NewHistory(limit int, logger pslog.Logger) *History {
	return &History{limit: limit, logger: loggingutil.WithSubsystem(logger, "history")}
}

// Record pushes an undo entry for a fresh local operation and clears the
// redo stack, as any new edit forks away from the redone timeline.
func (h *History) Record(entry Entry) {
	h.undo = append(h.undo, entry)
	if h.limit > 0 && len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
	h.redo = h.redo[:0]
}

// PopUndo removes and returns the top undo entry.
func (h *History) PopUndo() (Entry, bool) {
	if len(h.undo) == 0 {
		return Entry{}, false
	}
	entry := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	return entry, true
}

// PopRedo removes and returns the top redo entry.
func (h *History) PopRedo() (Entry, bool) {
	if len(h.redo) == 0 {
		return Entry{}, false
	}
	entry := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	return entry, true
}

// PushUndo restores an entry onto the undo stack without disturbing the
// redo stack. Used when a redo lands its counter-entry.
func (h *History) PushUndo(entry Entry) {
	h.undo = append(h.undo, entry)
	if h.limit > 0 && len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
}

// PushRedo places the counter-entry of an applied undo.
func (h *History) PushRedo(entry Entry) {
	h.redo = append(h.redo, entry)
	if h.limit > 0 && len(h.redo) > h.limit {
		h.redo = h.redo[len(h.redo)-h.limit:]
	}
}

// UndoLen and RedoLen report stack depths for UI affordances.
func (h *History) UndoLen() int { return len(h.undo) }

// RedoLen reports the redo stack depth.
func (h *History) RedoLen() int { return len(h.redo) }

// Invalidate demotes entries referencing shapeID after a remote mutation.
// deleted marks the shape as removed (or recreated) remotely, which
// strands every entry for it. For field updates, only entries whose
// inverse intersects the remotely-changed fields go stale: an inverse
// restricted to untouched fields still applies cleanly.
func (h *History) Invalidate(shapeID string, changed []string, deleted bool) {
	marked := 0
	for _, stack := range [][]Entry{h.undo, h.redo} {
		for i := range stack {
			entry := &stack[i]
			if entry.ShapeID != shapeID || entry.Stale {
				continue
			}
			if h.entryConflicts(entry, changed, deleted) {
				entry.Stale = true
				marked++
			}
		}
	}
	if marked > 0 {
		h.logger.Debug("history.invalidate",
			"shape", shapeID,
			"entries", marked,
			"deleted", deleted,
		)
	}
}

func (h *History) entryConflicts(entry *Entry, changed []string, deleted bool) bool {
	if deleted {
		return true
	}
	switch entry.Kind {
	case EntryUpdate:
		return intersects(fieldSet(entry.Inverse), changed)
	case EntryCreate, EntryDelete:
		// Undoing a create deletes the shape outright; undoing a delete
		// resurrects an old snapshot. Either would erase the remote edit.
		return len(changed) > 0
	default:
		return true
	}
}
