package core

import "fmt"

// Failure codes surfaced by the engine. All of them are recoverable; none
// terminate a session.
const (
	// CodeLockDenied reports a lock attempt on a shape held by another user.
	CodeLockDenied = "lock_denied"
	// CodeObjectLocked reports a delete attempt on a shape held by another user.
	CodeObjectLocked = "object_locked"
	// CodeStaleMutation reports a mutation that lost against a more recent
	// accepted change. Dropped silently, logged for diagnostics.
	CodeStaleMutation = "stale_mutation"
	// CodeChannelUnavailable reports a transport outage. The session queues
	// local mutations and replays them after reconnect and resnapshot.
	CodeChannelUnavailable = "channel_unavailable"
	// CodeHistoryStale reports an undo/redo target invalidated by a remote
	// edit. Surfaced as a no-op, never a crash.
	CodeHistoryStale = "history_stale"
	// CodeHistoryEmpty reports an undo/redo on an empty stack.
	CodeHistoryEmpty = "history_empty"
	// CodeNotFound reports an operation on a shape id with no record.
	CodeNotFound = "not_found"
)

// Failure captures transport-neutral error details that adapters can map
// to websocket close frames, HTTP statuses, or UI affordances.
type Failure struct {
	Code   string
	Detail string
	// RetryAfter hints (milliseconds) when a contended lock is expected to
	// expire. Zero when not applicable.
	RetryAfter int64
	// HTTPStatus is an optional hint for HTTP adapters.
	HTTPStatus int
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}
