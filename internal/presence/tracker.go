// Package presence tracks who is live on a canvas. Records are
// ephemeral: last write wins per user, absence is detected by heartbeat
// expiry, and nothing here ever touches a store.
package presence

import (
	"sync"
	"time"

	"pkt.systems/canvasd/api"
	"pkt.systems/canvasd/internal/clock"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Tracker is the per-client view of the peers on one canvas. A peer is
// online iff now - lastSeen < ttl; a record with Left set removes the
// peer immediately, the clean-disconnect fast path.
type Tracker struct {
	mu     sync.Mutex
	clk    clock.Clock
	ttl    time.Duration
	peers  map[string]api.Presence
	logger pslog.Logger
}

// NewTracker returns an empty tracker with the given liveness window.
func NewTracker(clk clock.Clock, ttl time.Duration, logger pslog.Logger) *Tracker {
	return &Tracker{
		clk:    clk,
		ttl:    ttl,
		peers:  make(map[string]api.Presence),
		logger: loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "presence"),
	}
}

// Observe folds one presence record into the peer set. Records older
// than the retained one for the same user are dropped; out-of-order
// delivery must not rewind a cursor.
func (t *Tracker) Observe(p api.Presence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Left {
		if _, ok := t.peers[p.UserID]; ok {
			delete(t.peers, p.UserID)
			t.logger.Debug("presence.left", "user", p.UserID)
		}
		return
	}
	if current, ok := t.peers[p.UserID]; ok && p.LastSeen < current.LastSeen {
		return
	}
	t.peers[p.UserID] = p
}

// Get returns the retained record for userID if it is still live.
func (t *Tracker) Get(userID string) (api.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[userID]
	if !ok || t.expired(p) {
		return api.Presence{}, false
	}
	return p, true
}

// Online lists the currently live peers in unspecified order.
func (t *Tracker) Online() []api.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]api.Presence, 0, len(t.peers))
	for _, p := range t.peers {
		if t.expired(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ExpireStale drops peers whose heartbeat lapsed and returns how many
// were removed. Run periodically; Online and Get already filter lazily,
// this just bounds the map.
func (t *Tracker) ExpireStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, p := range t.peers {
		if t.expired(p) {
			delete(t.peers, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("presence.expired", "peers", removed)
	}
	return removed
}

func (t *Tracker) expired(p api.Presence) bool {
	return t.clk.Millis()-p.LastSeen >= t.ttl.Milliseconds()
}
