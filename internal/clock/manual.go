package clock

import (
	"sync"
	"time"
)

// Manual is a hand-advanced Clock for deterministic expiry tests. Time
// only moves when Advance is called; timers registered through After fire
// as the advance crosses their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
}

type pendingTimer struct {
	due time.Time
	ch  chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Millis returns the current manual time in Unix milliseconds.
func (m *Manual) Millis() int64 {
	return m.Now().UnixMilli()
}

// After registers a timer that fires once the clock has advanced by d.
// Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.pending = append(m.pending, &pendingTimer{due: m.now.Add(d), ch: ch})
	return ch
}

// Sleep blocks until the clock has been advanced by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d, firing every timer whose deadline
// the move crosses, and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	if len(m.pending) == 0 {
		return m.now
	}
	keep := m.pending[:0]
	for _, timer := range m.pending {
		if timer.due.After(m.now) {
			keep = append(keep, timer)
			continue
		}
		timer.ch <- m.now
	}
	m.pending = keep
	return m.now
}
