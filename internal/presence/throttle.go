package presence

import (
	"math"
	"time"

	"pkt.systems/canvasd/internal/clock"
)

// CursorThrottle rate-limits cursor publications on the sender side.
// Mousemove fires far faster than peers need to see; one publish per
// minInterval is plenty, except that a large jump goes out immediately
// so a fast drag never looks laggy to observers.
type CursorThrottle struct {
	clk         clock.Clock
	minInterval time.Duration
	minDelta    float64

	sent         bool
	lastAt       int64
	lastX, lastY float64
}

// NewCursorThrottle returns a throttle passing at most one position per
// minInterval unless the cursor moved at least minDelta since the last
// published position. minDelta <= 0 disables the bypass.
func NewCursorThrottle(clk clock.Clock, minInterval time.Duration, minDelta float64) *CursorThrottle {
	return &CursorThrottle{clk: clk, minInterval: minInterval, minDelta: minDelta}
}

// Allow reports whether the position (x, y) should be published now, and
// records it as the last published position when it should.
func (t *CursorThrottle) Allow(x, y float64) bool {
	now := t.clk.Millis()
	if t.sent {
		elapsed := now - t.lastAt
		if elapsed < t.minInterval.Milliseconds() && !t.jumped(x, y) {
			return false
		}
	}
	t.sent = true
	t.lastAt = now
	t.lastX, t.lastY = x, y
	return true
}

// Reset forgets the published history, forcing the next Allow through.
// Called after reconnect so peers get a position without delay.
func (t *CursorThrottle) Reset() { t.sent = false }

func (t *CursorThrottle) jumped(x, y float64) bool {
	if t.minDelta <= 0 {
		return false
	}
	return math.Hypot(x-t.lastX, y-t.lastY) >= t.minDelta
}
