// Package clock abstracts time so that lock expiry, presence liveness,
// and sweeper behaviour can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by the engine. Wire timestamps are Unix
// milliseconds; Millis is the single conversion point.
type Clock interface {
	Now() time.Time
	Millis() int64
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock on the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Millis returns the current time in Unix milliseconds.
func (Real) Millis() int64 {
	return time.Now().UnixMilli()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
