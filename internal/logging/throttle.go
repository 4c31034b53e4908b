package logging

import (
	"sync"
	"time"
)

// Throttle admits at most one event per interval. It is used to keep chatty
// external process output from flooding the log. A nil Throttle admits
// everything.
type Throttle struct {
	mu         sync.Mutex
	interval   time.Duration
	now        func() time.Time
	last       time.Time
	primed     bool
	suppressed int
}

// NewThrottle returns a Throttle with the given interval. A non-positive
// interval disables throttling.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	if t != nil && now != nil {
		t.now = now
	}
	return t
}

// Allow reports whether an event arriving now may be emitted. When it returns
// true, suppressed is the number of events dropped since the last admitted one.
func (t *Throttle) Allow() (ok bool, suppressed int) {
	if t == nil || t.interval <= 0 {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.primed && now.Sub(t.last) < t.interval {
		t.suppressed++
		return false, 0
	}
	t.primed = true
	t.last = now
	suppressed = t.suppressed
	t.suppressed = 0
	return true, suppressed
}

// Suppressed returns the number of events dropped since the last admitted one.
func (t *Throttle) Suppressed() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}
