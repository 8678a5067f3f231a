// Package throttle slows down repeated authentication failures.
//
// Keys are typically client IP addresses. A key with few recorded
// failures passes freely; past the buffer each attempt inside the
// delay window sleeps before returning.
package throttle

import (
	"sync"
	"time"
)

type Throttle struct {
	mu       sync.Mutex
	attempts map[string]state
	cleaned  time.Time
}

type state struct {
	last     time.Time
	failures int
}

// Throttle sleeps if val has failed too often recently. It reports
// whether it slept.
func (tr *Throttle) Throttle(val string) bool {
	const delay = 3 * time.Second
	const window = 60 * time.Second
	const buffer = 10

	now := timeNow()

	tr.mu.Lock()
	if now.Sub(tr.cleaned) > window {
		// Cleanup old keys.
		for key, tm := range tr.attempts {
			if now.Sub(tm.last) > delay {
				delete(tr.attempts, key)
			}
		}
		tr.cleaned = now
	}
	state := tr.attempts[val]
	tr.mu.Unlock()

	if state.failures >= buffer && now.Sub(state.last) < delay {
		timeSleep(delay)
		return true
	}
	return false
}

// Add records a failure for val.
func (tr *Throttle) Add(val string) {
	tr.mu.Lock()
	if tr.attempts == nil {
		tr.attempts = make(map[string]state)
	}
	state := tr.attempts[val]
	state.last = timeNow()
	state.failures++
	tr.attempts[val] = state
	tr.mu.Unlock()
}

var timeSleep = time.Sleep
var timeNow = time.Now
