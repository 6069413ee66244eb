// Package activity tracks the wall-clock time of the most recent request
// handled by the local server, as a single relaxed atomic: a plain atomic
// integer is enough since relaxed load/store have no ordering dependencies
// here. The lifecycle orchestrator polls it to decide whether an idle
// timeout has elapsed.
package activity

import (
	"sync/atomic"
	"time"
)

// Tracker holds the last-activity timestamp as Unix nanoseconds.
type Tracker struct {
	lastNanos atomic.Int64
}

// NewTracker returns a Tracker initialized to now.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.Touch()
	return t
}

// Touch stamps the current time as the most recent activity.
func (t *Tracker) Touch() {
	t.lastNanos.Store(time.Now().UnixNano())
}

// Last returns the most recently recorded activity time.
func (t *Tracker) Last() time.Time {
	return time.Unix(0, t.lastNanos.Load())
}

// IdleFor reports how long it has been since the last recorded activity.
func (t *Tracker) IdleFor(now time.Time) time.Duration {
	return now.Sub(t.Last())
}
