// Package watchdog detects missed liveness windows.
package watchdog

import (
	"sync/atomic"
	"time"
)

// Ticker schedules a periodic callback and returns a cancel func.
type Ticker interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// Watchdog runs its action when no StillAlive call happened between two
// consecutive checks.
type Watchdog struct {
	alive  atomic.Bool
	action func()
}

func New(action func()) *Watchdog {
	w := &Watchdog{action: action}
	w.alive.Store(true)
	return w
}

// StillAlive refreshes the liveness flag.
func (w *Watchdog) StillAlive() {
	w.alive.Store(true)
}

// Check clears the flag and fires the action if it was already clear.
func (w *Watchdog) Check() bool {
	if w.alive.Swap(false) {
		return false
	}
	if w.action != nil {
		w.action()
	}
	return true
}

// Start registers periodic checks. The first check runs one full interval after
// Start, so a silent peer is declared dead after two intervals.
func (w *Watchdog) Start(t Ticker, interval time.Duration) (cancel func()) {
	return t.Every(interval, func() { w.Check() })
}
