package workflow

import (
	"sync"
	"time"
)

// debounced coalesces bursts of Trigger calls into a single invocation of fn
// once the quiet period elapses. A single pending timer is reset on every
// trigger, so a steady stream of events produces one write per quiet window.
type debounced struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func newDebounced(delay time.Duration, fn func()) *debounced {
	return &debounced{delay: delay, fn: fn}
}

// Trigger schedules fn after the quiet period, resetting any pending timer.
func (d *debounced) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
		return
	}
	d.timer.Reset(d.delay)
}

func (d *debounced) fire() {
	d.mu.Lock()
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

// Flush runs fn immediately if a trigger is pending, then clears the timer.
func (d *debounced) Flush() {
	d.mu.Lock()
	pending := d.timer != nil
	if pending {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	if pending {
		d.fn()
	}
}
