package coordinator

import (
	"sync"
	"time"

	"hacoordinator/pkg/clock"
)

// Debouncer runs fn at most once per cooldown. The first Call runs
// immediately; calls made during the cooldown collapse into a single call
// when it ends.
type Debouncer struct {
	clock    clock.Clock
	cooldown time.Duration
	fn       func()

	mu      sync.Mutex
	timer   clock.Timer
	gen     uint64
	pending bool
	stopped bool
}

// NewDebouncer creates a Debouncer. fn runs on its own goroutine for the
// leading call and on the timer goroutine for the trailing one.
func NewDebouncer(c clock.Clock, cooldown time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: c, cooldown: cooldown, fn: fn}
}

// Call requests a run of fn.
func (d *Debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.pending = true
		return
	}
	d.startCooldownLocked()
	go d.fn()
}

// Cancel drops a pending trailing call and ends the cooldown.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Stop cancels and disables the debouncer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.pending = false
}

func (d *Debouncer) startCooldownLocked() {
	if d.cooldown <= 0 {
		return
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.cooldown, func() { d.onCooldownEnd(gen) })
}

func (d *Debouncer) onCooldownEnd(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.timer == nil || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	if !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.startCooldownLocked()
	d.mu.Unlock()

	d.fn()
}
