package timing

import (
	"sync"
	"time"
)

// DebouncedTask runs action once triggers have stopped arriving for the quiet period.
// guard is consulted when the timer fires; a false guard drops the run silently.
// minInterval bounds how often action may run; an early fire is re-armed for the remainder.
type DebouncedTask struct {
	mu          sync.Mutex
	runMu       sync.Mutex
	clock       Clock
	quiet       time.Duration
	minInterval time.Duration
	guard       func() bool
	action      func()

	timer   Timer
	gen     uint64
	lastRun time.Time
	stopped bool
}

func NewDebouncedTask(clock Clock, quiet, minInterval time.Duration, guard func() bool, action func()) *DebouncedTask {
	if clock == nil {
		clock = RealClock
	}
	return &DebouncedTask{
		clock:       clock,
		quiet:       quiet,
		minInterval: minInterval,
		guard:       guard,
		action:      action,
	}
}

// Trigger (re)starts the quiet period.
func (d *DebouncedTask) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.armLocked(d.quiet)
}

// Cancel drops any pending run.
func (d *DebouncedTask) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Stop cancels and makes every later Trigger a no-op.
func (d *DebouncedTask) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

// Scheduled reports whether a run is pending.
func (d *DebouncedTask) Scheduled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *DebouncedTask) armLocked(after time.Duration) {
	d.cancelLocked()
	gen := d.gen
	d.timer = d.clock.AfterFunc(after, func() { d.fire(gen) })
}

func (d *DebouncedTask) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *DebouncedTask) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	if d.guard != nil && !d.guard() {
		return
	}

	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	now := d.clock.Now()
	if d.minInterval > 0 && !d.lastRun.IsZero() {
		if elapsed := now.Sub(d.lastRun); elapsed < d.minInterval {
			d.armLocked(d.minInterval - elapsed)
			d.mu.Unlock()
			return
		}
	}
	d.lastRun = now
	d.mu.Unlock()

	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.action()
}
