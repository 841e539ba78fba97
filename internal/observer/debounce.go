package observer

import (
	"sync"
	"time"
)

// DefaultDebounce is the quiet period after the last page mutation before
// detection runs.
const DefaultDebounce = 120 * time.Millisecond

// Timer is the part of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Debouncer runs fn once a burst of Trigger calls has been quiet for delay.
// Each Trigger re-arms the single pending timer.
type Debouncer struct {
	delay     time.Duration
	fn        func()
	afterFunc AfterFunc

	mu      sync.Mutex
	timer   Timer
	gen     uint64
	stopped bool
}

// NewDebouncer returns a debouncer calling fn. A nil afterFunc uses the real
// clock.
func NewDebouncer(delay time.Duration, fn func(), afterFunc AfterFunc) *Debouncer {
	if afterFunc == nil {
		afterFunc = stdAfterFunc
	}
	return &Debouncer{delay: delay, fn: fn, afterFunc: afterFunc}
}

// Trigger records a mutation and re-arms the timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.afterFunc(d.delay, func() { d.fire(gen) })
}

// fire runs fn unless a later Trigger or Stop superseded this timer. A timer
// that already fired cannot be stopped, hence the generation check.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

// Stop cancels any pending run. Later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
