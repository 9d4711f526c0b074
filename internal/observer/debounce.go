package observer

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Debouncer collapses bursts of Trigger calls into one call of fn, made once
// window has passed without a further Trigger.
type Debouncer struct {
	clock  clock.Clock
	window time.Duration
	fn     func()

	mu      sync.Mutex
	seq     uint64
	timer   clock.Timer
	stopped bool
}

func NewDebouncer(clk clock.Clock, window time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		clock:  clk,
		window: window,
		fn:     fn,
	}
}

// Trigger restarts the quiet window.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		if seq != d.seq || d.stopped {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
}

// Stop cancels a pending call. Later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
