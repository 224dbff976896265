// Package keepalive arms per-session liveness deadlines on an injectable clock.
package keepalive

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window returns the idle period tolerated for a keepalive interval, one and a
// half times the interval as MQTT requires.
func Window(keepalive time.Duration) time.Duration {
	return keepalive * 3 / 2
}

type Supervisor struct {
	clock clockwork.Clock
}

// NewSupervisor returns a supervisor driven by clock. A nil clock means the
// wall clock.
func NewSupervisor(clock clockwork.Clock) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{clock: clock}
}

func (s *Supervisor) Clock() clockwork.Clock {
	return s.clock
}

// Watch arms a deadline of Window(keepalive) and calls onExpire once if no
// Touch arrives in time. A zero keepalive returns a watch that never fires.
func (s *Supervisor) Watch(keepalive time.Duration, onExpire func()) *Watch {
	w := &Watch{
		clock:    s.clock,
		window:   Window(keepalive),
		onExpire: onExpire,
		last:     s.clock.Now(),
	}
	if w.window > 0 {
		w.arm()
	}
	return w
}

type Watch struct {
	clock    clockwork.Clock
	window   time.Duration
	onExpire func()

	mu         sync.Mutex
	timer      clockwork.Timer
	generation uint64
	last       time.Time
	stopped    bool
	fired      bool
}

// arm must be called with mu held or before the watch is shared.
func (w *Watch) arm() {
	w.generation++
	gen := w.generation
	w.timer = w.clock.AfterFunc(w.window, func() { w.expire(gen) })
}

func (w *Watch) expire(gen uint64) {
	w.mu.Lock()
	if w.stopped || w.fired || gen != w.generation {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()
	w.onExpire()
}

// Touch records activity and pushes the deadline to now + window.
func (w *Watch) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.fired {
		return
	}
	w.last = w.clock.Now()
	if w.timer == nil {
		return
	}
	w.timer.Stop()
	w.arm()
}

// Stop cancels the watch. It reports false when the deadline already fired;
// after Stop returns true, onExpire is never called.
func (w *Watch) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired {
		return false
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	return true
}

// LastActivity returns the time of the latest Touch, or the arm time.
func (w *Watch) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Watch) Window() time.Duration {
	return w.window
}
