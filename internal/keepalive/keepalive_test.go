package keepalive

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func waitFired(t *testing.T, ch <-chan struct{}, want bool) {
	t.Helper()
	wait := 50 * time.Millisecond
	if want {
		wait = time.Second
	}
	select {
	case <-ch:
		if !want {
			t.Fatal("watch fired early")
		}
	case <-time.After(wait):
		if want {
			t.Fatal("watch did not fire")
		}
	}
}

func newWatch(t *testing.T, keepalive time.Duration) (*clockwork.FakeClock, *Watch, chan struct{}) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	fired := make(chan struct{}, 2)
	w := NewSupervisor(clock).Watch(keepalive, func() { fired <- struct{}{} })
	if keepalive > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("timer not armed: %v", err)
		}
	}
	return clock, w, fired
}

func TestWindow(t *testing.T) {
	tests := []struct {
		keepalive time.Duration
		expected  time.Duration
	}{
		{0, 0},
		{time.Second, 1500 * time.Millisecond},
		{10 * time.Second, 15 * time.Second},
		{60 * time.Second, 90 * time.Second},
	}
	for _, test := range tests {
		if got := Window(test.keepalive); got != test.expected {
			t.Errorf("Window(%v) = %v, want %v", test.keepalive, got, test.expected)
		}
	}
}

func TestWatchExpires(t *testing.T) {
	clock, _, fired := newWatch(t, 10*time.Second)

	clock.Advance(14 * time.Second)
	waitFired(t, fired, false)

	clock.Advance(time.Second)
	waitFired(t, fired, true)

	clock.Advance(time.Minute)
	waitFired(t, fired, false)
}

func TestWatchTouchRenews(t *testing.T) {
	clock, w, fired := newWatch(t, 10*time.Second)

	clock.Advance(5 * time.Second)
	w.Touch()
	if !w.LastActivity().Equal(clock.Now()) {
		t.Errorf("last activity not updated")
	}

	// original deadline at 15s has passed, renewed one is at 20s
	clock.Advance(14 * time.Second)
	waitFired(t, fired, false)

	clock.Advance(time.Second)
	waitFired(t, fired, true)
}

func TestWatchStop(t *testing.T) {
	clock, w, fired := newWatch(t, 10*time.Second)

	if !w.Stop() {
		t.Fatal("Stop on an armed watch should report true")
	}
	clock.Advance(time.Minute)
	waitFired(t, fired, false)

	w.Touch()
	clock.Advance(time.Minute)
	waitFired(t, fired, false)
}

func TestWatchStopAfterFire(t *testing.T) {
	clock, w, fired := newWatch(t, time.Second)

	clock.Advance(2 * time.Second)
	waitFired(t, fired, true)
	if w.Stop() {
		t.Error("Stop after expiry should report false")
	}
}

func TestWatchDisabled(t *testing.T) {
	clock, w, fired := newWatch(t, 0)

	clock.Advance(24 * time.Hour)
	waitFired(t, fired, false)
	w.Touch()
	if !w.Stop() {
		t.Error("Stop on a disabled watch should report true")
	}
}
