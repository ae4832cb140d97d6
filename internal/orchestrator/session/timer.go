package session

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/zerozero/octolab/pkg/errors"
)

// Timer is the Active-state countdown. The deadline is set once by Start and
// only moves through Extend. onExpire runs exactly once, from the clock's
// goroutine, when Remaining reaches zero.
type Timer struct {
	mu       sync.Mutex
	clock    clock.Clock
	onExpire func()

	started  bool
	stopped  bool
	fired    bool
	deadline time.Time
	pending  *clock.Timer
}

// NewTimer creates an idle timer
func NewTimer(c clock.Clock, onExpire func()) *Timer {
	return &Timer{clock: c, onExpire: onExpire}
}

// Start sets deadline = now + ttl and arms expiry
func (t *Timer) Start(ttl time.Duration) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return time.Time{}, errors.NewTimerInvariantViolation("timer already started")
	}
	if ttl <= 0 {
		return time.Time{}, errors.NewValidation("ttl must be positive")
	}
	t.started = true
	t.deadline = t.clock.Now().Add(ttl)
	t.arm(ttl)
	return t.deadline, nil
}

// Deadline returns the current deadline and whether the timer was started
func (t *Timer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, t.started
}

// Remaining returns max(0, deadline - now)
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

func (t *Timer) remainingLocked() time.Duration {
	if !t.started {
		return 0
	}
	if d := t.deadline.Sub(t.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the expiry signal has fired
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Extend pushes the deadline out by d. Nothing changes when it is rejected.
func (t *Timer) Extend(d time.Duration) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case d <= 0:
		return time.Time{}, errors.NewValidation("extension must be positive")
	case !t.started:
		return time.Time{}, errors.NewTimerInvariantViolation("timer not started")
	case t.stopped:
		return time.Time{}, errors.NewTimerInvariantViolation("timer stopped")
	case t.fired || t.remainingLocked() == 0:
		return time.Time{}, errors.NewTimerInvariantViolation("timer already expired")
	}
	t.deadline = t.deadline.Add(d)
	if t.pending != nil {
		t.pending.Stop()
	}
	t.arm(t.remainingLocked())
	return t.deadline, nil
}

// Stop disarms the timer without firing
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Timer) arm(d time.Duration) {
	t.pending = t.clock.AfterFunc(d, t.fire)
}

// fire re-arms when woken before the deadline (after an extension raced an
// already scheduled callback), so expiry always observes Remaining() == 0.
func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	if rem := t.remainingLocked(); rem > 0 {
		t.arm(rem)
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.pending = nil
	cb := t.onExpire
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}
