// Package timer provides the cancellable countdown primitive underneath a
// cradle. A Countdown fires its expiry callback exactly once per arm cycle
// unless it is reset or canceled first.
package timer

import (
	"sync"
	"time"
)

// Countdown is a re-armable dead-man's timer. All operations are safe for
// concurrent use. The race between an in-flight expiry and a concurrent
// Reset resolves toward the reset: the expiry path re-checks the deadline
// under the lock before firing, so a reset accepted before the expiry
// notification is delivered always wins.
type Countdown struct {
	mu        sync.Mutex
	threshold time.Duration
	onExpire  func()

	timer    *time.Timer
	deadline time.Time
	armed    bool
	fired    bool
	canceled bool
}

// New creates an unarmed countdown. onExpire runs on the timer goroutine;
// it must not call back into the Countdown while holding its own locks.
func New(threshold time.Duration, onExpire func()) *Countdown {
	return &Countdown{
		threshold: threshold,
		onExpire:  onExpire,
	}
}

// Arm starts the countdown with a fresh deadline of now + threshold.
// Arming a fired countdown begins a new cycle; the callback may fire again.
// Returns false if the countdown is already armed or permanently canceled.
func (c *Countdown) Arm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.canceled || c.armed {
		return false
	}

	c.armed = true
	c.fired = false
	c.deadline = time.Now().Add(c.threshold)

	if c.timer == nil {
		c.timer = time.AfterFunc(c.threshold, c.expire)
	} else {
		c.timer.Reset(c.threshold)
	}
	return true
}

// Reset extends the deadline to now + threshold. Returns false if the reset
// was not accepted: the countdown has already fired, been canceled, or was
// never armed.
func (c *Countdown) Reset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.armed || c.fired || c.canceled {
		return false
	}

	c.deadline = time.Now().Add(c.threshold)
	c.timer.Reset(c.threshold)
	return true
}

// Cancel disarms the countdown permanently. The callback will not fire and
// the countdown cannot be re-armed.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.canceled = true
	c.armed = false
	if c.timer != nil {
		c.timer.Stop()
	}
}

// expire is the time.AfterFunc callback. A stopped-too-late timer can still
// deliver a stale expiry after a Reset moved the deadline; the deadline
// re-check below turns that into a reschedule instead of a fire.
func (c *Countdown) expire() {
	c.mu.Lock()
	if !c.armed || c.fired || c.canceled {
		c.mu.Unlock()
		return
	}

	now := time.Now()
	if now.Before(c.deadline) {
		// A reset beat us here. Re-schedule for the remainder.
		c.timer.Reset(c.deadline.Sub(now))
		c.mu.Unlock()
		return
	}

	c.fired = true
	c.armed = false
	cb := c.onExpire
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Fired reports whether the current cycle has expired.
func (c *Countdown) Fired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

// Armed reports whether the countdown is currently running.
func (c *Countdown) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Deadline returns the current deadline. Zero if never armed.
func (c *Countdown) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Remaining returns the time left before expiry, or zero if not armed.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return 0
	}
	d := time.Until(c.deadline)
	if d < 0 {
		return 0
	}
	return d
}

// Threshold returns the configured threshold.
func (c *Countdown) Threshold() time.Duration {
	return c.threshold
}
