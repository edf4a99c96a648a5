// Package cradle implements the single-process dead-man's switch. A Cradle
// detonates when its threshold lapses without a Feed; detonation handlers
// run at most once per arm cycle.
package cradle

import (
	"sync"
	"time"

	"github.com/psantana5/cradle/pkg/models"
	"github.com/psantana5/cradle/pkg/timer"
)

// FeedStatus reports what a Feed call did
type FeedStatus int

const (
	// FeedOK means the cradle was alive and the deadline was extended
	FeedOK FeedStatus = iota
	// FeedDetonated means the cradle has already detonated; the feed was a
	// no-op. This is a status, not an error.
	FeedDetonated
	// FeedInactive means the cradle is idle or stopped and not counting down
	FeedInactive
)

func (s FeedStatus) String() string {
	switch s {
	case FeedOK:
		return "ok"
	case FeedDetonated:
		return "detonated"
	case FeedInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Handler is a detonation callback. Handlers run on the timer goroutine.
type Handler func(event models.DetonationEvent)

// watcher is an additional listener with its own threshold. A watcher with a
// shorter threshold than the cradle's fires early warning before the cradle
// itself detonates; each watcher fires at most once per arm cycle.
type watcher struct {
	name      string
	threshold time.Duration
	fn        Handler
	countdown *timer.Countdown
}

// Cradle is an in-process watchdog. The zero value is not usable; call New.
type Cradle struct {
	mu        sync.Mutex
	threshold time.Duration
	state     models.CradleState
	primary   *timer.Countdown
	watchers  []*watcher
	handlers  []Handler
	armedAt   time.Time
	lastEvent *models.DetonationEvent
	done      chan struct{}
	stopped   bool
}

// New creates an idle cradle with the given detonation threshold.
func New(threshold time.Duration) *Cradle {
	c := &Cradle{
		threshold: threshold,
		state:     models.CradleStateIdle,
		done:      make(chan struct{}),
	}
	c.primary = timer.New(threshold, func() {
		c.detonate(models.DetonationReasonThreshold)
	})
	return c
}

// OnDetonate registers a handler invoked at most once per arm cycle when the
// cradle detonates. Handlers registered after detonation only apply to
// subsequent cycles.
func (c *Cradle) OnDetonate(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// AddWatcher registers a named handler with its own threshold. The watcher's
// countdown is armed and fed alongside the cradle's primary countdown.
func (c *Cradle) AddWatcher(name string, threshold time.Duration, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &watcher{name: name, threshold: threshold, fn: fn}
	w.countdown = timer.New(threshold, func() {
		fn(models.DetonationEvent{
			FiredAt:   time.Now(),
			Reason:    models.DetonationReasonThreshold,
			Threshold: threshold.String(),
		})
	})
	c.watchers = append(c.watchers, w)

	// Joining a cradle that is already counting down: start this watcher's
	// cycle now rather than waiting for the next feed.
	if c.state == models.CradleStateArmed {
		w.countdown.Arm()
	}
}

// Arm starts the countdown. Valid from idle and, as a re-arm, from detonated.
func (c *Cradle) Arm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armLocked()
}

// Rearm explicitly returns a detonated cradle to service.
func (c *Cradle) Rearm() error {
	return c.Arm()
}

func (c *Cradle) armLocked() error {
	if err := models.ValidateTransition(c.state, models.CradleStateArmed); err != nil {
		return err
	}
	c.state = models.CradleStateArmed
	c.armedAt = time.Now()
	c.primary.Arm()
	for _, w := range c.watchers {
		w.countdown.Arm()
	}
	return nil
}

// Feed resets the deadline and reports whether the cradle was still alive.
func (c *Cradle) Feed() FeedStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case models.CradleStateDetonated:
		return FeedDetonated
	case models.CradleStateIdle, models.CradleStateStopped:
		return FeedInactive
	}

	if !c.primary.Reset() {
		// The countdown expired but the detonation has not taken the lock
		// yet. The feed was too late; report it as such.
		return FeedDetonated
	}
	for _, w := range c.watchers {
		// A watcher that already fired this cycle stays fired; feeding does
		// not resurrect it until the next arm.
		w.countdown.Reset()
	}
	return FeedOK
}

// Detonate forces immediate detonation regardless of the deadline.
func (c *Cradle) Detonate() {
	c.detonate(models.DetonationReasonForced)
}

func (c *Cradle) detonate(reason string) {
	c.mu.Lock()
	if c.state != models.CradleStateArmed {
		c.mu.Unlock()
		return
	}
	c.state = models.CradleStateDetonated
	c.primary.Cancel()

	event := models.DetonationEvent{
		FiredAt:    time.Now(),
		Reason:     reason,
		Threshold:  c.threshold.String(),
		ArmedSince: c.armedAt,
	}
	c.lastEvent = &event
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)

	// Once the cradle has detonated the watcher countdowns are moot: shorter
	// ones already gave their early warning, longer ones are overtaken by the
	// main event. Forced detonation additionally triggers every watcher,
	// mirroring the cradle-wide alarm.
	var forced []*watcher
	for _, w := range c.watchers {
		w.countdown.Cancel()
		if reason == models.DetonationReasonForced {
			forced = append(forced, w)
		}
	}

	// A fired or canceled countdown cannot be re-armed, so swap in fresh
	// instances now, before releasing the lock, to keep a concurrent Rearm
	// from arming the dead ones.
	c.primary = timer.New(c.threshold, func() {
		c.detonate(models.DetonationReasonThreshold)
	})
	for _, w := range c.watchers {
		w.countdown = c.newWatcherCountdown(w)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(event)
	}
	for _, w := range forced {
		w.fn(event)
	}
}

func (c *Cradle) newWatcherCountdown(w *watcher) *timer.Countdown {
	return timer.New(w.threshold, func() {
		w.fn(models.DetonationEvent{
			FiredAt:   time.Now(),
			Reason:    models.DetonationReasonThreshold,
			Threshold: w.threshold.String(),
		})
	})
}

// Stop disarms the cradle permanently and releases anyone blocked in Wait.
func (c *Cradle) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if err := models.ValidateTransition(c.state, models.CradleStateStopped); err != nil {
		// Already stopped; nothing else rejects this transition.
		return
	}
	c.state = models.CradleStateStopped
	c.stopped = true
	c.primary.Cancel()
	for _, w := range c.watchers {
		w.countdown.Cancel()
	}
	close(c.done)
}

// Wait blocks until Stop is called.
func (c *Cradle) Wait() {
	<-c.done
}

// State returns the current lifecycle state.
func (c *Cradle) State() models.CradleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alive reports whether the cradle is armed and has not detonated.
func (c *Cradle) Alive() bool {
	return c.State() == models.CradleStateArmed
}

// LastEvent returns the most recent detonation event, or nil.
func (c *Cradle) LastEvent() *models.DetonationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// Remaining returns the time left before detonation, or zero when not armed.
func (c *Cradle) Remaining() time.Duration {
	c.mu.Lock()
	p := c.primary
	c.mu.Unlock()
	return p.Remaining()
}

// Threshold returns the configured detonation threshold.
func (c *Cradle) Threshold() time.Duration {
	return c.threshold
}
