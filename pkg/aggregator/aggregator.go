// Package aggregator tracks feed signals from multiple independent sources
// and detonates only when every registered source has been silent past the
// threshold. It is the multi-source generalization of pkg/cradle.
package aggregator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/cradle/pkg/logging"
	"github.com/psantana5/cradle/pkg/models"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrSourceExists   = errors.New("source already registered")
)

// Handler is invoked when the aggregator detonates. Handlers run on the
// sweep goroutine and must not block for long.
type Handler func(event models.DetonationEvent)

// Config holds aggregator configuration
type Config struct {
	// Threshold is the maximum silence tolerated before detonation.
	Threshold time.Duration
	// SweepInterval is how often the silence check runs. Defaults to
	// Threshold/10, clamped to [10ms, 1s].
	SweepInterval time.Duration
	// Logger is optional; nil disables logging.
	Logger *logging.Logger
}

// Aggregator is the multi-source dead-man's switch. The detonation check is
// evaluated under a single lock so it always observes a consistent snapshot
// of the registry: either every source is past the threshold, or none of the
// partial updates from a concurrent feed are visible.
type Aggregator struct {
	mu        sync.Mutex
	threshold time.Duration
	sweep     time.Duration
	state     models.CradleState
	sources   map[string]*models.Source
	handlers  []Handler
	armedAt   time.Time
	lastEvent *models.DetonationEvent
	log       *logging.Logger

	// now is swappable for tests
	now func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates an idle aggregator.
func New(cfg Config) *Aggregator {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = cfg.Threshold / 10
	}
	if sweep < 10*time.Millisecond {
		sweep = 10 * time.Millisecond
	}
	if sweep > time.Second {
		sweep = time.Second
	}

	return &Aggregator{
		threshold: cfg.Threshold,
		sweep:     sweep,
		state:     models.CradleStateIdle,
		sources:   make(map[string]*models.Source),
		log:       cfg.Logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// OnDetonate registers a detonation handler.
func (a *Aggregator) OnDetonate(fn Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, fn)
}

// RegisterSource adds a source to the registry. Its last-seen starts at now,
// so a freshly registered source gets a full threshold window before it can
// contribute to detonation.
func (a *Aggregator) RegisterSource(src *models.Source) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sources[src.ID]; ok {
		return ErrSourceExists
	}
	now := a.now()
	if src.LastSeen.IsZero() {
		src.LastSeen = now
	}
	if src.RegisteredAt.IsZero() {
		src.RegisteredAt = now
	}
	a.sources[src.ID] = src

	if a.log != nil {
		a.log.Info(fmt.Sprintf("Source registered: %s [%s] (%s)", src.Name, src.ID, src.Type))
	}
	return nil
}

// DeregisterSource removes a source. Sources are never removed
// automatically; this is the only way out of the registry.
func (a *Aggregator) DeregisterSource(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sources[id]; !ok {
		return ErrSourceNotFound
	}
	delete(a.sources, id)
	return nil
}

// GetSource returns a copy of the source with the given ID.
func (a *Aggregator) GetSource(id string) (models.Source, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	src, ok := a.sources[id]
	if !ok {
		return models.Source{}, ErrSourceNotFound
	}
	return *src, nil
}

// GetSourceByName returns a copy of the source with the given name. Peer
// envelopes identify sources by name; the registry is keyed by ID.
func (a *Aggregator) GetSourceByName(name string) (models.Source, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, src := range a.sources {
		if src.Name == name {
			return *src, nil
		}
	}
	return models.Source{}, ErrSourceNotFound
}

// Sources returns a snapshot copy of all registered sources.
func (a *Aggregator) Sources() []models.Source {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Source, 0, len(a.sources))
	for _, src := range a.sources {
		out = append(out, *src)
	}
	return out
}

// Apply consumes a signal. Stale signals (timestamp older than or equal to
// the source's current last-seen) are ignored so that a replayed signal can
// never move the effective deadline backward.
func (a *Aggregator) Apply(sig models.Signal) models.SignalResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == models.CradleStateDetonated {
		return models.SignalDead
	}

	src, ok := a.sources[sig.SourceID]
	if !ok {
		return models.SignalUnknown
	}

	if !sig.Timestamp.After(src.LastSeen) {
		if sig.Timestamp.Equal(src.LastSeen) {
			return models.SignalDuplicate
		}
		return models.SignalStale
	}

	src.LastSeen = sig.Timestamp
	src.FeedCount++
	return models.SignalAccepted
}

// Start arms the aggregator and launches the background sweep.
func (a *Aggregator) Start() error {
	a.mu.Lock()
	if err := models.ValidateTransition(a.state, models.CradleStateArmed); err != nil {
		a.mu.Unlock()
		return err
	}
	a.state = models.CradleStateArmed
	a.armedAt = a.now()
	a.started = true
	a.mu.Unlock()

	go a.run()
	return nil
}

func (a *Aggregator) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.checkSilence()
		}
	}
}

// checkSilence evaluates the detonation invariant: fire if and only if every
// registered source's last-seen is older than now - threshold, for a
// registry with at least one source.
func (a *Aggregator) checkSilence() {
	a.mu.Lock()

	if a.state != models.CradleStateArmed || len(a.sources) == 0 {
		a.mu.Unlock()
		return
	}

	now := a.now()
	cutoff := now.Add(-a.threshold)
	for _, src := range a.sources {
		if src.LastSeen.After(cutoff) {
			a.mu.Unlock()
			return
		}
	}

	a.detonateLocked(now, models.DetonationReasonThreshold)
}

// Detonate forces immediate detonation.
func (a *Aggregator) Detonate() {
	a.mu.Lock()
	if a.state != models.CradleStateArmed {
		a.mu.Unlock()
		return
	}
	a.detonateLocked(a.now(), models.DetonationReasonForced)
}

// detonateLocked fires the detonation event. Called with a.mu held; releases it.
func (a *Aggregator) detonateLocked(now time.Time, reason string) {
	a.state = models.CradleStateDetonated

	silence := make(map[string]string, len(a.sources))
	for id, src := range a.sources {
		silence[id] = now.Sub(src.LastSeen).String()
	}

	event := models.DetonationEvent{
		ID:            uuid.New().String(),
		FiredAt:       now,
		Reason:        reason,
		Threshold:     a.threshold.String(),
		ArmedSince:    a.armedAt,
		SourceSilence: silence,
	}
	a.lastEvent = &event
	handlers := make([]Handler, len(a.handlers))
	copy(handlers, a.handlers)

	if a.log != nil {
		a.log.Error(fmt.Sprintf("Cradle detonated (%s): all %d sources silent past %s",
			reason, len(a.sources), a.threshold))
	}
	a.mu.Unlock()

	for _, fn := range handlers {
		fn(event)
	}
}

// Rearm returns a detonated aggregator to service. Every source's last-seen
// is refreshed so the new cycle gets a full threshold window.
func (a *Aggregator) Rearm() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := models.ValidateTransition(a.state, models.CradleStateArmed); err != nil {
		return err
	}
	a.state = models.CradleStateArmed
	now := a.now()
	a.armedAt = now
	for _, src := range a.sources {
		src.LastSeen = now
	}

	if a.log != nil {
		a.log.Warn("Cradle re-armed")
	}
	return nil
}

// Stop halts the sweep goroutine and disarms the aggregator permanently.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if models.IsTerminalState(a.state) {
		a.mu.Unlock()
		return
	}
	a.state = models.CradleStateStopped
	started := a.started
	a.mu.Unlock()

	if started {
		close(a.stopCh)
		<-a.doneCh
	}
}

// State returns the current lifecycle state.
func (a *Aggregator) State() models.CradleState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastEvent returns the most recent detonation event, or nil.
func (a *Aggregator) LastEvent() *models.DetonationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastEvent
}

// Threshold returns the configured silence threshold.
func (a *Aggregator) Threshold() time.Duration {
	return a.threshold
}

// ArmedSince returns when the current cycle began.
func (a *Aggregator) ArmedSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armedAt
}
