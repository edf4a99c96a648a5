package aggregator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/cradle/pkg/models"
)

func newTestAggregator(t *testing.T, threshold time.Duration) (*Aggregator, *time.Time) {
	t.Helper()
	a := New(Config{Threshold: threshold})
	now := time.Now()
	a.now = func() time.Time { return now }
	// Arm without launching the sweep goroutine so tests can drive the
	// fake clock and call checkSilence deterministically.
	a.state = models.CradleStateArmed
	a.armedAt = now
	return a, &now
}

func mustRegister(t *testing.T, a *Aggregator, id string) {
	t.Helper()
	if err := a.RegisterSource(&models.Source{ID: id, Name: id, Type: models.SourceTypeLocal}); err != nil {
		t.Fatalf("Failed to register source %s: %v", id, err)
	}
}

// TestAggregator_AllSourcesSilent tests the core invariant: detonation fires
// if and only if every source is silent past the threshold
func TestAggregator_AllSourcesSilent(t *testing.T) {
	a, now := newTestAggregator(t, 10*time.Second)
	mustRegister(t, a, "local")
	mustRegister(t, a, "peer-1")

	var detonations int32
	a.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})
	// t=8: local feeds, peer stays quiet
	*now = now.Add(8 * time.Second)
	if res := a.Apply(models.Signal{SourceID: "local", Timestamp: *now}); res != models.SignalAccepted {
		t.Fatalf("Expected accepted, got %s", res)
	}

	// t=12: peer is silent past threshold but local is not -> no detonation
	*now = now.Add(4 * time.Second)
	a.checkSilence()
	if got := atomic.LoadInt32(&detonations); got != 0 {
		t.Fatalf("Expected no detonation while one source is live, got %d", got)
	}

	// t=19: local now silent 11s, peer silent 19s -> detonate
	*now = now.Add(7 * time.Second)
	a.checkSilence()
	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Errorf("Expected detonation when all sources are silent, got %d", got)
	}
	if a.State() != models.CradleStateDetonated {
		t.Errorf("Expected detonated state, got %s", a.State())
	}

	// Sweep after detonation must not fire again
	*now = now.Add(time.Minute)
	a.checkSilence()
	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Errorf("Expected detonation to be one-shot, got %d", got)
	}
}

// TestAggregator_FeedExtendsDeadline tests: threshold 10s, single source,
// feed at t=0 and t=8, silence after -> detonation at t~18, not t=10
func TestAggregator_FeedExtendsDeadline(t *testing.T) {
	a, now := newTestAggregator(t, 10*time.Second)
	mustRegister(t, a, "local")

	var detonations int32
	a.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})
	start := *now
	*now = start.Add(8 * time.Second)
	a.Apply(models.Signal{SourceID: "local", Timestamp: *now})

	// t=10: original deadline, but the feed at t=8 moved it
	*now = start.Add(10 * time.Second)
	a.checkSilence()
	if atomic.LoadInt32(&detonations) != 0 {
		t.Fatal("Expected no detonation at t=10 after feed at t=8")
	}

	// t=17.9: still inside the extended window
	*now = start.Add(17*time.Second + 900*time.Millisecond)
	a.checkSilence()
	if atomic.LoadInt32(&detonations) != 0 {
		t.Fatal("Expected no detonation just before t=18")
	}

	// t=18.1: extended deadline lapsed
	*now = start.Add(18*time.Second + 100*time.Millisecond)
	a.checkSilence()
	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Errorf("Expected detonation at t~18, got %d fires", got)
	}
}

// TestAggregator_RemotePeerKeepsAlive tests: local goes silent, remote keeps
// feeding within threshold -> no detonation
func TestAggregator_RemotePeerKeepsAlive(t *testing.T) {
	a, now := newTestAggregator(t, 10*time.Second)
	mustRegister(t, a, "local")
	mustRegister(t, a, "remote")

	var detonations int32
	a.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})
	// local never feeds again; remote feeds every 5s for a minute
	for i := 0; i < 12; i++ {
		*now = now.Add(5 * time.Second)
		if res := a.Apply(models.Signal{SourceID: "remote", Timestamp: *now}); res != models.SignalAccepted {
			t.Fatalf("Expected remote feed %d accepted, got %s", i, res)
		}
		a.checkSilence()
	}

	if got := atomic.LoadInt32(&detonations); got != 0 {
		t.Errorf("Expected no detonation while remote peer feeds, got %d", got)
	}
}

// TestAggregator_MonotonicPerSource tests that out-of-order and replayed
// signals never move last-seen backward
func TestAggregator_MonotonicPerSource(t *testing.T) {
	a, now := newTestAggregator(t, time.Minute)
	mustRegister(t, a, "src")
	t1 := now.Add(10 * time.Second)
	t2 := now.Add(20 * time.Second)

	if res := a.Apply(models.Signal{SourceID: "src", Timestamp: t2}); res != models.SignalAccepted {
		t.Fatalf("Expected accepted, got %s", res)
	}
	if res := a.Apply(models.Signal{SourceID: "src", Timestamp: t1}); res != models.SignalStale {
		t.Errorf("Expected stale for older timestamp, got %s", res)
	}
	if res := a.Apply(models.Signal{SourceID: "src", Timestamp: t2}); res != models.SignalDuplicate {
		t.Errorf("Expected duplicate for replayed timestamp, got %s", res)
	}

	src, err := a.GetSource("src")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	if !src.LastSeen.Equal(t2) {
		t.Errorf("Expected last-seen %v, got %v", t2, src.LastSeen)
	}
	if src.FeedCount != 1 {
		t.Errorf("Expected feed count 1, got %d", src.FeedCount)
	}
}

// TestAggregator_UnknownSource tests the unknown-source result
func TestAggregator_UnknownSource(t *testing.T) {
	a, now := newTestAggregator(t, time.Minute)
	if res := a.Apply(models.Signal{SourceID: "ghost", Timestamp: *now}); res != models.SignalUnknown {
		t.Errorf("Expected unknown, got %s", res)
	}
}

// TestAggregator_NoSourcesNeverDetonates tests the zero-source edge case
func TestAggregator_NoSourcesNeverDetonates(t *testing.T) {
	a, now := newTestAggregator(t, time.Second)

	var detonations int32
	a.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})
	*now = now.Add(time.Hour)
	a.checkSilence()
	if got := atomic.LoadInt32(&detonations); got != 0 {
		t.Errorf("Expected no detonation with empty registry, got %d", got)
	}
}

// TestAggregator_SignalAfterDetonation tests that signals against a dead
// cradle return the detonated status without touching the registry
func TestAggregator_SignalAfterDetonation(t *testing.T) {
	a, now := newTestAggregator(t, time.Second)
	mustRegister(t, a, "src")
	*now = now.Add(time.Hour)
	a.checkSilence()
	if a.State() != models.CradleStateDetonated {
		t.Fatal("Expected detonation")
	}

	before, _ := a.GetSource("src")
	if res := a.Apply(models.Signal{SourceID: "src", Timestamp: now.Add(time.Second)}); res != models.SignalDead {
		t.Errorf("Expected detonated result, got %s", res)
	}
	after, _ := a.GetSource("src")
	if !after.LastSeen.Equal(before.LastSeen) {
		t.Error("Expected last-seen to be untouched after detonation")
	}
}

// TestAggregator_RearmRefreshesWindow tests explicit re-arm semantics
func TestAggregator_RearmRefreshesWindow(t *testing.T) {
	a, now := newTestAggregator(t, 10*time.Second)
	mustRegister(t, a, "src")

	var detonations int32
	a.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})
	*now = now.Add(time.Minute)
	a.checkSilence()
	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Fatalf("Expected first detonation, got %d", got)
	}

	if err := a.Rearm(); err != nil {
		t.Fatalf("Failed to re-arm: %v", err)
	}
	if a.State() != models.CradleStateArmed {
		t.Errorf("Expected armed after re-arm, got %s", a.State())
	}

	// Sources were refreshed: a sweep right after re-arm must not fire.
	a.checkSilence()
	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Errorf("Expected no immediate re-detonation after re-arm, got %d", got)
	}

	*now = now.Add(time.Minute)
	a.checkSilence()
	if got := atomic.LoadInt32(&detonations); got != 2 {
		t.Errorf("Expected second detonation after renewed silence, got %d", got)
	}
}

// TestAggregator_ForcedDetonation tests the forced trigger
func TestAggregator_ForcedDetonation(t *testing.T) {
	a, _ := newTestAggregator(t, time.Hour)
	mustRegister(t, a, "src")
	a.Detonate()
	if a.State() != models.CradleStateDetonated {
		t.Error("Expected forced detonation")
	}
	ev := a.LastEvent()
	if ev == nil || ev.Reason != models.DetonationReasonForced {
		t.Errorf("Expected forced reason in event, got %+v", ev)
	}

	a.Detonate() // no-op on a dead cradle
}

// TestAggregator_RegisterErrors tests registry edge cases
func TestAggregator_RegisterErrors(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)
	mustRegister(t, a, "src")

	if err := a.RegisterSource(&models.Source{ID: "src"}); err != ErrSourceExists {
		t.Errorf("Expected ErrSourceExists, got %v", err)
	}
	if err := a.DeregisterSource("nope"); err != ErrSourceNotFound {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}
	if err := a.DeregisterSource("src"); err != nil {
		t.Errorf("Expected deregister to succeed, got %v", err)
	}
	if _, err := a.GetSource("src"); err != ErrSourceNotFound {
		t.Errorf("Expected ErrSourceNotFound after deregister, got %v", err)
	}
}

// TestAggregator_GetSourceByName resolves peer names to registry entries
func TestAggregator_GetSourceByName(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)
	if err := a.RegisterSource(&models.Source{ID: "uuid-1", Name: "node-a", Type: models.SourceTypePeer}); err != nil {
		t.Fatalf("Failed to register source: %v", err)
	}

	src, err := a.GetSourceByName("node-a")
	if err != nil {
		t.Fatalf("GetSourceByName failed: %v", err)
	}
	if src.ID != "uuid-1" {
		t.Errorf("Expected ID uuid-1, got %s", src.ID)
	}
	if _, err := a.GetSourceByName("ghost"); err != ErrSourceNotFound {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}
}

// TestAggregator_ConcurrentApply hammers Apply from many goroutines while
// sweeps run; state must stay consistent and detonation must not fire
func TestAggregator_ConcurrentApply(t *testing.T) {
	a := New(Config{Threshold: time.Minute, SweepInterval: 10 * time.Millisecond})
	for _, id := range []string{"a", "b", "c"} {
		mustRegister(t, a, id)
	}

	var detonations int32
	a.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})
	if err := a.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	defer a.Stop()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					a.Apply(models.Signal{SourceID: id, Timestamp: time.Now()})
				}
			}(id)
		}
	}
	wg.Wait()

	if got := atomic.LoadInt32(&detonations); got != 0 {
		t.Errorf("Expected no detonations under load, got %d", got)
	}
	for _, id := range []string{"a", "b", "c"} {
		src, err := a.GetSource(id)
		if err != nil {
			t.Fatalf("GetSource(%s) failed: %v", id, err)
		}
		if src.FeedCount == 0 {
			t.Errorf("Expected source %s to have accepted feeds", id)
		}
	}
}

// TestAggregator_SweepLifecycle runs the real background sweep end to end
func TestAggregator_SweepLifecycle(t *testing.T) {
	a := New(Config{Threshold: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	mustRegister(t, a, "src")

	fired := make(chan models.DetonationEvent, 1)
	a.OnDetonate(func(e models.DetonationEvent) {
		fired <- e
	})
	if err := a.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	select {
	case e := <-fired:
		if e.Reason != models.DetonationReasonThreshold {
			t.Errorf("Expected threshold reason, got %s", e.Reason)
		}
		if e.SourceSilence["src"] == "" {
			t.Error("Expected per-source silence in event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected detonation from background sweep")
	}

	a.Stop()
	a.Stop() // second stop is a no-op
	if a.State() != models.CradleStateStopped {
		t.Errorf("Expected stopped, got %s", a.State())
	}
}
