package cradle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/cradle/pkg/models"
	"github.com/psantana5/cradle/pkg/timer"
)

// TestCradle_FeedKeepsAlive tests that feeds inside the threshold window
// keep the cradle alive indefinitely
func TestCradle_FeedKeepsAlive(t *testing.T) {
	var detonations int32
	c := New(60 * time.Millisecond)
	c.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})

	if err := c.Arm(); err != nil {
		t.Fatalf("Failed to arm: %v", err)
	}

	for i := 0; i < 8; i++ {
		time.Sleep(20 * time.Millisecond)
		if status := c.Feed(); status != FeedOK {
			t.Fatalf("Expected FeedOK on feed %d, got %s", i, status)
		}
	}

	if got := atomic.LoadInt32(&detonations); got != 0 {
		t.Errorf("Expected no detonations while fed, got %d", got)
	}
	if !c.Alive() {
		t.Error("Expected cradle to be alive")
	}
	c.Stop()
}

// TestCradle_DetonatesOnSilence tests threshold detonation fires exactly once
func TestCradle_DetonatesOnSilence(t *testing.T) {
	var detonations int32
	c := New(30 * time.Millisecond)
	c.OnDetonate(func(e models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
		if e.Reason != models.DetonationReasonThreshold {
			t.Errorf("Expected threshold reason, got %s", e.Reason)
		}
	})
	c.Arm()

	time.Sleep(120 * time.Millisecond)

	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Errorf("Expected exactly 1 detonation, got %d", got)
	}
	if c.State() != models.CradleStateDetonated {
		t.Errorf("Expected detonated state, got %s", c.State())
	}
}

// TestCradle_FeedAfterDetonationIsStatus tests the distinct no-op status
func TestCradle_FeedAfterDetonationIsStatus(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Arm()
	time.Sleep(80 * time.Millisecond)

	if status := c.Feed(); status != FeedDetonated {
		t.Errorf("Expected FeedDetonated, got %s", status)
	}
	// Feeding a dead cradle must not resurrect it
	if c.State() != models.CradleStateDetonated {
		t.Errorf("Expected cradle to stay detonated, got %s", c.State())
	}
}

// TestCradle_FeedAfterExpiryRejected covers the window where the countdown
// has run out but the detonation has not taken the cradle lock yet: a feed
// landing there was too late and must not report FeedOK
func TestCradle_FeedAfterExpiryRejected(t *testing.T) {
	c := New(time.Hour)
	if err := c.Arm(); err != nil {
		t.Fatalf("Failed to arm: %v", err)
	}

	// Swap in a countdown whose Reset is no longer accepted, which is what
	// the feed path observes between expiry and detonate taking the lock.
	c.mu.Lock()
	c.primary = timer.New(time.Hour, nil)
	c.mu.Unlock()

	if status := c.Feed(); status != FeedDetonated {
		t.Errorf("Expected FeedDetonated for a too-late feed, got %s", status)
	}
}

// TestCradle_FeedBeforeArm tests that an idle cradle reports inactive
func TestCradle_FeedBeforeArm(t *testing.T) {
	c := New(time.Second)
	if status := c.Feed(); status != FeedInactive {
		t.Errorf("Expected FeedInactive before arm, got %s", status)
	}
}

// TestCradle_Rearm tests explicit re-arm after detonation
func TestCradle_Rearm(t *testing.T) {
	var detonations int32
	c := New(25 * time.Millisecond)
	c.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})

	c.Arm()
	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Fatalf("Expected 1 detonation, got %d", got)
	}

	if err := c.Rearm(); err != nil {
		t.Fatalf("Failed to re-arm: %v", err)
	}
	if status := c.Feed(); status != FeedOK {
		t.Errorf("Expected FeedOK after re-arm, got %s", status)
	}

	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&detonations); got != 2 {
		t.Errorf("Expected 2 detonations across two cycles, got %d", got)
	}
}

// TestCradle_ForcedDetonation tests the forced trigger path
func TestCradle_ForcedDetonation(t *testing.T) {
	var detonations int32
	var watcherFires int32
	c := New(time.Hour)
	c.OnDetonate(func(e models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
		if e.Reason != models.DetonationReasonForced {
			t.Errorf("Expected forced reason, got %s", e.Reason)
		}
	})
	c.AddWatcher("pager", time.Hour, func(models.DetonationEvent) {
		atomic.AddInt32(&watcherFires, 1)
	})
	c.Arm()

	c.Detonate()
	// Second force must be a no-op
	c.Detonate()

	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Errorf("Expected 1 detonation, got %d", got)
	}
	if got := atomic.LoadInt32(&watcherFires); got != 1 {
		t.Errorf("Expected forced detonation to trigger the watcher once, got %d", got)
	}
}

// TestCradle_WatcherEarlyWarning tests that a watcher with a shorter
// threshold fires before the cradle detonates
func TestCradle_WatcherEarlyWarning(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	c := New(90 * time.Millisecond)
	c.OnDetonate(func(models.DetonationEvent) { record("detonate") })
	c.AddWatcher("warn", 30*time.Millisecond, func(models.DetonationEvent) { record("warn") })
	c.Arm()

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "warn" || order[1] != "detonate" {
		t.Errorf("Expected [warn detonate], got %v", order)
	}
}

// TestCradle_WatcherFedAlongside tests that feeding resets watcher deadlines too
func TestCradle_WatcherFedAlongside(t *testing.T) {
	var warns int32
	c := New(time.Hour)
	c.AddWatcher("warn", 50*time.Millisecond, func(models.DetonationEvent) {
		atomic.AddInt32(&warns, 1)
	})
	c.Arm()

	for i := 0; i < 6; i++ {
		time.Sleep(20 * time.Millisecond)
		c.Feed()
	}
	if got := atomic.LoadInt32(&warns); got != 0 {
		t.Errorf("Expected no watcher fires while fed, got %d", got)
	}
	c.Stop()
}

// TestCradle_StopAndWait tests join semantics
func TestCradle_StopAndWait(t *testing.T) {
	c := New(time.Hour)
	c.Arm()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Stop")
	case <-time.After(30 * time.Millisecond):
	}

	c.Stop()
	c.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Stop")
	}

	if status := c.Feed(); status != FeedInactive {
		t.Errorf("Expected FeedInactive after stop, got %s", status)
	}
	if err := c.Arm(); err == nil {
		t.Error("Expected arm after stop to be rejected")
	}
}

// TestCradle_ConcurrentFeeds hammers Feed from many goroutines
func TestCradle_ConcurrentFeeds(t *testing.T) {
	var detonations int32
	c := New(40 * time.Millisecond)
	c.OnDetonate(func(models.DetonationEvent) {
		atomic.AddInt32(&detonations, 1)
	})
	c.Arm()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.Feed()
					time.Sleep(2 * time.Millisecond)
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()

	if got := atomic.LoadInt32(&detonations); got != 0 {
		t.Errorf("Expected no detonations under constant feeding, got %d", got)
	}

	time.Sleep(120 * time.Millisecond)
	if got := atomic.LoadInt32(&detonations); got != 1 {
		t.Errorf("Expected exactly 1 detonation after silence, got %d", got)
	}
	if c.LastEvent() == nil {
		t.Error("Expected last event to be recorded")
	}
}
