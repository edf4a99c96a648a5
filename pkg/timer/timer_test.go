package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestCountdown_FiresOnceOnSilence tests that an unfed countdown fires exactly once
func TestCountdown_FiresOnceOnSilence(t *testing.T) {
	var fires int32
	c := New(50*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	})

	if !c.Arm() {
		t.Fatal("Expected initial arm to succeed")
	}

	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Errorf("Expected exactly 1 fire, got %d", got)
	}
	if !c.Fired() {
		t.Error("Expected countdown to report fired")
	}
	if c.Armed() {
		t.Error("Expected countdown to be disarmed after firing")
	}
}

// TestCountdown_ResetExtendsDeadline: threshold 10 units, feed at t=0 and
// t=8, no feed after; fires at ~18, not 10.
func TestCountdown_ResetExtendsDeadline(t *testing.T) {
	const unit = 20 * time.Millisecond // threshold = 10 units

	var firedAt atomic.Value
	start := time.Now()
	c := New(10*unit, func() {
		firedAt.Store(time.Since(start))
	})

	c.Arm() // feed at t=0
	time.Sleep(8 * unit)
	if !c.Reset() { // feed at t=8
		t.Fatal("Expected reset at t=8 to be accepted")
	}

	time.Sleep(22 * unit)

	v := firedAt.Load()
	if v == nil {
		t.Fatal("Expected countdown to have fired")
	}
	elapsed := v.(time.Duration)
	if elapsed < 17*unit || elapsed > 21*unit {
		t.Errorf("Expected fire at ~18 units, got %v (unit=%v)", elapsed, unit)
	}
}

// TestCountdown_NeverFiresWhileFed tests that feeds strictly inside the
// threshold window prevent detonation indefinitely
func TestCountdown_NeverFiresWhileFed(t *testing.T) {
	var fires int32
	c := New(60*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	})
	c.Arm()

	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		if !c.Reset() {
			t.Fatalf("Expected reset %d to be accepted", i)
		}
	}

	if got := atomic.LoadInt32(&fires); got != 0 {
		t.Errorf("Expected no fires while being fed, got %d", got)
	}

	c.Cancel()
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 0 {
		t.Errorf("Expected no fires after cancel, got %d", got)
	}
}

// TestCountdown_ResetAfterFireRejected tests that a late reset is reported
// as not accepted rather than silently swallowed
func TestCountdown_ResetAfterFireRejected(t *testing.T) {
	c := New(30*time.Millisecond, func() {})
	c.Arm()
	time.Sleep(100 * time.Millisecond)

	if c.Reset() {
		t.Error("Expected reset after fire to be rejected")
	}
}

// TestCountdown_CancelIsPermanent tests cancel semantics
func TestCountdown_CancelIsPermanent(t *testing.T) {
	var fires int32
	c := New(20*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	})
	c.Arm()
	c.Cancel()

	if c.Arm() {
		t.Error("Expected arm after cancel to be rejected")
	}
	if c.Reset() {
		t.Error("Expected reset after cancel to be rejected")
	}

	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 0 {
		t.Errorf("Expected no fires after cancel, got %d", got)
	}
}

// TestCountdown_RearmAfterFire tests that arming a fired countdown starts
// a fresh cycle with a fresh at-most-once guarantee
func TestCountdown_RearmAfterFire(t *testing.T) {
	var fires int32
	c := New(25*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	})

	c.Arm()
	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Fatalf("Expected 1 fire after first cycle, got %d", got)
	}

	if !c.Arm() {
		t.Fatal("Expected re-arm after fire to succeed")
	}
	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 2 {
		t.Errorf("Expected 2 fires after second cycle, got %d", got)
	}
}

// TestCountdown_ConcurrentResetsNoDoubleFire hammers Reset from many
// goroutines while cycles expire; the callback must fire at most once per cycle
func TestCountdown_ConcurrentResetsNoDoubleFire(t *testing.T) {
	var fires int32
	c := New(10*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	})
	c.Arm()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.Reset()
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	// Resets arrive every ~1ms against a 10ms threshold, so the countdown
	// must not fire while the hammering is running.
	time.Sleep(150 * time.Millisecond)
	close(stop)
	wg.Wait()

	if got := atomic.LoadInt32(&fires); got != 0 {
		t.Errorf("Expected no fires while under constant resets, got %d", got)
	}

	// Once silent, exactly one fire.
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Errorf("Expected exactly 1 fire after silence, got %d", got)
	}
}

// TestCountdown_Remaining tests deadline accounting
func TestCountdown_Remaining(t *testing.T) {
	c := New(time.Hour, func() {})
	if c.Remaining() != 0 {
		t.Error("Expected zero remaining before arm")
	}
	c.Arm()
	if r := c.Remaining(); r <= 59*time.Minute || r > time.Hour {
		t.Errorf("Expected remaining close to 1h, got %v", r)
	}
	c.Cancel()
	if c.Remaining() != 0 {
		t.Error("Expected zero remaining after cancel")
	}
}
