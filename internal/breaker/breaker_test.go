package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
)

func testBreaker(config Config) *Breaker {
	return New("session-acquisition", config, arbor.NewLogger())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := testBreaker(Config{
		FailureThreshold: 3,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     30 * time.Second,
	})

	if b.State() != StateClosed {
		t.Fatalf("new breaker should be CLOSED, got %s", b.State())
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("breaker opened below threshold, state %s", b.State())
	}
	if !b.CanExecute() {
		t.Error("CLOSED breaker should allow execution")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("breaker should be OPEN after 3 failures, got %s", b.State())
	}
	if b.CanExecute() {
		t.Error("OPEN breaker should deny execution before reset timeout")
	}

	stats := b.GetStats()
	if stats.NextAttemptAt == nil {
		t.Error("OPEN breaker must expose next attempt time")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := testBreaker(Config{
		FailureThreshold: 3,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     30 * time.Second,
	})

	now := time.Now()
	b.clock = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	// Advance past the reset timeout: exactly one probe allowed.
	now = now.Add(31 * time.Second)
	if !b.CanExecute() {
		t.Fatal("first caller after reset timeout should be admitted as probe")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}
	if b.CanExecute() {
		t.Error("second caller must be denied while probe is in flight")
	}

	// Probe success closes the breaker and empties the window.
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("HALF_OPEN success should close, got %s", b.State())
	}
	if got := b.GetStats().WindowSize; got != 0 {
		t.Errorf("failure window should be cleared on close, got %d entries", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(Config{
		FailureThreshold: 2,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     10 * time.Second,
	})

	now := time.Now()
	b.clock = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure()

	now = now.Add(11 * time.Second)
	if !b.CanExecute() {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("HALF_OPEN failure should reopen, got %s", b.State())
	}
	if b.CanExecute() {
		t.Error("reopened breaker should deny execution until new reset timeout")
	}

	// The new reset timeout counts from the probe failure.
	now = now.Add(11 * time.Second)
	if !b.CanExecute() {
		t.Error("breaker should admit a new probe after the second reset timeout")
	}
}

func TestBreakerWindowPruning(t *testing.T) {
	b := testBreaker(Config{
		FailureThreshold: 3,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     10 * time.Second,
	})

	now := time.Now()
	b.clock = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure()

	// Old failures age out of the window before the third arrives.
	now = now.Add(2 * time.Minute)
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Fatalf("stale failures should not trip the breaker, got %s", b.State())
	}
	if got := b.GetStats().WindowSize; got != 1 {
		t.Errorf("window should hold only the recent failure, got %d", got)
	}
}

func TestBreakerCountersAreMonotonic(t *testing.T) {
	b := testBreaker(DefaultConfig())

	for i := 0; i < 5; i++ {
		b.CanExecute()
		b.RecordFailure()
	}

	stats := b.GetStats()
	if stats.TotalAttempts != 5 {
		t.Errorf("total attempts = %d, want 5", stats.TotalAttempts)
	}
	if stats.TotalFailures != 5 {
		t.Errorf("total failures = %d, want 5", stats.TotalFailures)
	}

	// RecordSuccess never decrements.
	b.RecordSuccess()
	if got := b.GetStats().TotalFailures; got != 5 {
		t.Errorf("success must not reset failure counter, got %d", got)
	}

	// Only the manual override clears counters.
	b.Reset()
	stats = b.GetStats()
	if stats.TotalAttempts != 0 || stats.TotalFailures != 0 || stats.State != StateClosed {
		t.Errorf("manual reset should zero counters and close, got %+v", stats)
	}
}

func TestBreakerStateChangeNotification(t *testing.T) {
	b := testBreaker(Config{
		FailureThreshold: 2,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     5 * time.Second,
	})

	var mu sync.Mutex
	var transitions []State
	b.OnStateChange(func(service string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	now := time.Now()
	b.clock = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure() // -> OPEN
	now = now.Add(6 * time.Second)
	b.CanExecute()    // -> HALF_OPEN
	b.RecordSuccess() // -> CLOSED

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreakerReachesHalfOpenWithoutTraffic(t *testing.T) {
	b := testBreaker(Config{
		FailureThreshold: 2,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     50 * time.Millisecond,
	})

	var mu sync.Mutex
	var transitions []State
	b.OnStateChange(func(service string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	// No CanExecute calls: the reset timeout alone must move the breaker
	// to HALF_OPEN so idle services still get a probe window.
	deadline := time.Now().Add(2 * time.Second)
	for b.State() != StateHalfOpen {
		if time.Now().After(deadline) {
			t.Fatalf("breaker never left OPEN without traffic, state %s", b.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(DefaultConfig(), arbor.NewLogger())

	a := r.Get("session-acquisition")
	b := r.Get("session-acquisition")
	if a != b {
		t.Error("registry should return the same breaker per service")
	}

	c := r.Get("other-service")
	if a == c {
		t.Error("distinct services should get distinct breakers")
	}

	if got := len(r.Stats()); got != 2 {
		t.Errorf("registry stats should cover 2 services, got %d", got)
	}
}
