package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/breaker"
	"github.com/ternarybob/conveyor/internal/classify"
	"github.com/ternarybob/conveyor/internal/interfaces"
)

// stubProvider is an in-memory session provider for manager tests.
type stubProvider struct {
	createErr error
	created   atomic.Int32
	closed    atomic.Int32
	healthy   bool
}

func (s *stubProvider) CreateSession(ctx context.Context) (*interfaces.SessionHandle, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created.Add(1)
	return &interfaces.SessionHandle{
		ID:         "sess_" + uuid.New().String(),
		AcquiredAt: time.Now(),
	}, nil
}

func (s *stubProvider) CloseSession(handle *interfaces.SessionHandle) error {
	s.closed.Add(1)
	return nil
}

func (s *stubProvider) HealthCheck(ctx context.Context, handle *interfaces.SessionHandle) bool {
	return s.healthy
}

var _ interfaces.SessionProvider = (*stubProvider)(nil)

func newTestManager(provider *stubProvider, brkConfig breaker.Config) (*Manager, *breaker.Breaker) {
	logger := arbor.NewLogger()
	brk := breaker.New(BreakerService, brkConfig, logger)
	mgr := NewManager(provider, brk, nil, Config{
		AcquireTimeout: 5 * time.Second,
		MaxSessionAge:  time.Hour,
		MaxIdleTime:    time.Hour,
	}, logger)
	return mgr, brk
}

func TestAcquireAndRelease(t *testing.T) {
	provider := &stubProvider{healthy: true}
	mgr, _ := newTestManager(provider, breaker.DefaultConfig())

	handle, err := mgr.Acquire(context.Background(), "job_1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got := mgr.GetStats().ActiveSessions; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	mgr.Release(handle, "completed")
	if got := mgr.GetStats().ActiveSessions; got != 0 {
		t.Errorf("active sessions after release = %d, want 0", got)
	}
	if provider.closed.Load() != 1 {
		t.Errorf("provider close count = %d, want 1", provider.closed.Load())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	provider := &stubProvider{}
	mgr, _ := newTestManager(provider, breaker.DefaultConfig())

	handle, err := mgr.Acquire(context.Background(), "job_1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	mgr.Release(handle, "completed")
	mgr.Release(handle, "completed") // double release
	mgr.Release(nil, "completed")    // nil release

	// A handle the manager never tracked is also a no-op.
	mgr.Release(&interfaces.SessionHandle{ID: "sess_unknown", AcquiredAt: time.Now()}, "orphan")

	if provider.closed.Load() != 1 {
		t.Errorf("provider close count = %d, want exactly 1", provider.closed.Load())
	}
	stats := mgr.GetStats()
	if stats.Releases != 1 {
		t.Errorf("release count = %d, want 1", stats.Releases)
	}
	if stats.ActiveSessions != 0 {
		t.Errorf("active sessions = %d, want 0", stats.ActiveSessions)
	}
}

func TestAcquireDeniedWhenBreakerOpen(t *testing.T) {
	provider := &stubProvider{createErr: errors.New("chrome failed to start")}
	mgr, brk := newTestManager(provider, breaker.Config{
		FailureThreshold: 2,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     time.Minute,
	})

	// Two failed creations trip the breaker.
	for i := 0; i < 2; i++ {
		if _, err := mgr.Acquire(context.Background(), "job_1"); err == nil {
			t.Fatal("expected acquisition failure")
		}
	}
	if brk.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want OPEN", brk.State())
	}

	// Subsequent acquire is denied without touching the provider.
	provider.createErr = nil
	_, err := mgr.Acquire(context.Background(), "job_2")
	if !errors.Is(err, classify.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if provider.created.Load() != 0 {
		t.Error("provider must not be invoked while breaker is open")
	}
}

func TestReapStale(t *testing.T) {
	provider := &stubProvider{}
	logger := arbor.NewLogger()
	brk := breaker.New(BreakerService, breaker.DefaultConfig(), logger)
	mgr := NewManager(provider, brk, nil, Config{
		AcquireTimeout: 5 * time.Second,
		MaxSessionAge:  10 * time.Minute,
		MaxIdleTime:    time.Minute,
	}, logger)

	handle, err := mgr.Acquire(context.Background(), "job_1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// Fresh handle survives the sweep.
	if reaped := mgr.ReapStale(); reaped != 0 {
		t.Errorf("fresh handle reaped: %d", reaped)
	}

	// Back-date activity past the idle ceiling.
	handle.TouchAt(time.Now().Add(-2 * time.Minute))
	if reaped := mgr.ReapStale(); reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if got := mgr.GetStats().ActiveSessions; got != 0 {
		t.Errorf("active sessions after reap = %d, want 0", got)
	}

	// Reaping reports a synthetic failure to the breaker.
	if got := brk.GetStats().TotalFailures; got != 1 {
		t.Errorf("breaker failures = %d, want 1", got)
	}
}

func TestReleaseAll(t *testing.T) {
	provider := &stubProvider{}
	mgr, _ := newTestManager(provider, breaker.DefaultConfig())

	for i := 0; i < 3; i++ {
		if _, err := mgr.Acquire(context.Background(), "job_n"); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	if released := mgr.ReleaseAll("memory_exhaustion"); released != 3 {
		t.Errorf("released = %d, want 3", released)
	}
	if got := mgr.GetStats().ActiveSessions; got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

// The worker touches the handle after every batch while the cron sweep
// reads its activity timestamp; both must be safe to run concurrently.
func TestTouchConcurrentWithReapStale(t *testing.T) {
	provider := &stubProvider{}
	mgr, _ := newTestManager(provider, breaker.DefaultConfig())

	handle, err := mgr.Acquire(context.Background(), "job_1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			handle.Touch()
		}
	}()

	for i := 0; i < 50; i++ {
		if reaped := mgr.ReapStale(); reaped != 0 {
			t.Errorf("active handle reaped during sweep %d", i)
		}
	}
	<-done

	if got := mgr.GetStats().ActiveSessions; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}
