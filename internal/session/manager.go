// -----------------------------------------------------------------------
// Session Manager - Acquisition and teardown of remote session handles
// -----------------------------------------------------------------------

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/breaker"
	"github.com/ternarybob/conveyor/internal/classify"
	"github.com/ternarybob/conveyor/internal/interfaces"
)

// BreakerService is the name the session manager registers with the
// circuit breaker registry.
const BreakerService = "session-acquisition"

// Config bounds acquisition and staleness of managed handles.
type Config struct {
	AcquireTimeout time.Duration // Hard bound on provider session creation
	MaxSessionAge  time.Duration // Handle age ceiling before forced reap
	MaxIdleTime    time.Duration // Handle inactivity ceiling before forced reap
}

// DefaultConfig returns the staleness profile used when config is absent.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout: 60 * time.Second,
		MaxSessionAge:  30 * time.Minute,
		MaxIdleTime:    5 * time.Minute,
	}
}

// Stats is the manager's acquisition snapshot.
type Stats struct {
	Acquisitions   int64 `json:"acquisitions"`
	Failures       int64 `json:"failures"`
	Releases       int64 `json:"releases"`
	Reaped         int64 `json:"reaped"`
	ActiveSessions int   `json:"active_sessions"`
}

// Manager owns the expensive session handles. Acquisition is gated by the
// circuit breaker; every live handle is tracked for staleness reaping.
// A handle belongs to exactly one job for its whole lifetime.
type Manager struct {
	provider     interfaces.SessionProvider
	breaker      *breaker.Breaker
	eventService interfaces.EventService
	config       Config
	logger       arbor.ILogger

	mu           sync.Mutex
	tracked      map[string]*interfaces.SessionHandle
	acquisitions int64
	failures     int64
	releases     int64
	reaped       int64
}

// NewManager creates a session manager wired to the given provider and
// breaker.
func NewManager(provider interfaces.SessionProvider, brk *breaker.Breaker, eventService interfaces.EventService, config Config, logger arbor.ILogger) *Manager {
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if config.MaxSessionAge <= 0 {
		config.MaxSessionAge = DefaultConfig().MaxSessionAge
	}
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = DefaultConfig().MaxIdleTime
	}
	return &Manager{
		provider:     provider,
		breaker:      brk,
		eventService: eventService,
		config:       config,
		logger:       logger,
		tracked:      make(map[string]*interfaces.SessionHandle),
	}
}

// Acquire obtains a new session handle for a job. The breaker is consulted
// first: a denied attempt returns classify.ErrCircuitOpen without touching
// the provider. Provider outcomes are reported back to the breaker.
func (m *Manager) Acquire(ctx context.Context, jobID string) (*interfaces.SessionHandle, error) {
	if !m.breaker.CanExecute() {
		m.logger.Warn().
			Str("job_id", jobID).
			Msg("Session acquisition blocked by circuit breaker")
		return nil, fmt.Errorf("acquire session for %s: %w", jobID, classify.ErrCircuitOpen)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, m.config.AcquireTimeout)
	defer cancel()

	start := time.Now()
	handle, err := m.provider.CreateSession(acquireCtx)
	if err != nil {
		m.breaker.RecordFailure()
		m.mu.Lock()
		m.failures++
		m.mu.Unlock()

		m.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Dur("elapsed", time.Since(start)).
			Msg("Session creation failed")
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.breaker.RecordSuccess()

	m.mu.Lock()
	m.acquisitions++
	m.tracked[handle.ID] = handle
	active := len(m.tracked)
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", handle.ID).
		Str("job_id", jobID).
		Dur("startup_time", time.Since(start)).
		Int("active_sessions", active).
		Msg("Session acquired")

	m.publish(interfaces.EventSessionAcquired, map[string]interface{}{
		"session_id": handle.ID,
		"job_id":     jobID,
		"timestamp":  time.Now(),
	})
	return handle, nil
}

// Release tears down a handle. It is idempotent: a nil handle, an
// already-released handle, or a handle this manager never tracked is a
// no-op, because completion, crash recovery and shutdown paths may race.
func (m *Manager) Release(handle *interfaces.SessionHandle, reason string) {
	if handle == nil {
		return
	}

	m.mu.Lock()
	_, live := m.tracked[handle.ID]
	if live {
		delete(m.tracked, handle.ID)
		m.releases++
	}
	m.mu.Unlock()

	if !live {
		m.logger.Debug().
			Str("session_id", handle.ID).
			Str("reason", reason).
			Msg("Release of untracked session ignored")
		return
	}

	if err := m.provider.CloseSession(handle); err != nil {
		m.logger.Warn().
			Err(err).
			Str("session_id", handle.ID).
			Msg("Session teardown reported error")
	}

	m.logger.Info().
		Str("session_id", handle.ID).
		Str("reason", reason).
		Msg("Session released")

	m.publish(interfaces.EventSessionReleased, map[string]interface{}{
		"session_id": handle.ID,
		"reason":     reason,
		"timestamp":  time.Now(),
	})
}

// HealthCheck verifies a handle is still responsive.
func (m *Manager) HealthCheck(ctx context.Context, handle *interfaces.SessionHandle) bool {
	if handle == nil {
		return false
	}
	return m.provider.HealthCheck(ctx, handle)
}

// ReapStale force-releases handles whose age or inactivity exceeds the
// configured ceilings. Each reaped handle counts as a synthetic failure on
// the breaker: a zombie session is evidence of service degradation.
// Returns the number of handles reaped.
func (m *Manager) ReapStale() int {
	now := time.Now()

	m.mu.Lock()
	var stale []*interfaces.SessionHandle
	for _, h := range m.tracked {
		age := now.Sub(h.AcquiredAt)
		idle := now.Sub(h.LastActivity())
		if age > m.config.MaxSessionAge || idle > m.config.MaxIdleTime {
			stale = append(stale, h)
		}
	}
	m.mu.Unlock()

	for _, h := range stale {
		m.logger.Warn().
			Str("session_id", h.ID).
			Dur("age", now.Sub(h.AcquiredAt)).
			Dur("idle", now.Sub(h.LastActivity())).
			Msg("Reaping stale session")

		m.Release(h, "stale")
		m.breaker.RecordFailure()

		m.mu.Lock()
		m.reaped++
		m.mu.Unlock()

		m.publish(interfaces.EventSessionReaped, map[string]interface{}{
			"session_id": h.ID,
			"timestamp":  time.Now(),
		})
	}
	return len(stale)
}

// ReleaseAll tears down every tracked handle. Used by the resource monitor
// when memory exhaustion demands immediate reclamation. Returns the number
// of handles released.
func (m *Manager) ReleaseAll(reason string) int {
	m.mu.Lock()
	handles := make([]*interfaces.SessionHandle, 0, len(m.tracked))
	for _, h := range m.tracked {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Release(h, reason)
	}
	return len(handles)
}

// GetStats returns the acquisition snapshot.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Acquisitions:   m.acquisitions,
		Failures:       m.failures,
		Releases:       m.releases,
		Reaped:         m.reaped,
		ActiveSessions: len(m.tracked),
	}
}

func (m *Manager) publish(eventType interfaces.EventType, payload map[string]interface{}) {
	if m.eventService == nil {
		return
	}
	m.eventService.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	})
}
