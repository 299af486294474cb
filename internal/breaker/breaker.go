// Package breaker implements a per-service circuit breaker gating session
// acquisition. Failures within a monitoring window trip the breaker OPEN;
// after a reset timeout a single HALF_OPEN probe is allowed through.
package breaker

import (
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config controls trip and recovery behavior.
type Config struct {
	FailureThreshold int           // Failures within MonitoringPeriod that trip the breaker
	MonitoringPeriod time.Duration // Sliding window for counting failures
	ResetTimeout     time.Duration // OPEN duration before a HALF_OPEN probe is allowed
}

// DefaultConfig matches the engine's session-acquisition profile.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		MonitoringPeriod: 2 * time.Minute,
		ResetTimeout:     30 * time.Second,
	}
}

// StateChangeHandler is notified after every state transition. Handlers run
// on the caller's goroutine; keep them short.
type StateChangeHandler func(service string, from, to State)

// Stats is an observability snapshot. TotalAttempts and TotalFailures are
// monotonic and survive state transitions; only Reset clears them.
type Stats struct {
	Service       string     `json:"service"`
	State         State      `json:"state"`
	WindowSize    int        `json:"window_size"`
	TotalAttempts int64      `json:"total_attempts"`
	TotalFailures int64      `json:"total_failures"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Breaker protects one named service. All methods are safe for concurrent
// use; no lock is held across handler invocation.
type Breaker struct {
	service string
	config  Config
	logger  arbor.ILogger
	clock   func() time.Time

	mu            sync.Mutex
	state         State
	failureWindow []time.Time
	nextAttemptAt time.Time
	probeInFlight bool
	halfOpenTimer *time.Timer
	totalAttempts int64
	totalFailures int64
	handlers      []StateChangeHandler
}

// New creates a CLOSED breaker for the named service.
func New(service string, config Config, logger arbor.ILogger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.MonitoringPeriod <= 0 {
		config.MonitoringPeriod = DefaultConfig().MonitoringPeriod
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{
		service: service,
		config:  config,
		logger:  logger,
		clock:   time.Now,
		state:   StateClosed,
	}
}

// OnStateChange registers a transition handler.
func (b *Breaker) OnStateChange(handler StateChangeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// CanExecute reports whether an attempt against the protected service is
// allowed right now. While OPEN it returns false until the reset timeout
// elapses, then flips to HALF_OPEN and admits exactly one probe.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()

	b.pruneLocked()
	b.totalAttempts++

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true

	case StateOpen:
		if b.clock().Before(b.nextAttemptAt) {
			b.mu.Unlock()
			return false
		}
		from := b.state
		b.state = StateHalfOpen
		b.probeInFlight = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return true

	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return false
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return true
	}

	b.mu.Unlock()
	return false
}

// RecordSuccess reports a successful attempt. A HALF_OPEN success clears
// the failure window and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.probeInFlight = false

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.failureWindow = nil
		b.mu.Unlock()
		b.logger.Info().
			Str("service", b.service).
			Msg("Circuit breaker recovered, closing")
		b.notify(from, StateClosed)
		return
	}
	b.mu.Unlock()
}

// RecordFailure reports a failed attempt. Crossing the failure threshold
// within the monitoring window trips the breaker OPEN; a HALF_OPEN failure
// reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.clock()
	from := b.state

	b.totalFailures++
	b.failureWindow = append(b.failureWindow, now)
	b.pruneLocked()
	b.probeInFlight = false

	tripped := false
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.nextAttemptAt = now.Add(b.config.ResetTimeout)
		tripped = true
	case StateClosed:
		if len(b.failureWindow) >= b.config.FailureThreshold {
			b.state = StateOpen
			b.nextAttemptAt = now.Add(b.config.ResetTimeout)
			tripped = true
		}
	}
	if tripped {
		b.scheduleProbeLocked()
	}
	windowSize := len(b.failureWindow)
	nextAttempt := b.nextAttemptAt
	b.mu.Unlock()

	if tripped {
		b.logger.Warn().
			Str("service", b.service).
			Int("failures_in_window", windowSize).
			Str("next_attempt_at", nextAttempt.Format(time.RFC3339)).
			Msg("Circuit breaker opened")
		b.notify(from, StateOpen)
	}
}

// State returns the current state after pruning the failure window.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return b.state
}

// GetStats returns an observability snapshot.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()

	s := Stats{
		Service:       b.service,
		State:         b.state,
		WindowSize:    len(b.failureWindow),
		TotalAttempts: b.totalAttempts,
		TotalFailures: b.totalFailures,
	}
	if b.state == StateOpen {
		next := b.nextAttemptAt
		s.NextAttemptAt = &next
	}
	return s
}

// Reset is the manual override: clears the window, counters and state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failureWindow = nil
	b.probeInFlight = false
	b.totalAttempts = 0
	b.totalFailures = 0
	if b.halfOpenTimer != nil {
		b.halfOpenTimer.Stop()
		b.halfOpenTimer = nil
	}
	b.mu.Unlock()

	b.logger.Info().Str("service", b.service).Msg("Circuit breaker manually reset")
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// scheduleProbeLocked arms a timer so the breaker reaches HALF_OPEN after
// the reset timeout even when no traffic arrives to drive CanExecute.
// Caller must hold b.mu.
func (b *Breaker) scheduleProbeLocked() {
	if b.halfOpenTimer != nil {
		b.halfOpenTimer.Stop()
	}
	b.halfOpenTimer = time.AfterFunc(b.config.ResetTimeout, b.tryHalfOpen)
}

// tryHalfOpen is the timer callback: if the breaker is still OPEN and the
// reset timeout has elapsed, transition to HALF_OPEN so the next attempt
// becomes the probe.
func (b *Breaker) tryHalfOpen() {
	b.mu.Lock()
	if b.state != StateOpen || b.clock().Before(b.nextAttemptAt) {
		b.mu.Unlock()
		return
	}
	b.state = StateHalfOpen
	b.probeInFlight = false
	b.mu.Unlock()

	b.logger.Info().
		Str("service", b.service).
		Msg("Circuit breaker reset timeout elapsed, allowing probe")
	b.notify(StateOpen, StateHalfOpen)
}

// pruneLocked drops window entries older than the monitoring period.
// Caller must hold b.mu.
func (b *Breaker) pruneLocked() {
	cutoff := b.clock().Add(-b.config.MonitoringPeriod)
	i := 0
	for i < len(b.failureWindow) && b.failureWindow[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failureWindow = b.failureWindow[i:]
	}
}

func (b *Breaker) notify(from, to State) {
	b.mu.Lock()
	handlers := make([]StateChangeHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(b.service, from, to)
	}
}

// Registry holds one breaker per protected service.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	logger   arbor.ILogger
}

// NewRegistry creates a registry that hands out breakers with the given
// default config.
func NewRegistry(config Config, logger arbor.ILogger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// Get returns the breaker for a service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, r.config, r.logger)
	r.breakers[service] = b
	return b
}

// Stats returns snapshots for all registered breakers.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.GetStats())
	}
	return out
}
