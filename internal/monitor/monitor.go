// Package monitor samples process memory on a timer, classifies threshold
// crossings, and drives reclamation: stale-session reaping on a cron
// schedule and emergency release of all sessions when memory is exhausted.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/interfaces"
)

// Reclaimer is the session-manager surface the monitor drives.
type Reclaimer interface {
	ReapStale() int
	ReleaseAll(reason string) int
}

// Pauser is the job-manager surface used on memory exhaustion.
type Pauser interface {
	EmergencyPauseAll(reason string) int
}

// Config bounds memory and schedules the stale sweep.
type Config struct {
	SampleInterval     time.Duration // Memory sampling period
	WarningThresholdMB uint64        // Soft ceiling: warn and hint reclamation
	MaxThresholdMB     uint64        // Hard ceiling: force reclaim everything
	WarningCooldown    time.Duration // Debounce window per threshold bucket
	ReapSchedule       string        // Cron spec for the stale-session sweep
}

// DefaultConfig returns the production monitoring profile.
func DefaultConfig() Config {
	return Config{
		SampleInterval:     30 * time.Second,
		WarningThresholdMB: 1024,
		MaxThresholdMB:     2048,
		WarningCooldown:    5 * time.Minute,
		ReapSchedule:       "*/2 * * * *",
	}
}

// thresholdBucket identifies which ceiling a sample crossed.
type thresholdBucket string

const (
	bucketWarning    thresholdBucket = "warning"
	bucketExhaustion thresholdBucket = "exhaustion"
)

// Monitor is the background resource watchdog. It owns no job or session
// state; it only observes memory and tells the owners to reclaim.
type Monitor struct {
	config       Config
	reclaimer    Reclaimer
	pauser       Pauser
	eventService interfaces.EventService
	logger       arbor.ILogger

	// memSample is injectable for tests; production reads MemStats.
	memSample func() uint64

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	lastFired map[thresholdBucket]time.Time
	running   bool
}

// New creates a monitor. Reclaimer and pauser may be nil in tests.
func New(config Config, reclaimer Reclaimer, pauser Pauser, eventService interfaces.EventService, logger arbor.ILogger) *Monitor {
	if config.SampleInterval <= 0 {
		config.SampleInterval = DefaultConfig().SampleInterval
	}
	if config.WarningCooldown <= 0 {
		config.WarningCooldown = DefaultConfig().WarningCooldown
	}
	if config.ReapSchedule == "" {
		config.ReapSchedule = DefaultConfig().ReapSchedule
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		config:       config,
		reclaimer:    reclaimer,
		pauser:       pauser,
		eventService: eventService,
		logger:       logger,
		memSample:    residentMemoryMB,
		cron:         cron.New(),
		ctx:          ctx,
		cancel:       cancel,
		lastFired:    make(map[thresholdBucket]time.Time),
	}
}

// residentMemoryMB reports the heap in use plus runtime overhead, in MB.
func residentMemoryMB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys / (1024 * 1024)
}

// Start launches the sampling loop and the cron-scheduled stale sweep.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	if m.reclaimer != nil {
		if _, err := m.cron.AddFunc(m.config.ReapSchedule, func() {
			if reaped := m.reclaimer.ReapStale(); reaped > 0 {
				m.logger.Warn().Int("reaped", reaped).Msg("Stale session sweep reclaimed handles")
			}
		}); err != nil {
			return err
		}
		m.cron.Start()
	}

	go m.sampleLoop()

	m.logger.Info().
		Dur("sample_interval", m.config.SampleInterval).
		Int64("warning_mb", int64(m.config.WarningThresholdMB)).
		Int64("max_mb", int64(m.config.MaxThresholdMB)).
		Str("reap_schedule", m.config.ReapSchedule).
		Msg("Resource monitor started")
	return nil
}

// Stop halts sampling and the sweep schedule.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info().Msg("Resource monitor stopped")
}

func (m *Monitor) sampleLoop() {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one memory reading and reacts to threshold crossings.
// Exported so tests and the status API can trigger a reading on demand.
func (m *Monitor) Sample() uint64 {
	usedMB := m.memSample()

	switch {
	case m.config.MaxThresholdMB > 0 && usedMB >= m.config.MaxThresholdMB:
		if m.arm(bucketExhaustion) {
			m.logger.Error().
				Int64("used_mb", int64(usedMB)).
				Int64("max_mb", int64(m.config.MaxThresholdMB)).
				Msg("Memory exhaustion threshold crossed")
			m.publish(interfaces.EventMemoryExhaustion, usedMB)
			m.ForceReclaim()
		}
	case m.config.WarningThresholdMB > 0 && usedMB >= m.config.WarningThresholdMB:
		if m.arm(bucketWarning) {
			m.logger.Warn().
				Int64("used_mb", int64(usedMB)).
				Int64("warning_mb", int64(m.config.WarningThresholdMB)).
				Msg("Memory warning threshold crossed")
			m.publish(interfaces.EventMemoryWarning, usedMB)
			// Reclamation hint only; the hard ceiling does the forcing.
			runtime.GC()
		}
	}
	return usedMB
}

// Snapshot reports current memory usage against the configured ceilings,
// without arming any threshold bucket.
func (m *Monitor) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"used_mb":    m.memSample(),
		"warning_mb": m.config.WarningThresholdMB,
		"max_mb":     m.config.MaxThresholdMB,
	}
}

// ForceReclaim releases every tracked session and emergency-pauses all
// active processing.
func (m *Monitor) ForceReclaim() {
	released := 0
	if m.reclaimer != nil {
		released = m.reclaimer.ReleaseAll("memory_exhaustion")
	}
	paused := 0
	if m.pauser != nil {
		paused = m.pauser.EmergencyPauseAll("memory_exhaustion")
	}
	m.logger.Warn().
		Int("sessions_released", released).
		Int("jobs_paused", paused).
		Msg("Forced resource reclamation")
}

// arm reports whether a bucket may fire, and re-arms it. A bucket fires at
// most once per cooldown window to avoid event storms.
func (m *Monitor) arm(bucket thresholdBucket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if last, ok := m.lastFired[bucket]; ok && now.Sub(last) < m.config.WarningCooldown {
		return false
	}
	m.lastFired[bucket] = now
	return true
}

func (m *Monitor) publish(eventType interfaces.EventType, usedMB uint64) {
	if m.eventService == nil {
		return
	}
	m.eventService.Publish(context.Background(), interfaces.Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"used_mb":   usedMB,
			"timestamp": time.Now(),
		},
	})
}
