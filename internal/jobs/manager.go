// -----------------------------------------------------------------------
// Job Manager - In-memory job table and single-worker scheduling
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/session"
	"golang.org/x/time/rate"
)

// Config tunes scheduling, recovery pacing and retention.
type Config struct {
	InterBatchDelay   time.Duration // Flow-control pause between successful batches
	MaxBackoff        time.Duration // Cap for progressive recovery backoff
	RetentionWindow   time.Duration // How long terminal jobs stay in the table
	GCInterval        time.Duration // Sweep period for expired terminal jobs
	EstimatePerRecord time.Duration // Per-record estimate for submission responses
}

// DefaultConfig returns the production scheduling profile.
func DefaultConfig() Config {
	return Config{
		InterBatchDelay:   2 * time.Second,
		MaxBackoff:        2 * time.Minute,
		RetentionWindow:   time.Hour,
		GCInterval:        5 * time.Minute,
		EstimatePerRecord: 3 * time.Second,
	}
}

// Sentinel errors surfaced by the submission and control API.
var (
	ErrJobNotFound  = fmt.Errorf("job not found")
	ErrNoRecords    = fmt.Errorf("job must contain at least one record")
	ErrJobTerminal  = fmt.Errorf("job is in a terminal state")
	ErrJobNotPaused = fmt.Errorf("job is not paused")
	ErrQueueStopped = fmt.Errorf("job manager is stopped")
)

// Manager owns the in-memory job table and the FIFO processing queue.
// Exactly one worker drains the queue: the protected browser session is
// exclusive-use, so there is nothing to gain from parallel jobs.
//
// Locking: mgr.mu protects the table, queue and worker flag as one unit.
// It is never held across session acquisition, batch execution or event
// delivery.
type Manager struct {
	config       Config
	sessions     *session.Manager
	processor    interfaces.RecordProcessor
	eventService interfaces.EventService
	logger       arbor.ILogger
	validate     *validator.Validate
	limiter      *rate.Limiter // Paces batches against the downstream resource

	mu           sync.Mutex
	jobs         map[string]*models.Job
	queue        []string
	workerActive bool
	activeJob    *models.Job // job the worker currently holds, settled on panic recovery
	stopped      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a job manager. The worker starts lazily on first
// submission.
func NewManager(sessions *session.Manager, processor interfaces.RecordProcessor, eventService interfaces.EventService, config Config, logger arbor.ILogger) *Manager {
	if config.InterBatchDelay <= 0 {
		config.InterBatchDelay = DefaultConfig().InterBatchDelay
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = DefaultConfig().RetentionWindow
	}
	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}
	if config.EstimatePerRecord <= 0 {
		config.EstimatePerRecord = DefaultConfig().EstimatePerRecord
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:       config,
		sessions:     sessions,
		processor:    processor,
		eventService: eventService,
		logger:       logger,
		validate:     validator.New(),
		limiter:      rate.NewLimiter(rate.Every(config.InterBatchDelay), 1),
		jobs:         make(map[string]*models.Job),
		ctx:          ctx,
		cancel:       cancel,
	}

	common.SafeGo(logger, "jobGC", m.gcLoop)
	return m
}

// Submit validates and enqueues a job. It never blocks on processing.
// Returns the job ID and a rough duration estimate.
func (m *Manager) Submit(records []models.Record, options models.JobOptions) (string, time.Duration, error) {
	if len(records) == 0 {
		return "", 0, ErrNoRecords
	}
	if options.BatchSize <= 0 {
		options = models.DefaultJobOptions()
	}
	if err := m.validate.Struct(options); err != nil {
		return "", 0, fmt.Errorf("invalid job options: %w", err)
	}
	if options.BatchTimeout <= 0 {
		options.BatchTimeout = models.DefaultJobOptions().BatchTimeout
	}

	job := models.NewJob(records, options)
	estimate := time.Duration(len(records))*m.config.EstimatePerRecord +
		time.Duration(job.BatchCount())*m.config.InterBatchDelay

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", 0, ErrQueueStopped
	}
	m.jobs[job.ID] = job
	m.queue = append(m.queue, job.ID)
	m.startWorkerLocked()
	m.mu.Unlock()

	m.logger.Info().
		Str("job_id", job.ID).
		Int("records", len(records)).
		Int("batch_size", options.BatchSize).
		Int("batches", job.BatchCount()).
		Msg("Job submitted")

	m.publishJobEvent(interfaces.EventJobSubmitted, job.View(), nil)
	return job.ID, estimate, nil
}

// Status returns a snapshot of one job.
func (m *Manager) Status(jobID string) (models.JobView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return models.JobView{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.View(), nil
}

// Results returns the per-record outcomes gathered so far, in submission
// order. Partial results of a failed or cancelled job are retained.
func (m *Manager) Results(jobID string) ([]models.RecordOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	out := make([]models.RecordOutcome, len(job.Results))
	copy(out, job.Results)
	return out, nil
}

// List returns snapshots of all jobs, newest first.
func (m *Manager) List() []models.JobView {
	m.mu.Lock()
	defer m.mu.Unlock()

	views := make([]models.JobView, 0, len(m.jobs))
	for _, job := range m.jobs {
		views = append(views, job.View())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// Cancel stops a job. A queued or parked job is cancelled immediately; a
// processing job gets a cooperative flag checked between batches, so the
// in-flight batch still completes.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobTerminal, jobID)
	}

	switch job.Status {
	case models.JobStatusProcessing:
		job.CancelRequested = true
		m.mu.Unlock()
		m.logger.Info().Str("job_id", jobID).Msg("Cancellation requested, stopping at next batch boundary")
		return nil
	default:
		// pending, paused, recovery_required, emergency_paused: settle now.
		m.removeFromQueueLocked(jobID)
		job.MarkTerminal(models.JobStatusCancelled)
		view := job.View()
		m.mu.Unlock()

		m.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
		m.publishJobEvent(interfaces.EventJobCancelled, view, nil)
		return nil
	}
}

// Resume moves a parked job back to pending and re-queues it.
func (m *Manager) Resume(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	switch job.Status {
	case models.JobStatusPaused, models.JobStatusRecoveryRequired, models.JobStatusEmergencyPaused:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s (status %s)", ErrJobNotPaused, jobID, job.Status)
	}

	job.Status = models.JobStatusPending
	job.PauseReason = ""
	m.queue = append(m.queue, job.ID)
	m.startWorkerLocked()
	view := job.View()
	m.mu.Unlock()

	m.logger.Info().Str("job_id", jobID).Msg("Job resumed")
	m.publishJobEvent(interfaces.EventJobResumed, view, nil)
	return nil
}

// ResumeParked re-queues every job that was parked because the circuit
// breaker was open. Wired to the breaker's state-change notifications so
// parked jobs come back automatically once the service recovers.
func (m *Manager) ResumeParked(reason string) int {
	m.mu.Lock()
	var ids []string
	for id, job := range m.jobs {
		if job.Status == models.JobStatusPaused && job.PauseReason == reason {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Resume(id); err != nil {
			m.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to resume parked job")
		}
	}
	return len(ids)
}

// EmergencyPauseAll parks every non-terminal job. Called by the resource
// monitor on memory exhaustion. Returns the number of jobs paused.
func (m *Manager) EmergencyPauseAll(reason string) int {
	m.mu.Lock()
	var views []models.JobView
	for _, job := range m.jobs {
		if job.Status.IsTerminal() || job.Status == models.JobStatusEmergencyPaused {
			continue
		}
		if job.Status == models.JobStatusPending {
			m.removeFromQueueLocked(job.ID)
		}
		job.Status = models.JobStatusEmergencyPaused
		job.PauseReason = reason
		views = append(views, job.View())
	}
	m.mu.Unlock()

	for _, view := range views {
		m.logger.Warn().Str("job_id", view.ID).Str("reason", reason).Msg("Job emergency paused")
		m.publishJobEvent(interfaces.EventJobPaused, view, nil)
	}
	return len(views)
}

// Stop halts the worker and background sweeps. Submitted jobs are left in
// the table; the process is shutting down and the table is not persistent.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
}

// startWorkerLocked launches the single worker if it is not running.
// Caller must hold m.mu.
func (m *Manager) startWorkerLocked() {
	if m.workerActive || m.stopped {
		return
	}
	m.workerActive = true
	common.SafeGo(m.logger, "jobWorker", m.runWorkerLoop)
}

// removeFromQueueLocked drops a job ID from the FIFO queue. Caller must
// hold m.mu.
func (m *Manager) removeFromQueueLocked(jobID string) {
	for i, id := range m.queue {
		if id == jobID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// dequeue pops the next runnable job, or nil with the worker flag cleared.
func (m *Manager) dequeue() *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		job, ok := m.jobs[id]
		if !ok || job.Status != models.JobStatusPending {
			// Cancelled or parked while queued; skip.
			continue
		}
		return job
	}
	m.workerActive = false
	return nil
}

// gcLoop removes terminal jobs older than the retention window.
func (m *Manager) gcLoop() {
	ticker := time.NewTicker(m.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.gcSweep(time.Now())
		}
	}
}

// gcSweep is one retention pass; split out for tests.
func (m *Manager) gcSweep(now time.Time) int {
	cutoff := now.Add(-m.config.RetentionWindow)

	m.mu.Lock()
	var expired []string
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Debug().Int("removed", len(expired)).Msg("Expired terminal jobs removed from table")
	}
	return len(expired)
}

// publishJobEvent emits a status event. Delivery is fire-and-forget: sink
// failures never affect job correctness.
func (m *Manager) publishJobEvent(eventType interfaces.EventType, view models.JobView, extra map[string]interface{}) {
	if m.eventService == nil {
		return
	}
	payload := map[string]interface{}{
		"job_id":    view.ID,
		"status":    string(view.Status),
		"progress":  view.Progress,
		"stats":     view.Stats,
		"timestamp": time.Now(),
	}
	if len(view.Errors) > 0 {
		payload["errors"] = view.Errors
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.eventService.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	})
}
