// -----------------------------------------------------------------------
// Job Worker - Single-worker loop driving batches through the processor
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/conveyor/internal/classify"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// runWorkerLoop drains the queue one job at a time. It exits when the
// queue is empty (the flag is cleared inside dequeue) or the manager is
// stopped.
func (m *Manager) runWorkerLoop() {
	defer m.recoverWorker()

	for {
		select {
		case <-m.ctx.Done():
			m.mu.Lock()
			m.workerActive = false
			m.mu.Unlock()
			return
		default:
		}

		job := m.dequeue()
		if job == nil {
			return
		}

		m.mu.Lock()
		m.activeJob = job
		m.mu.Unlock()

		m.processJob(job)

		m.mu.Lock()
		m.activeJob = nil
		m.mu.Unlock()
	}
}

// recoverWorker settles the in-flight job after a processor panic and
// restarts the worker if more jobs are queued. Without it a panicking
// batch would leave the worker flag set and wedge every queued job.
func (m *Manager) recoverWorker() {
	r := recover()
	if r == nil {
		return
	}

	stack := common.GetStackTrace()
	m.logger.Error().
		Str("panic", fmt.Sprintf("%v", r)).
		Str("stack", stack).
		Msg("Job worker panicked, recovering")
	common.WriteCrashFile(fmt.Sprintf("job worker: %v", r), stack)

	m.mu.Lock()
	job := m.activeJob
	m.activeJob = nil
	m.workerActive = false
	m.mu.Unlock()

	// The single worker holds at most one session; reclaim whatever the
	// panic orphaned.
	m.sessions.ReleaseAll("worker_panic")

	if job != nil {
		m.mu.Lock()
		terminal := job.Status.IsTerminal()
		if !terminal {
			job.AppendError(models.JobError{
				BatchIndex: -1,
				Kind:       "worker_panic",
				Message:    fmt.Sprintf("panic: %v", r),
			})
		}
		m.mu.Unlock()
		if !terminal {
			m.finalize(job, nil, models.JobStatusFailed)
		}
	}

	m.mu.Lock()
	if len(m.queue) > 0 {
		m.startWorkerLocked()
	}
	m.mu.Unlock()
}

// processJob runs one job to a settled state: completed, failed,
// cancelled, or parked (paused awaiting breaker recovery or operator
// resume). The session is released exactly once on every exit path.
func (m *Manager) processJob(job *models.Job) {
	m.mu.Lock()
	job.MarkStarted()
	view := job.View()
	startBatch := len(job.Results) / job.Options.BatchSize
	batchCount := job.BatchCount()
	m.mu.Unlock()

	m.logger.Info().
		Str("job_id", job.ID).
		Int("start_batch", startBatch).
		Int("batches", batchCount).
		Msg("Job processing started")
	m.publishJobEvent(interfaces.EventJobStarted, view, nil)

	handle, parked := m.acquireForJob(job, -1)
	if handle == nil {
		if !parked {
			m.finalize(job, nil, models.JobStatusFailed)
		}
		return
	}

	m.mu.Lock()
	job.Stats.SessionAcquisitions++
	m.mu.Unlock()

	// backoffScale doubles on each recovery within this job, capping the
	// progressive strategy's delay growth.
	backoffScale := 1

	for i := startBatch; i < batchCount; i++ {
		if stop := m.checkBoundary(job, handle); stop {
			return
		}

		batch := job.Batch(i)
		outcomes, err := m.runBatch(job, handle, batch, i)
		if err == nil {
			m.mergeOutcomes(job, i, outcomes)
			if i < batchCount-1 {
				// Flow control between batches, not correctness.
				if werr := m.limiter.Wait(m.ctx); werr != nil {
					m.finalize(job, handle, models.JobStatusCancelled)
					return
				}
			}
			continue
		}

		// Batch-level failure: the processor gave up on the session.
		classified := classify.Classify(err, classify.ContextBatch)
		m.recordClassified(job, i, classified)

		if !classified.Recoverable {
			m.logger.Error().
				Str("job_id", job.ID).
				Int("batch", i).
				Str("kind", string(classified.Kind)).
				Msg("Non-recoverable batch failure, aborting job")
			m.finalize(job, handle, models.JobStatusFailed)
			return
		}

		// Recoverable: tear down the broken session, back off, recreate,
		// and retry this batch exactly once.
		m.sessions.Release(handle, "crash_recovery")
		handle = nil

		delay := scaleDelay(classified, backoffScale, m.config.MaxBackoff)
		if classified.Strategy == classify.StrategyProgressiveBackoff {
			backoffScale *= 2
		}
		m.logger.Warn().
			Str("job_id", job.ID).
			Int("batch", i).
			Str("kind", string(classified.Kind)).
			Dur("delay", delay).
			Msg("Recoverable batch failure, recreating session for retry")

		if !m.wait(delay) {
			m.finalize(job, nil, models.JobStatusCancelled)
			return
		}

		handle, parked = m.acquireForJob(job, i)
		if handle == nil {
			if !parked {
				m.finalize(job, nil, models.JobStatusFailed)
			}
			return
		}

		m.mu.Lock()
		job.Stats.SessionAcquisitions++
		job.Stats.CrashRecoveries++
		job.Stats.BatchRetries++
		retryView := job.View()
		m.mu.Unlock()
		m.publishJobEvent(interfaces.EventBatchRetried, retryView, map[string]interface{}{"batch": i})

		outcomes, err = m.runBatch(job, handle, batch, i)
		if err != nil {
			// The single permitted retry also failed; abort with both
			// errors on record. The bound is fixed: no recovery loops.
			retryClassified := classify.Classify(err, classify.ContextBatch)
			m.recordClassified(job, i, retryClassified)
			m.logger.Error().
				Str("job_id", job.ID).
				Int("batch", i).
				Str("kind", string(retryClassified.Kind)).
				Msg("Batch retry failed, aborting job")
			m.finalize(job, handle, models.JobStatusFailed)
			return
		}
		m.mergeOutcomes(job, i, outcomes)
	}

	m.finalize(job, handle, models.JobStatusCompleted)
}

// acquireForJob obtains a session, classifying failures. A circuit-open
// denial parks the job as paused rather than failing it; the breaker's
// recovery notification re-queues it later. Returns (nil, true) when
// parked, (nil, false) on fatal failure with the error recorded.
func (m *Manager) acquireForJob(job *models.Job, batchIndex int) (*interfaces.SessionHandle, bool) {
	handle, err := m.sessions.Acquire(m.ctx, job.ID)
	if err == nil {
		return handle, false
	}

	classified := classify.Classify(err, classify.ContextAcquire)
	m.recordClassified(job, batchIndex, classified)

	if classified.Kind == classify.KindCircuitOpen {
		m.mu.Lock()
		job.Status = models.JobStatusPaused
		job.PauseReason = string(classify.KindCircuitOpen)
		view := job.View()
		m.mu.Unlock()

		m.logger.Warn().
			Str("job_id", job.ID).
			Msg("Circuit breaker open, parking job until recovery")
		m.publishJobEvent(interfaces.EventJobPaused, view, nil)
		return nil, true
	}

	m.logger.Error().
		Str("job_id", job.ID).
		Str("kind", string(classified.Kind)).
		Msg("Session acquisition failed")
	return nil, false
}

// runBatch executes one batch under the job's batch timeout.
func (m *Manager) runBatch(job *models.Job, handle *interfaces.SessionHandle, batch []models.Record, index int) ([]models.RecordOutcome, error) {
	ctx, cancel := context.WithTimeout(m.ctx, job.Options.BatchTimeout)
	defer cancel()

	outcomes, err := m.processor.ProcessBatch(ctx, handle, batch, job.ID)
	handle.Touch()
	return outcomes, err
}

// mergeOutcomes appends a completed batch's outcomes and advances
// progress. Submitted records count as completed; everything else counts
// as failed. Progress events are emitted in non-decreasing order because
// only the worker mutates progress.
func (m *Manager) mergeOutcomes(job *models.Job, batchIndex int, outcomes []models.RecordOutcome) {
	completed, failed := 0, 0
	for _, o := range outcomes {
		if o.Status == models.OutcomeSubmitted {
			completed++
		} else {
			failed++
		}
	}

	m.mu.Lock()
	job.Results = append(job.Results, outcomes...)
	job.UpdateProgress(completed, failed)
	view := job.View()
	m.mu.Unlock()

	m.logger.Info().
		Str("job_id", job.ID).
		Int("batch", batchIndex).
		Int("completed", view.Progress.Completed).
		Int("failed", view.Progress.Failed).
		Int("percentage", view.Progress.Percentage).
		Msg("Batch completed")

	m.publishJobEvent(interfaces.EventJobProgress, view, map[string]interface{}{"batch": batchIndex})
	m.publishJobEvent(interfaces.EventBatchCompleted, view, map[string]interface{}{"batch": batchIndex})
}

// recordClassified appends a classified failure to the job's error log.
func (m *Manager) recordClassified(job *models.Job, batchIndex int, c classify.Classified) {
	m.mu.Lock()
	job.AppendError(models.JobError{
		BatchIndex:  batchIndex,
		Kind:        string(c.Kind),
		Message:     c.Message,
		Recoverable: c.Recoverable,
	})
	m.mu.Unlock()
}

// checkBoundary enforces cooperative cancellation and external pausing
// between batches. Returns true when the worker must stop this job; the
// session has then been released and the job settled.
func (m *Manager) checkBoundary(job *models.Job, handle *interfaces.SessionHandle) bool {
	m.mu.Lock()
	cancelled := job.CancelRequested
	status := job.Status
	m.mu.Unlock()

	if cancelled {
		m.finalize(job, handle, models.JobStatusCancelled)
		return true
	}
	if status != models.JobStatusProcessing {
		// Parked externally (emergency pause). Status and events are
		// already settled by whoever parked it; just free the session.
		m.sessions.Release(handle, string(status))
		return true
	}
	return false
}

// finalize settles a job into a terminal status, releases the session, and
// emits the final status event with full errors and stats.
func (m *Manager) finalize(job *models.Job, handle *interfaces.SessionHandle, status models.JobStatus) {
	m.sessions.Release(handle, string(status))

	m.mu.Lock()
	job.MarkTerminal(status)
	view := job.View()
	m.mu.Unlock()

	elapsed := time.Duration(0)
	if view.StartedAt != nil && view.CompletedAt != nil {
		elapsed = view.CompletedAt.Sub(*view.StartedAt)
	}
	m.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(view.Status)).
		Int("completed", view.Progress.Completed).
		Int("failed", view.Progress.Failed).
		Dur("elapsed", elapsed).
		Msg("Job settled")

	switch status {
	case models.JobStatusCompleted:
		m.publishJobEvent(interfaces.EventJobCompleted, view, nil)
	case models.JobStatusCancelled:
		m.publishJobEvent(interfaces.EventJobCancelled, view, nil)
	default:
		m.publishJobEvent(interfaces.EventJobFailed, view, nil)
	}
}

// wait sleeps for the recovery delay, abandoning early on shutdown.
// Returns false when the manager is stopping.
func (m *Manager) wait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// scaleDelay applies the strategy scaling to a classified delay.
// Progressive backoff doubles per prior recovery within the job, capped.
func scaleDelay(c classify.Classified, scale int, maxBackoff time.Duration) time.Duration {
	d := c.RetryDelay
	if c.Strategy == classify.StrategyProgressiveBackoff {
		d = c.RetryDelay * time.Duration(scale)
	}
	if maxBackoff > 0 && d > maxBackoff {
		d = maxBackoff
	}
	return d
}
