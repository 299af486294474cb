// -----------------------------------------------------------------------
// Job - In-memory job structure for batch record processing
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/ternarybob/conveyor/internal/common"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusProcessing       JobStatus = "processing"
	JobStatusPaused           JobStatus = "paused"
	JobStatusRecoveryRequired JobStatus = "recovery_required"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCancelled        JobStatus = "cancelled"
	JobStatusEmergencyPaused  JobStatus = "emergency_paused"
)

// IsTerminal returns true for statuses that permit no further mutation.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Record is one opaque task input. The engine never inspects Fields; they
// are handed verbatim to the record processor.
type Record struct {
	Ref    string            `json:"ref"`    // Caller-supplied reference, used in outcomes
	Fields map[string]string `json:"fields"` // Opaque payload for the processor
}

// RecordOutcomeStatus is the per-record result tag. Business-level failures
// are data, never errors.
type RecordOutcomeStatus string

const (
	OutcomeSubmitted    RecordOutcomeStatus = "submitted"
	OutcomeError        RecordOutcomeStatus = "error"
	OutcomeNotSubmitted RecordOutcomeStatus = "not_submitted"
)

// RecordOutcome is the result of processing a single record.
type RecordOutcome struct {
	RecordRef string              `json:"record_ref"`
	Status    RecordOutcomeStatus `json:"status"`
	Detail    string              `json:"detail,omitempty"`
}

// JobProgress tracks record-level completion. Completed and Failed are
// monotonically non-decreasing; Completed+Failed never exceeds Total.
type JobProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}

// JobStats holds monotonic recovery counters for a job.
type JobStats struct {
	SessionAcquisitions int `json:"session_acquisitions"`
	CrashRecoveries     int `json:"crash_recoveries"`
	BatchRetries        int `json:"batch_retries"`
}

// JobError is one entry in a job's append-only error log.
type JobError struct {
	BatchIndex  int       `json:"batch_index"` // -1 when not batch-scoped (e.g. acquisition failure)
	RecordRef   string    `json:"record_ref,omitempty"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// JobOptions are fixed at submission and immutable afterwards.
type JobOptions struct {
	BatchSize       int           `json:"batch_size" validate:"min=1,max=500"`
	MaxBatchRetries int           `json:"max_batch_retries" validate:"min=0,max=1"`
	BatchTimeout    time.Duration `json:"batch_timeout"`
}

// DefaultJobOptions returns the options applied when a submission omits them.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		BatchSize:       5,
		MaxBatchRetries: 1,
		BatchTimeout:    2 * time.Minute,
	}
}

// Job is the unit of work owned by the job manager. All status, progress
// and stats mutation goes through the manager; everything here is exported
// for serialization only.
type Job struct {
	ID      string     `json:"id"`
	Status  JobStatus  `json:"status"`
	Records []Record   `json:"-"` // Immutable after creation
	Options JobOptions `json:"options"`

	Progress JobProgress     `json:"progress"`
	Stats    JobStats        `json:"stats"`
	Errors   []JobError      `json:"errors,omitempty"`
	Results  []RecordOutcome `json:"-"` // Appended batch by batch, record order preserved

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CancelRequested is checked cooperatively at batch boundaries.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// PauseReason records why a job was parked (e.g. "circuit_open"),
	// so breaker recovery can selectively re-queue.
	PauseReason string `json:"pause_reason,omitempty"`
}

// NewJob creates a pending job with zeroed progress and stats.
func NewJob(records []Record, options JobOptions) *Job {
	return &Job{
		ID:      common.NewJobID(),
		Status:  JobStatusPending,
		Records: records,
		Options: options,
		Progress: JobProgress{
			Total: len(records),
		},
		CreatedAt: time.Now(),
	}
}

// BatchCount returns the number of batches the job's records split into.
func (j *Job) BatchCount() int {
	if j.Options.BatchSize <= 0 {
		return 0
	}
	return (len(j.Records) + j.Options.BatchSize - 1) / j.Options.BatchSize
}

// Batch returns the records of batch i, preserving submission order.
func (j *Job) Batch(i int) []Record {
	start := i * j.Options.BatchSize
	if start >= len(j.Records) {
		return nil
	}
	end := start + j.Options.BatchSize
	if end > len(j.Records) {
		end = len(j.Records)
	}
	return j.Records[start:end]
}

// MarkStarted transitions the job to processing and stamps StartedAt once.
func (j *Job) MarkStarted() {
	j.Status = JobStatusProcessing
	if j.StartedAt == nil {
		now := time.Now()
		j.StartedAt = &now
	}
}

// MarkTerminal settles the job into a terminal status and stamps
// CompletedAt once. Calling it on an already-terminal job is a no-op.
func (j *Job) MarkTerminal(status JobStatus) {
	if j.Status.IsTerminal() {
		return
	}
	j.Status = status
	if j.CompletedAt == nil {
		now := time.Now()
		j.CompletedAt = &now
	}
}

// UpdateProgress adds completed/failed record counts and recomputes the
// percentage. Deltas are never negative.
func (j *Job) UpdateProgress(completedDelta, failedDelta int) {
	j.Progress.Completed += completedDelta
	j.Progress.Failed += failedDelta
	if j.Progress.Total > 0 {
		done := j.Progress.Completed + j.Progress.Failed
		j.Progress.Percentage = int(float64(done)/float64(j.Progress.Total)*100 + 0.5)
	}
}

// AppendError appends to the job's cumulative error log.
func (j *Job) AppendError(e JobError) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	j.Errors = append(j.Errors, e)
}

// JobView is the immutable snapshot returned by the status API.
type JobView struct {
	ID          string      `json:"id"`
	Status      JobStatus   `json:"status"`
	Progress    JobProgress `json:"progress"`
	Stats       JobStats    `json:"stats"`
	Errors      []JobError  `json:"errors,omitempty"`
	Options     JobOptions  `json:"options"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// View snapshots the job for external consumers. Errors are copied so the
// caller cannot alias the live log.
func (j *Job) View() JobView {
	errs := make([]JobError, len(j.Errors))
	copy(errs, j.Errors)
	return JobView{
		ID:          j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		Stats:       j.Stats,
		Errors:      errs,
		Options:     j.Options,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
