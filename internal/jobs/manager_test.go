package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/breaker"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/session"
)

// fakeProvider hands out in-memory session handles.
type fakeProvider struct {
	mu        sync.Mutex
	createErr error
	created   int
	closed    int
}

func (f *fakeProvider) CreateSession(ctx context.Context) (*interfaces.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &interfaces.SessionHandle{
		ID:         "sess_" + uuid.New().String(),
		AcquiredAt: time.Now(),
	}, nil
}

func (f *fakeProvider) CloseSession(handle *interfaces.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context, handle *interfaces.SessionHandle) bool {
	return true
}

func (f *fakeProvider) counts() (created, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.closed
}

// fakeProcessor succeeds by default; failures can be scripted per batch.
type fakeProcessor struct {
	mu        sync.Mutex
	failures  map[int]int // batchIndex -> remaining scripted failures
	panics    map[int]int // batchIndex -> remaining scripted panics
	failErr   error
	calls     map[int]int // batchIndex -> invocation count
	onBatch   func(batchIndex int)
	batchGate chan struct{} // when set, each batch waits for a tick
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		failures: make(map[int]int),
		panics:   make(map[int]int),
		calls:    make(map[int]int),
		failErr:  errors.New("chromedp: target crashed"),
	}
}

func (f *fakeProcessor) ProcessBatch(ctx context.Context, sess *interfaces.SessionHandle, records []models.Record, jobID string) ([]models.RecordOutcome, error) {
	f.mu.Lock()
	// Batch index is recovered from the first record ref, set by tests as
	// "<letter>" with ordering known; instead track by call order keyed on
	// first record ref.
	f.mu.Unlock()

	if f.batchGate != nil {
		select {
		case <-f.batchGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	batchIndex := f.indexOf(records)
	f.mu.Lock()
	f.calls[batchIndex]++
	if remaining := f.panics[batchIndex]; remaining > 0 {
		f.panics[batchIndex] = remaining - 1
		f.mu.Unlock()
		panic("nil map write in form filler")
	}
	remaining := f.failures[batchIndex]
	if remaining > 0 {
		f.failures[batchIndex] = remaining - 1
		f.mu.Unlock()
		return nil, f.failErr
	}
	f.mu.Unlock()

	if f.onBatch != nil {
		f.onBatch(batchIndex)
	}

	outcomes := make([]models.RecordOutcome, 0, len(records))
	for _, r := range records {
		outcomes = append(outcomes, models.RecordOutcome{
			RecordRef: r.Ref,
			Status:    models.OutcomeSubmitted,
		})
	}
	return outcomes, nil
}

// indexOf derives the batch index from the record's scripted "batch" field.
func (f *fakeProcessor) indexOf(records []models.Record) int {
	if len(records) == 0 {
		return -1
	}
	var idx int
	fmt.Sscanf(records[0].Fields["batch"], "%d", &idx)
	return idx
}

func (f *fakeProcessor) callCount(batchIndex int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[batchIndex]
}

// makeRecords builds n records with batch indexes stamped in, assuming the
// given batch size.
func makeRecords(n, batchSize int) []models.Record {
	records := make([]models.Record, n)
	for i := range records {
		records[i] = models.Record{
			Ref:    fmt.Sprintf("rec-%03d", i),
			Fields: map[string]string{"batch": fmt.Sprintf("%d", i/batchSize)},
		}
	}
	return records
}

type fixture struct {
	manager   *Manager
	sessions  *session.Manager
	breaker   *breaker.Breaker
	provider  *fakeProvider
	processor *fakeProcessor
}

func newFixture(t *testing.T, brkConfig breaker.Config) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	provider := &fakeProvider{}
	processor := newFakeProcessor()
	brk := breaker.New(session.BreakerService, brkConfig, logger)
	sessions := session.NewManager(provider, brk, nil, session.Config{
		AcquireTimeout: 5 * time.Second,
		MaxSessionAge:  time.Hour,
		MaxIdleTime:    time.Hour,
	}, logger)
	mgr := NewManager(sessions, processor, nil, Config{
		InterBatchDelay:   time.Millisecond,
		MaxBackoff:        5 * time.Millisecond, // keeps recovery waits short in tests
		RetentionWindow:   time.Hour,
		GCInterval:        time.Hour,
		EstimatePerRecord: time.Millisecond,
	}, logger)
	t.Cleanup(mgr.Stop)

	return &fixture{
		manager:   mgr,
		sessions:  sessions,
		breaker:   brk,
		provider:  provider,
		processor: processor,
	}
}

// waitTerminal polls until the job settles or the deadline passes.
func waitTerminal(t *testing.T, m *Manager, jobID string) models.JobView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		view, err := m.Status(jobID)
		require.NoError(t, err)
		if view.Status.IsTerminal() {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	view, _ := m.Status(jobID)
	t.Fatalf("job %s did not settle, status %s", jobID, view.Status)
	return models.JobView{}
}

// waitStatus polls until the job reaches the wanted status.
func waitStatus(t *testing.T, m *Manager, jobID string, want models.JobStatus) models.JobView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		view, err := m.Status(jobID)
		require.NoError(t, err)
		if view.Status == want {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	view, _ := m.Status(jobID)
	t.Fatalf("job %s never reached %s, status %s", jobID, want, view.Status)
	return models.JobView{}
}

func TestSubmitRejectsEmptyRecords(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	_, _, err := f.manager.Submit(nil, models.DefaultJobOptions())
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestSubmitRejectsInvalidOptions(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	opts := models.DefaultJobOptions()
	opts.MaxBatchRetries = 7 // bound is one retry per batch
	_, _, err := f.manager.Submit(makeRecords(4, 2), opts)
	assert.Error(t, err)
}

func TestJobRunsToCompletion(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2
	jobID, estimate, err := f.manager.Submit(makeRecords(6, 2), opts)
	require.NoError(t, err)
	assert.Greater(t, estimate, time.Duration(0))

	view := waitTerminal(t, f.manager, jobID)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, 6, view.Progress.Completed)
	assert.Equal(t, 0, view.Progress.Failed)
	assert.Equal(t, 100, view.Progress.Percentage)
	assert.Equal(t, 1, view.Stats.SessionAcquisitions)
	assert.NotNil(t, view.StartedAt)
	assert.NotNil(t, view.CompletedAt)

	// Session released exactly once.
	created, closed := f.provider.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)
}

func TestResultsPreserveRecordOrder(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())

	// Batch 1 crashes once, forcing a session recreation mid-job; the
	// final results must still be in submission order.
	f.processor.failures[1] = 1

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2
	records := makeRecords(4, 2)
	jobID, _, err := f.manager.Submit(records, opts)
	require.NoError(t, err)

	view := waitTerminal(t, f.manager, jobID)
	require.Equal(t, models.JobStatusCompleted, view.Status)

	results, err := f.manager.Results(jobID)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, records[i].Ref, r.RecordRef, "result %d out of order", i)
	}
}

func TestCrashRecoveryScenario(t *testing.T) {
	// 10 records, batch size 5: batch 0 succeeds, batch 1's first attempt
	// throws a session-terminated error, a fresh session retries it and
	// succeeds. The job completes with one crash recovery on record.
	f := newFixture(t, breaker.DefaultConfig())
	f.processor.failures[1] = 1

	opts := models.DefaultJobOptions()
	opts.BatchSize = 5
	jobID, _, err := f.manager.Submit(makeRecords(10, 5), opts)
	require.NoError(t, err)

	view := waitTerminal(t, f.manager, jobID)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, 1, view.Stats.CrashRecoveries)
	assert.Equal(t, 1, view.Stats.BatchRetries)
	assert.Equal(t, 2, view.Stats.SessionAcquisitions)
	assert.Equal(t, 10, view.Progress.Completed+view.Progress.Failed)

	// Both sessions were torn down.
	created, closed := f.provider.counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, closed)

	// The recoverable failure is on the error log.
	require.NotEmpty(t, view.Errors)
	assert.Equal(t, "resource_session_terminated", view.Errors[0].Kind)
	assert.True(t, view.Errors[0].Recoverable)
}

func TestBatchRetriedAtMostOnce(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	f.processor.failures[1] = 10 // batch 1 never succeeds

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2
	jobID, _, err := f.manager.Submit(makeRecords(6, 2), opts)
	require.NoError(t, err)

	view := waitTerminal(t, f.manager, jobID)
	assert.Equal(t, models.JobStatusFailed, view.Status)

	// Original attempt plus exactly one recovery retry.
	assert.Equal(t, 2, f.processor.callCount(1))

	// Partial results from batch 0 are retained.
	results, err := f.manager.Results(jobID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Both failures are recorded.
	assert.Len(t, view.Errors, 2)
}

func TestProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	f.processor.failures[2] = 1

	var mu sync.Mutex
	var observed []int

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2
	jobID, _, err := f.manager.Submit(makeRecords(8, 2), opts)
	require.NoError(t, err)

	// Sample progress while the job runs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			view, err := f.manager.Status(jobID)
			if err == nil {
				mu.Lock()
				observed = append(observed, view.Progress.Completed+view.Progress.Failed)
				mu.Unlock()
				if view.Status.IsTerminal() {
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	view := waitTerminal(t, f.manager, jobID)
	<-done

	assert.Equal(t, models.JobStatusCompleted, view.Status)
	mu.Lock()
	defer mu.Unlock()
	prev := 0
	for i, v := range observed {
		require.GreaterOrEqual(t, v, prev, "progress regressed at sample %d", i)
		require.LessOrEqual(t, v, 8, "completed+failed exceeded total at sample %d", i)
		prev = v
	}
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())

	// Gate the processor so the first job occupies the worker.
	f.processor.batchGate = make(chan struct{})

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2
	first, _, err := f.manager.Submit(makeRecords(2, 2), opts)
	require.NoError(t, err)
	second, _, err := f.manager.Submit(makeRecords(2, 2), opts)
	require.NoError(t, err)

	// Second job is still queued; cancel settles it immediately.
	require.NoError(t, f.manager.Cancel(second))
	view, err := f.manager.Status(second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, view.Status)

	// Release the first job and let it finish.
	close(f.processor.batchGate)
	waitTerminal(t, f.manager, first)

	// The cancelled job was never processed.
	results, err := f.manager.Results(second)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCancelProcessingJobPreservesPartialResults(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())

	gate := make(chan struct{})
	f.processor.batchGate = gate

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2
	jobID, _, err := f.manager.Submit(makeRecords(10, 2), opts) // 5 batches
	require.NoError(t, err)

	// Let batches 0 and 1 through, then request cancellation while the
	// worker is between batches.
	gate <- struct{}{}
	gate <- struct{}{}
	require.NoError(t, f.manager.Cancel(jobID))
	// Unblock any in-flight batch; the cooperative check stops the rest.
	close(gate)

	view := waitTerminal(t, f.manager, jobID)
	assert.Equal(t, models.JobStatusCancelled, view.Status)

	results, err := f.manager.Results(jobID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(results), 4, "results of completed batches must be retained")
	assert.Less(t, len(results), 10, "cancelled job must not run every batch")

	// Session released despite cancellation.
	created, closed := f.provider.counts()
	assert.Equal(t, created, closed)
}

func TestCircuitOpenParksJob(t *testing.T) {
	brkConfig := breaker.Config{
		FailureThreshold: 2,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     time.Hour, // stays open for the whole test
	}
	f := newFixture(t, brkConfig)
	f.provider.mu.Lock()
	f.provider.createErr = errors.New("chrome failed to start")
	f.provider.mu.Unlock()

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2

	// First two jobs fail at acquisition and trip the breaker.
	for i := 0; i < 2; i++ {
		jobID, _, err := f.manager.Submit(makeRecords(2, 2), opts)
		require.NoError(t, err)
		view := waitTerminal(t, f.manager, jobID)
		assert.Equal(t, models.JobStatusFailed, view.Status)
	}

	// The next job is parked, not failed.
	f.provider.mu.Lock()
	f.provider.createErr = nil
	f.provider.mu.Unlock()

	jobID, _, err := f.manager.Submit(makeRecords(2, 2), opts)
	require.NoError(t, err)
	view := waitStatus(t, f.manager, jobID, models.JobStatusPaused)
	require.NotEmpty(t, view.Errors)
	assert.Equal(t, "circuit_open", view.Errors[0].Kind)

	// Breaker recovery re-queues parked jobs.
	f.breaker.Reset()
	resumed := f.manager.ResumeParked("circuit_open")
	assert.Equal(t, 1, resumed)

	view = waitTerminal(t, f.manager, jobID)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
}

func TestWorkerRecoversAfterProcessorPanic(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	f.processor.panics[0] = 1

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2

	// The first job's batch panics inside the processor. The job must
	// settle as failed instead of hanging, with the panic on record.
	first, _, err := f.manager.Submit(makeRecords(2, 2), opts)
	require.NoError(t, err)
	view := waitTerminal(t, f.manager, first)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	require.NotEmpty(t, view.Errors)
	assert.Equal(t, "worker_panic", view.Errors[0].Kind)

	// The panicked worker's session is reclaimed, not leaked.
	deadline := time.Now().Add(5 * time.Second)
	for f.sessions.GetStats().ActiveSessions != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after worker panic")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The queue keeps draining: a second job runs to completion.
	second, _, err := f.manager.Submit(makeRecords(2, 2), opts)
	require.NoError(t, err)
	view = waitTerminal(t, f.manager, second)
	assert.Equal(t, models.JobStatusCompleted, view.Status)

	created, closed := f.provider.counts()
	assert.Equal(t, created, closed)
}

func TestParkedJobResumesAfterBreakerTimeout(t *testing.T) {
	brkConfig := breaker.Config{
		FailureThreshold: 2,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     time.Second,
	}
	f := newFixture(t, brkConfig)

	// Mirror the app wiring: breaker recovery re-queues parked jobs. The
	// HALF_OPEN transition counts so the first resumed job is the probe.
	f.breaker.OnStateChange(func(service string, from, to breaker.State) {
		if to == breaker.StateClosed || to == breaker.StateHalfOpen {
			f.manager.ResumeParked("circuit_open")
		}
	})

	f.provider.mu.Lock()
	f.provider.createErr = errors.New("chrome failed to start")
	f.provider.mu.Unlock()

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2

	for i := 0; i < 2; i++ {
		jobID, _, err := f.manager.Submit(makeRecords(2, 2), opts)
		require.NoError(t, err)
		view := waitTerminal(t, f.manager, jobID)
		assert.Equal(t, models.JobStatusFailed, view.Status)
	}

	jobID, _, err := f.manager.Submit(makeRecords(2, 2), opts)
	require.NoError(t, err)
	view := waitStatus(t, f.manager, jobID, models.JobStatusPaused)
	require.NotEmpty(t, view.Errors)
	assert.Equal(t, "circuit_open", view.Errors[0].Kind)

	// Heal the provider; no manual reset or resume. The reset timeout
	// alone must bring the parked job back through to completion.
	f.provider.mu.Lock()
	f.provider.createErr = nil
	f.provider.mu.Unlock()

	view = waitTerminal(t, f.manager, jobID)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
	assert.Equal(t, breaker.StateClosed, f.breaker.State())
}

func TestEmergencyPauseAll(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())

	gate := make(chan struct{})
	f.processor.batchGate = gate

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2
	active, _, err := f.manager.Submit(makeRecords(6, 2), opts)
	require.NoError(t, err)
	queued, _, err := f.manager.Submit(makeRecords(2, 2), opts)
	require.NoError(t, err)

	gate <- struct{}{} // batch 0 of the active job runs

	paused := f.manager.EmergencyPauseAll("memory_exhaustion")
	assert.Equal(t, 2, paused)
	close(gate)

	activeView := waitStatus(t, f.manager, active, models.JobStatusEmergencyPaused)
	assert.Equal(t, models.JobStatusEmergencyPaused, activeView.Status)
	queuedView, err := f.manager.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusEmergencyPaused, queuedView.Status)

	// The worker drops the active job at the boundary and frees its
	// session.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if f.sessions.GetStats().ActiveSessions == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session not released after emergency pause")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Operator resume puts both jobs back through to completion.
	require.NoError(t, f.manager.Resume(active))
	require.NoError(t, f.manager.Resume(queued))
	assert.Equal(t, models.JobStatusCompleted, waitTerminal(t, f.manager, active).Status)
	assert.Equal(t, models.JobStatusCompleted, waitTerminal(t, f.manager, queued).Status)
}

func TestGCSweepRemovesExpiredTerminalJobs(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())

	opts := models.DefaultJobOptions()
	opts.BatchSize = 2
	jobID, _, err := f.manager.Submit(makeRecords(2, 2), opts)
	require.NoError(t, err)
	waitTerminal(t, f.manager, jobID)

	// Inside the retention window the job stays queryable.
	assert.Equal(t, 0, f.manager.gcSweep(time.Now()))

	// Past the window it is collected.
	removed := f.manager.gcSweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 1, removed)
	_, err = f.manager.Status(jobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}
