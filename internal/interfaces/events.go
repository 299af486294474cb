package interfaces

import "context"

// EventType identifies a class of event flowing through the event service.
type EventType string

const (
	// Job lifecycle events
	EventJobSubmitted EventType = "job_submitted"
	EventJobStarted   EventType = "job_started"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobCancelled EventType = "job_cancelled"
	EventJobPaused    EventType = "job_paused"
	EventJobResumed   EventType = "job_resumed"

	// Batch events
	EventBatchCompleted EventType = "batch_completed"
	EventBatchRetried   EventType = "batch_retried"

	// Session events
	EventSessionAcquired EventType = "session_acquired"
	EventSessionReleased EventType = "session_released"
	EventSessionReaped   EventType = "session_reaped"

	// Circuit breaker events
	EventBreakerStateChanged EventType = "breaker_state_changed"

	// Resource monitor events
	EventMemoryWarning    EventType = "memory_warning"
	EventMemoryExhaustion EventType = "memory_exhaustion"

	// Application state
	EventStatusChanged EventType = "status_changed"
)

// Event is the unit published to subscribers. Payload is typically a
// map[string]interface{} snapshot; handlers must not mutate it.
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler processes a published event. Handler errors are logged by
// the event service and never affect the publisher.
type EventHandler func(ctx context.Context, event Event) error

// EventService is the pub/sub status sink. Publish is asynchronous and
// fire-and-forget; delivery failure never affects job correctness.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
	Close() error
}
