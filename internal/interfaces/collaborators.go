package interfaces

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/conveyor/internal/models"
)

// SessionHandle is the engine's view of one expensive remote session. The
// engine never inspects provider internals; Native carries whatever the
// provider needs to drive the session (e.g. a chromedp browser context).
type SessionHandle struct {
	ID         string
	AcquiredAt time.Time
	Native     interface{}

	mu           sync.Mutex
	lastActivity time.Time
}

// Touch records activity on the handle for staleness tracking. The worker
// touches after every batch while the stale sweep reads LastActivity, so
// the timestamp is guarded.
func (h *SessionHandle) Touch() {
	h.TouchAt(time.Now())
}

// TouchAt records activity at an explicit instant.
func (h *SessionHandle) TouchAt(t time.Time) {
	h.mu.Lock()
	h.lastActivity = t
	h.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp. A handle that
// was never touched reports its acquisition time.
func (h *SessionHandle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastActivity.IsZero() {
		return h.AcquiredAt
	}
	return h.lastActivity
}

// SessionProvider creates and tears down the underlying remote session.
// CreateSession failures flow through the error classifier; the engine
// treats them as opaque.
type SessionProvider interface {
	CreateSession(ctx context.Context) (*SessionHandle, error)
	CloseSession(handle *SessionHandle) error
	HealthCheck(ctx context.Context, handle *SessionHandle) bool
}

// RecordProcessor executes one batch of records against a live session.
// It returns exactly one outcome per input record, in input order.
// Business-level per-record failures are reported as outcomes, never as
// errors; a returned error means the session itself is unusable (crash,
// navigation collapse, timeout) and triggers classification and recovery.
// Implementations must respect ctx cancellation and deadline.
type RecordProcessor interface {
	ProcessBatch(ctx context.Context, session *SessionHandle, records []models.Record, jobID string) ([]models.RecordOutcome, error)
}
