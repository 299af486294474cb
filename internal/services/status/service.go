package status

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/interfaces"
)

// AppState represents the application state
type AppState string

const (
	StateIdle       AppState = "idle"
	StateProcessing AppState = "processing"
	StatePaused     AppState = "paused"
	StateOffline    AppState = "offline"
)

// Service manages application status
type Service struct {
	state        AppState
	mu           sync.RWMutex
	eventService interfaces.EventService
	logger       arbor.ILogger
	metadata     map[string]interface{}
}

// NewService creates a new StatusService
func NewService(eventService interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		state:        StateIdle,
		eventService: eventService,
		logger:       logger,
		metadata:     make(map[string]interface{}),
	}
}

// GetState returns the current application state (thread-safe)
func (s *Service) GetState() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the application state and broadcasts the change
func (s *Service) SetState(state AppState, metadata map[string]interface{}) {
	s.mu.Lock()
	oldState := s.state
	s.state = state
	if metadata != nil {
		s.metadata = metadata
	} else {
		s.metadata = make(map[string]interface{})
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("old_state", string(oldState)).
		Str("new_state", string(state)).
		Msg("Application state changed")

	// Publish state change event
	payload := map[string]interface{}{
		"state":     string(state),
		"metadata":  metadata,
		"timestamp": time.Now(),
	}
	event := interfaces.Event{
		Type:    interfaces.EventStatusChanged,
		Payload: payload,
	}
	s.eventService.Publish(context.Background(), event)
}

// GetStatus returns the full status including state, metadata, and timestamp
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Deep copy metadata to avoid concurrent modification
	metadataCopy := make(map[string]interface{})
	for k, v := range s.metadata {
		metadataCopy[k] = v
	}

	return map[string]interface{}{
		"state":     string(s.state),
		"metadata":  metadataCopy,
		"timestamp": time.Now(),
	}
}

// SubscribeToJobEvents subscribes to job lifecycle events to automatically
// update the application state.
func (s *Service) SubscribeToJobEvents() {
	onJobEvent := func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(map[string]interface{})
		if !ok {
			return nil
		}

		switch event.Type {
		case interfaces.EventJobStarted, interfaces.EventJobProgress, interfaces.EventJobResumed:
			metadata := map[string]interface{}{}
			if jobID, ok := payload["job_id"].(string); ok {
				metadata["active_job_id"] = jobID
			}
			if progress, ok := payload["progress"]; ok {
				metadata["progress"] = progress
			}
			s.SetState(StateProcessing, metadata)

		case interfaces.EventJobPaused:
			metadata := map[string]interface{}{}
			if jobID, ok := payload["job_id"].(string); ok {
				metadata["paused_job_id"] = jobID
			}
			s.SetState(StatePaused, metadata)

		case interfaces.EventJobCompleted, interfaces.EventJobFailed, interfaces.EventJobCancelled:
			// Clear metadata and return to idle
			s.SetState(StateIdle, nil)
		}

		return nil
	}

	jobEvents := []interfaces.EventType{
		interfaces.EventJobStarted,
		interfaces.EventJobProgress,
		interfaces.EventJobResumed,
		interfaces.EventJobPaused,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventJobCancelled,
	}
	for _, eventType := range jobEvents {
		s.eventService.Subscribe(eventType, onJobEvent)
	}

	s.logger.Info().Msg("StatusService subscribed to job events")
}
