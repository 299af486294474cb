// -----------------------------------------------------------------------
// Event Service - In-process pub/sub for job and resource lifecycle
// -----------------------------------------------------------------------

package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
)

// Service fans events out to registered handlers. Delivery is
// best-effort: a failing or slow subscriber never affects the
// publisher, so job correctness cannot depend on handler behavior.
type Service struct {
	mu       sync.RWMutex
	handlers map[interfaces.EventType][]interfaces.EventHandler
	closed   bool
	logger   arbor.ILogger
}

// NewService creates the event service.
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		handlers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type.
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("event service is closed")
	}
	s.handlers[eventType] = append(s.handlers[eventType], handler)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.handlers[eventType])).
		Msg("Event handler subscribed")
	return nil
}

// snapshot returns the current handler list for a type. Publishing off
// a snapshot keeps delivery lock-free.
func (s *Service) snapshot(eventType interfaces.EventType) []interfaces.EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return s.handlers[eventType]
}

// Publish delivers the event to all subscribers asynchronously and
// returns immediately. Handler errors are logged, never propagated.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	for _, handler := range s.snapshot(event.Type) {
		h := handler
		common.SafeGo(s.logger, "eventDelivery", func() {
			s.deliver(ctx, h, event)
		})
	}
	return nil
}

// PublishSync delivers the event and waits for every handler. Used at
// shutdown and in tests where ordering matters.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers := s.snapshot(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, handler := range handlers {
		h := handler
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				s.logEventError(event, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failed)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, h interfaces.EventHandler, event interfaces.Event) {
	if err := h(ctx, event); err != nil {
		s.logEventError(event, err)
	}
}

func (s *Service) logEventError(event interfaces.Event, err error) {
	s.logger.Error().
		Err(err).
		Str("event_type", string(event.Type)).
		Msg("Event handler failed")
}

// Close drops all subscriptions. Publishes after Close are no-ops.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.handlers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.logger.Info().Msg("Event service closed")
	return nil
}
