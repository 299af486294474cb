// -----------------------------------------------------------------------
// Metrics - Prometheus instrumentation fed from the event stream
// -----------------------------------------------------------------------

package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/conveyor/internal/interfaces"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_jobs_submitted_total",
		Help: "Jobs accepted into the queue",
	})
	jobsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_settled_total",
		Help: "Jobs settled into a terminal status",
	}, []string{"status"})
	batchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_batches_completed_total",
		Help: "Batches processed to completion",
	})
	batchesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_batches_retried_total",
		Help: "Batches retried after crash recovery",
	})
	sessionsAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_sessions_acquired_total",
		Help: "Sessions handed out by the session manager",
	})
	sessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_sessions_reaped_total",
		Help: "Stale sessions force-released by the monitor sweep",
	})
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
	memoryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_memory_threshold_events_total",
		Help: "Memory threshold crossings reported by the resource monitor",
	}, []string{"severity"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Subscribe wires the counters to the event stream. Metrics are derived
// from the same events the UI consumes, so they never add work to the
// processing path.
func Subscribe(eventService interfaces.EventService) error {
	type binding struct {
		eventType interfaces.EventType
		handler   interfaces.EventHandler
	}

	bindings := []binding{
		{interfaces.EventJobSubmitted, func(ctx context.Context, e interfaces.Event) error {
			jobsSubmitted.Inc()
			return nil
		}},
		{interfaces.EventJobCompleted, settle("completed")},
		{interfaces.EventJobFailed, settle("failed")},
		{interfaces.EventJobCancelled, settle("cancelled")},
		{interfaces.EventBatchCompleted, func(ctx context.Context, e interfaces.Event) error {
			batchesCompleted.Inc()
			return nil
		}},
		{interfaces.EventBatchRetried, func(ctx context.Context, e interfaces.Event) error {
			batchesRetried.Inc()
			return nil
		}},
		{interfaces.EventSessionAcquired, func(ctx context.Context, e interfaces.Event) error {
			sessionsAcquired.Inc()
			return nil
		}},
		{interfaces.EventSessionReaped, func(ctx context.Context, e interfaces.Event) error {
			sessionsReaped.Inc()
			return nil
		}},
		{interfaces.EventBreakerStateChanged, func(ctx context.Context, e interfaces.Event) error {
			if payload, ok := e.Payload.(map[string]interface{}); ok {
				if state, ok := payload["new_state"].(string); ok {
					breakerState.Set(stateValue(state))
				}
			}
			return nil
		}},
		{interfaces.EventMemoryWarning, func(ctx context.Context, e interfaces.Event) error {
			memoryEvents.WithLabelValues("warning").Inc()
			return nil
		}},
		{interfaces.EventMemoryExhaustion, func(ctx context.Context, e interfaces.Event) error {
			memoryEvents.WithLabelValues("exhaustion").Inc()
			return nil
		}},
	}

	for _, b := range bindings {
		if err := eventService.Subscribe(b.eventType, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func settle(status string) interfaces.EventHandler {
	return func(ctx context.Context, e interfaces.Event) error {
		jobsSettled.WithLabelValues(status).Inc()
		return nil
	}
}

func stateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 2
	case "HALF_OPEN":
		return 1
	default:
		return 0
	}
}
