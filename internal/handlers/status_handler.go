package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/breaker"
	"github.com/ternarybob/conveyor/internal/monitor"
	"github.com/ternarybob/conveyor/internal/services/status"
	"github.com/ternarybob/conveyor/internal/session"
)

// StatusHandler handles HTTP requests for application status
type StatusHandler struct {
	statusService *status.Service
	sessions      *session.Manager
	breakers      *breaker.Registry
	monitor       *monitor.Monitor
	logger        arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(statusService *status.Service, sessions *session.Manager, breakers *breaker.Registry, mon *monitor.Monitor, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		statusService: statusService,
		sessions:      sessions,
		breakers:      breakers,
		monitor:       mon,
		logger:        logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := h.statusService.GetStatus()
	WriteJSON(w, http.StatusOK, status)
}

// GetHealthHandler handles GET /api/health with component-level detail
func (h *StatusHandler) GetHealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	payload := map[string]interface{}{
		"status":   "ok",
		"sessions": h.sessions.GetStats(),
		"breakers": h.breakers.Stats(),
	}
	if h.monitor != nil {
		payload["memory"] = h.monitor.Snapshot()
	}

	WriteJSON(w, http.StatusOK, payload)
}
