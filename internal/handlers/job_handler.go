package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/jobs"
	"github.com/ternarybob/conveyor/internal/models"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	jobManager *jobs.Manager
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobManager *jobs.Manager, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobManager: jobManager,
		logger:     logger,
	}
}

// submitRequest is the POST /api/jobs body.
type submitRequest struct {
	Records []models.Record   `json:"records"`
	Options models.JobOptions `json:"options"`
}

// SubmitJobHandler accepts a new job and returns its ID and estimate
// POST /api/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req submitRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Options.BatchSize == 0 {
		req.Options = models.DefaultJobOptions()
	}

	jobID, estimate, err := h.jobManager.Submit(req.Records, req.Options)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNoRecords):
			WriteError(w, http.StatusBadRequest, "Job must contain at least one record")
		case errors.Is(err, jobs.ErrQueueStopped):
			WriteError(w, http.StatusServiceUnavailable, "Job manager is shutting down")
		default:
			h.logger.Error().Err(err).Msg("Failed to submit job")
			WriteError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":             jobID,
		"record_count":       len(req.Records),
		"estimated_duration": estimate.String(),
	})
}

// ListJobsHandler returns all known jobs, newest first
// GET /api/jobs
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	views := h.jobManager.List()

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        views,
		"total_count": len(views),
	})
}

// GetJobHandler returns a single job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := JobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	view, err := h.jobManager.Status(jobID)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	WriteJSON(w, http.StatusOK, view)
}

// GetJobResultsHandler returns the per-record outcomes gathered so far
// GET /api/jobs/{id}/results
func (h *JobHandler) GetJobResultsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := JobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	results, err := h.jobManager.Results(jobID)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job results lookup failed")
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"results": results,
		"count":   len(results),
	})
}

// CancelJobHandler cancels a queued or running job
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	jobID := JobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobManager.Cancel(jobID); err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			WriteError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, jobs.ErrJobTerminal):
			WriteError(w, http.StatusConflict, "Job has already settled")
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
			WriteError(w, http.StatusInternalServerError, "Failed to cancel job")
		}
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancellation accepted")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job cancellation accepted",
	})
}

// ResumeJobHandler resumes a paused job
// POST /api/jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	jobID := JobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobManager.Resume(jobID); err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			WriteError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, jobs.ErrJobNotPaused):
			WriteError(w, http.StatusConflict, "Job is not paused")
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to resume job")
			WriteError(w, http.StatusInternalServerError, "Failed to resume job")
		}
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job resumed")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job resumed",
	})
}

// Route dispatches /api/jobs and /api/jobs/{id}[/...] requests.
func (h *JobHandler) Route(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 2: // /api/jobs
		switch r.Method {
		case http.MethodPost:
			h.SubmitJobHandler(w, r)
		case http.MethodGet:
			h.ListJobsHandler(w, r)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case len(parts) == 3: // /api/jobs/{id}
		h.GetJobHandler(w, r)
	case len(parts) == 4 && parts[3] == "results":
		h.GetJobResultsHandler(w, r)
	case len(parts) == 4 && parts[3] == "cancel":
		h.CancelJobHandler(w, r)
	case len(parts) == 4 && parts[3] == "resume":
		h.ResumeJobHandler(w, r)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}
