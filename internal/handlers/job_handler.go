package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/jobs"
	"github.com/paperpilot/paperpilot/internal/models"
)

// JobHandler handles job submission and status requests
type JobHandler struct {
	store     interfaces.JobStorage
	queue     interfaces.QueueService
	reporter  *jobs.Reporter
	validate  *validator.Validate
	ttlDays   int
	maxEvents int
	logger    arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(store interfaces.JobStorage, queue interfaces.QueueService, reporter *jobs.Reporter, ttlDays, maxEvents int, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		store:     store,
		queue:     queue,
		reporter:  reporter,
		validate:  validator.New(),
		ttlDays:   ttlDays,
		maxEvents: maxEvents,
		logger:    logger,
	}
}

// CreateJobHandler handles POST /api/jobs: validate the payload, create the
// job document, hand it off to the search stage, and answer 202.
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var payload models.JobPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	payload.Query = strings.TrimSpace(payload.Query)

	if err := h.validate.Struct(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid payload: %v", err))
		return
	}

	now := common.NowISO()
	job := &models.Job{
		ID:        common.NewJobID(),
		Type:      models.JobType,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: common.ExpiresAt(h.ttlDays),
		Payload:   payload,
		Progress: models.Progress{
			Phase:     models.PhaseInit,
			StepName:  "Waiting to start...",
			UpdatedAt: now,
		},
	}
	job.JobID = job.ID
	job.JobIDAlias = job.ID
	job.AppendEvent(models.Event{
		Ts:      now,
		Type:    models.EventJobCreated,
		Message: fmt.Sprintf("Job created for query %q", payload.Query),
	}, h.maxEvents)

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.logger.Error().Err(err).Msg("Failed to create job document")
		WriteError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("query", payload.Query).
		Msg("Job created")

	// Handoff: the Queued marker commits before the message exists
	h.reporter.UpdateJobProgress(r.Context(), job.ID, jobs.ProgressUpdate{
		Status:   models.JobStatusQueued,
		Phase:    models.StageSearch,
		StepName: models.StepNameQueued,
		Detail:   "Queued search stage",
		Event: &models.Event{
			Type:    models.EventJobEnqueued,
			Phase:   models.StageSearch,
			Message: "Queued search stage",
		},
	})

	if err := h.queue.Enqueue(r.Context(), &models.StageMessage{JobID: job.ID, Stage: models.StageSearch}); err != nil {
		message := fmt.Sprintf("Failed to enqueue search stage: %v", err)
		h.reporter.AppendJobEvent(r.Context(), job.ID, models.Event{
			Type:    models.EventJobEnqueueFailed,
			Phase:   models.StageSearch,
			Message: message,
		})
		h.reporter.MarkFailed(r.Context(), job.ID, message, &models.Event{
			Type:    models.EventJobFailed,
			Phase:   models.PhaseError,
			Message: message,
		})
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": models.JobStatusQueued,
	})
}

// GetJobHandler handles GET /api/jobs/{id}, returning the full document
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err == interfaces.ErrJobNotFound {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ListJobsHandler handles GET /api/jobs, newest first
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := LimitParam(r, 20, 100)
	list, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}
