package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/services/scheduler"
)

const schedulerPrefix = "/api/scheduler/jobs/"

// JobScheduler defines the methods needed from the scheduler
type JobScheduler interface {
	GetAllJobStatuses() []*scheduler.JobStatus
	TriggerJob(name string) error
}

// SchedulerHandler handles maintenance job endpoints
type SchedulerHandler struct {
	scheduler JobScheduler
	logger    arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(scheduler JobScheduler, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// ListJobsHandler handles GET /api/scheduler/jobs
func (h *SchedulerHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.scheduler.GetAllJobStatuses())
}

// TriggerJobHandler handles POST /api/scheduler/jobs/{name}/trigger
func (h *SchedulerHandler) TriggerJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	segments := PathSegments(r, schedulerPrefix)
	if len(segments) != 2 || segments[1] != "trigger" {
		WriteError(w, http.StatusNotFound, "Unknown scheduler endpoint")
		return
	}
	name := segments[0]

	if err := h.scheduler.TriggerJob(name); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().Str("job_name", name).Msg("Job triggered manually")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"message": "Job " + name + " triggered",
	})
}
