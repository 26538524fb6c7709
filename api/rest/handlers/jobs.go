package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"compute-broker/core/models"
	"compute-broker/core/repository"

	"github.com/gorilla/mux"
)

type JobReader interface {
	GetJob(ctx context.Context, jobKey string, index uint32) (*models.Job, error)
	ListJobs(ctx context.Context, status *models.JobStatus, limit int) ([]*models.Job, error)
}

type EventReader interface {
	GetJobEvents(ctx context.Context, jobKey string, index uint32, limit int) ([]models.StatusTransition, error)
}

type DispatchReader interface {
	ListDispatches(ctx context.Context, jobKey string, limit int) ([]models.DispatchRecord, error)
}

// JobHandler serves the local record of observed job events
type JobHandler struct {
	jobs       JobReader
	events     EventReader
	dispatches DispatchReader
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobReader, events EventReader, dispatches DispatchReader) *JobHandler {
	return &JobHandler{
		jobs:       jobs,
		events:     events,
		dispatches: dispatches,
	}
}

// ListJobs handles GET /v1/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var status *models.JobStatus
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		s := models.JobStatus(statusParam)
		status = &s
	}

	jobs, err := h.jobs.ListJobs(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		http.Error(w, "Failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		items[i] = jobItem(job)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetJob handles GET /v1/jobs/{key}/{index}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	key, index, ok := jobRef(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(r.Context(), key, index)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobItem(job))
}

// GetJobEvents handles GET /v1/jobs/{key}/{index}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	key, index, ok := jobRef(w, r)
	if !ok {
		return
	}

	if _, err := h.jobs.GetJob(r.Context(), key, index); err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	events, err := h.events.GetJobEvents(r.Context(), key, index, queryLimit(r, 100))
	if err != nil {
		http.Error(w, "Failed to fetch events: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":           event.At,
			"block_number": event.BlockNumber,
			"to_status":    event.ToStatus,
			"reason":       event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		if len(event.MetaJSON) > 0 {
			item["meta"] = event.MetaJSON
		}
		items[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// ListDispatches handles GET /v1/dispatches
func (h *JobHandler) ListDispatches(w http.ResponseWriter, r *http.Request) {
	records, err := h.dispatches.ListDispatches(r.Context(), r.URL.Query().Get("job_key"), queryLimit(r, 50))
	if err != nil {
		http.Error(w, "Failed to list dispatches: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		items[i] = map[string]interface{}{
			"id":               rec.ID,
			"job_key":          rec.JobKey,
			"index":            rec.Index,
			"block_number":     rec.BlockNumber,
			"scheduler_job_id": rec.SchedulerJobID,
			"time_limit":       rec.TimeLimit,
			"attempts":         rec.Attempts,
			"status":           rec.Status,
			"updated_at":       rec.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func jobItem(job *models.Job) map[string]interface{} {
	return map[string]interface{}{
		"job_key":      job.JobKey,
		"index":        job.Index,
		"block_number": job.BlockNumber,
		"requester":    job.Requester,
		"storage_id":   job.StorageID.String(),
		"status":       job.Status,
		"timestamps": map[string]interface{}{
			"created_at": job.CreatedAt,
			"updated_at": job.UpdatedAt,
		},
	}
}

func jobRef(w http.ResponseWriter, r *http.Request) (string, uint32, bool) {
	vars := mux.Vars(r)
	index, err := strconv.ParseUint(vars["index"], 10, 32)
	if err != nil {
		http.Error(w, "Invalid job index", http.StatusBadRequest)
		return "", 0, false
	}
	return vars["key"], uint32(index), true
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
