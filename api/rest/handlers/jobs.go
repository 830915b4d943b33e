package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/repository"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
)

// Sender persists signals for delivery
type Sender interface {
	Send(ctx context.Context, out ...models.Outbound) error
}

// EntityReader reads entity documents
type EntityReader interface {
	LoadEntity(ctx context.Context, addr models.Address) (*models.EntityRecord, error)
	LoadEntities(ctx context.Context, kind models.EntityKind, keys []string) ([]*models.EntityRecord, error)
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	entities EntityReader
	sender   Sender
	logger   hclog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(entities EntityReader, sender Sender, logger hclog.Logger) *JobHandler {
	return &JobHandler{
		entities: entities,
		sender:   sender,
		logger:   logger.Named("jobs-api"),
	}
}

// CreateJobRequest represents the request to transcode a media file
type CreateJobRequest struct {
	MediaURL string `json:"mediaUrl"`
}

// CreateJob handles POST /v1/jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.MediaURL = strings.TrimSpace(req.MediaURL)
	if req.MediaURL == "" {
		http.Error(w, "mediaUrl is required", http.StatusBadRequest)
		return
	}
	if _, err := url.ParseRequestURI(req.MediaURL); err != nil {
		http.Error(w, "Invalid mediaUrl: "+err.Error(), http.StatusBadRequest)
		return
	}

	jobID := uuid.NewString()
	err := h.sender.Send(r.Context(), models.Outbound{
		To:      models.Address{Kind: models.KindCoordinator, Key: jobID},
		Op:      models.OpStart,
		Payload: models.StartJob{InputURL: req.MediaURL},
	})
	if err != nil {
		h.logger.Error("failed to start job", "job_id", jobID, "error", err)
		http.Error(w, "Failed to start job", http.StatusInternalServerError)
		return
	}
	h.logger.Info("started job", "job_id", jobID)

	statusURL := "/v1/jobs/" + jobID
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", statusURL)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":        jobID,
		"status":    models.JobStateSubmitted,
		"statusUrl": statusURL,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	response := map[string]interface{}{
		"id":          job.ID,
		"status":      job.State,
		"mediaUrl":    job.InputURL,
		"submittedAt": job.SubmittedAt,
		"completedAt": job.CompletedAt,
		"attempts":    len(job.Attempts),
	}
	switch job.State {
	case models.JobStateSucceeded:
		if job.Result != nil {
			response["instanceId"] = job.Result.InstanceID
			response["artifacts"] = job.Result.Artifacts
		}
	case models.JobStateFailed:
		response["lastFailedInstance"] = job.LastFailedInstance
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetJobAttempts handles GET /v1/jobs/{id}/attempts
func (h *JobHandler) GetJobAttempts(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	records, err := h.entities.LoadEntities(r.Context(), models.KindTracker, job.TrackerIDs())
	if err != nil {
		h.logger.Error("failed to load attempts", "job_id", job.ID, "error", err)
		http.Error(w, "Failed to fetch attempts: "+err.Error(), http.StatusInternalServerError)
		return
	}
	attempts := make(map[string]*models.Attempt, len(records))
	for _, rec := range records {
		var a models.Attempt
		if err := json.Unmarshal(rec.State, &a); err != nil {
			http.Error(w, "Failed to decode attempt: "+err.Error(), http.StatusInternalServerError)
			return
		}
		attempts[rec.Key] = &a
	}

	// trackers whose start signal is still in flight are listed from the job alone
	items := make([]map[string]interface{}, 0, len(job.Attempts))
	for _, ref := range job.Attempts {
		item := map[string]interface{}{
			"trackerId":  ref.TrackerID,
			"instanceId": ref.InstanceID,
			"startedAt":  ref.StartedAt,
			"status":     models.AttemptStateSubmitted,
		}
		if ref.Outcome != "" {
			item["outcome"] = ref.Outcome
		}
		if a, ok := attempts[ref.TrackerID]; ok {
			item["status"] = a.State
			item["submittedAt"] = a.SubmittedAt
			item["completedAt"] = a.CompletedAt
			item["lastProgressAt"] = a.LastProgressAt
			item["lastUpdateAt"] = a.LastUpdateAt
			item["history"] = len(a.History)
			item["outputs"] = len(a.OutputTrackers)
			if a.FailureReason != "" {
				item["failureReason"] = a.FailureReason
			}
		}
		items = append(items, item)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": items,
	})
}

func (h *JobHandler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID := mux.Vars(r)["id"]

	rec, err := h.entities.LoadEntity(r.Context(), models.Address{Kind: models.KindCoordinator, Key: jobID})
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load job", "job_id", jobID, "error", err)
		http.Error(w, "Failed to fetch job: "+err.Error(), http.StatusInternalServerError)
		return nil, false
	}

	var job models.Job
	if err := json.Unmarshal(rec.State, &job); err != nil {
		http.Error(w, "Failed to decode job: "+err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return &job, true
}
