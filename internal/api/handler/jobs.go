package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genforge/internal/api/middleware"
	"github.com/kiranshivaraju/genforge/internal/api/response"
	"github.com/kiranshivaraju/genforge/internal/cache"
	"github.com/kiranshivaraju/genforge/internal/orchestrator"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

const maxBodyBytes = 1 << 20

// JobService is the orchestrator surface the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, ownerID uuid.UUID, req orchestrator.SubmitRequest) (*models.Job, error)
	Execute(ctx context.Context, ownerID uuid.UUID, req orchestrator.SubmitRequest) (*models.Job, error)
	Get(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error)
	Progress(ctx context.Context, ownerID, jobID uuid.UUID) (*cache.JobSnapshot, error)
	Cancel(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error)
	Retry(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error)
}

type jobResponse struct {
	ID                 uuid.UUID           `json:"id"`
	Kind               string              `json:"kind"`
	Status             string              `json:"status"`
	TotalItems         int                 `json:"total_items"`
	ProcessedItems     int                 `json:"processed_items"`
	FailedItems        int                 `json:"failed_items"`
	ProgressPercentage float64             `json:"progress_percentage"`
	CreditsCharged     int                 `json:"credits_charged"`
	Results            []models.ItemResult `json:"results"`
	Errors             []models.ItemError  `json:"errors"`
	ErrorMessage       *string             `json:"error_message,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
}

func newJobResponse(job *models.Job) jobResponse {
	results, errs := job.Results, job.Errors
	if results == nil {
		results = []models.ItemResult{}
	}
	if errs == nil {
		errs = []models.ItemError{}
	}
	return jobResponse{
		ID:                 job.ID,
		Kind:               job.Kind,
		Status:             job.Status,
		TotalItems:         job.TotalItems,
		ProcessedItems:     job.ProcessedItems,
		FailedItems:        job.FailedItems,
		ProgressPercentage: job.ProgressPercentage(),
		CreditsCharged:     job.CreditsCharged,
		Results:            results,
		Errors:             errs,
		ErrorMessage:       job.ErrorMessage,
		CreatedAt:          job.CreatedAt,
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
	}
}

type submitJobRequest struct {
	orchestrator.SubmitRequest
	Wait bool `json:"wait"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The job runs in the background and 202 is returned, unless the body sets
// "wait", in which case the aggregated job is returned once it finishes.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req submitJobRequest
		if !decodeBody(w, r, &req) {
			return
		}

		if !req.Wait {
			job, err := svc.Submit(r.Context(), ownerID, req.SubmitRequest)
			if err != nil {
				writeError(w, r, err)
				return
			}
			response.Accepted(w, newJobResponse(job))
			return
		}

		// A waiting client outlives the server's write timeout.
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			slog.Warn("clearing write deadline failed", "error", err)
		}

		job, err := svc.Execute(r.Context(), ownerID, req.SubmitRequest)
		if err != nil {
			if r.Context().Err() != nil {
				slog.Info("client stopped waiting for job", "owner_id", ownerID, "error", err)
				return
			}
			writeError(w, r, err)
			return
		}
		if job.Status == models.JobStatusFailed {
			status, code := failedJobStatus(job)
			msg := "Job failed"
			if job.ErrorMessage != nil {
				msg = *job.ErrorMessage
			}
			response.Error(w, status, code, msg, newJobResponse(job))
			return
		}
		response.JSON(w, newJobResponse(job))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{id}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := jobParams(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), ownerID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newJobResponse(job))
	}
}

type progressResponse struct {
	cache.JobSnapshot
	ProgressPercentage float64 `json:"progress_percentage"`
}

// NewJobProgressHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{id}/progress.
func NewJobProgressHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := jobParams(w, r)
		if !ok {
			return
		}
		snap, err := svc.Progress(r.Context(), ownerID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		var pct float64
		if snap.TotalItems > 0 {
			pct = float64(snap.ProcessedItems) / float64(snap.TotalItems) * 100
		}
		response.JSON(w, progressResponse{JobSnapshot: *snap, ProgressPercentage: pct})
	}
}

// NewJobActionHandler returns an http.HandlerFunc for POST /api/v1/jobs/{id}
// with body {"action": "cancel"|"retry"}.
func NewJobActionHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, jobID, ok := jobParams(w, r)
		if !ok {
			return
		}

		var req struct {
			Action string `json:"action"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		switch req.Action {
		case "cancel":
			job, err := svc.Cancel(r.Context(), ownerID, jobID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			response.JSON(w, newJobResponse(job))
		case "retry":
			job, err := svc.Retry(r.Context(), ownerID, jobID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			response.Accepted(w, newJobResponse(job))
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"action must be cancel or retry", nil)
		}
	}
}

func jobParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, jobID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}
