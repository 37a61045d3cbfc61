package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/genforge/internal/api/response"
	"github.com/kiranshivaraju/genforge/internal/credit"
	"github.com/kiranshivaraju/genforge/internal/gallery"
	"github.com/kiranshivaraju/genforge/internal/generation"
	"github.com/kiranshivaraju/genforge/internal/orchestrator"
	"github.com/kiranshivaraju/genforge/internal/store"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// writeError maps service errors onto the JSON error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *orchestrator.ValidationError
	var insufficient *credit.InsufficientCreditsError

	switch {
	case errors.As(err, &validation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", validation.Error(),
			map[string]string{"field": validation.Field})
	case errors.As(err, &insufficient):
		response.Error(w, http.StatusForbidden, "INSUFFICIENT_CREDITS", insufficient.Error(),
			map[string]int{"needed": insufficient.Needed, "available": insufficient.Available})
	case errors.Is(err, gallery.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrForbidden):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Resource belongs to another owner", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusBadRequest, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, gallery.ErrDuplicateSave):
		response.Error(w, http.StatusConflict, "DUPLICATE_SAVE", "Artifact already saved to gallery", nil)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		response.Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Server is shutting down", nil)
	case errors.Is(err, orchestrator.ErrPollTimeout), errors.Is(err, generation.ErrTransient):
		response.Error(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "The generation provider is unavailable", nil)
	case errors.Is(err, generation.ErrPermanent):
		response.Error(w, http.StatusInternalServerError, "PROVIDER_ERROR", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// failedJobStatus picks the response status for a job that finished failed
// while the client waited, from the classification of its last error.
func failedJobStatus(job *models.Job) (int, string) {
	if len(job.Errors) == 0 {
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	switch job.Errors[len(job.Errors)-1].Classification {
	case models.ClassPermanent:
		return http.StatusInternalServerError, "PROVIDER_ERROR"
	case models.ClassInsufficientCredits:
		return http.StatusForbidden, "INSUFFICIENT_CREDITS"
	default:
		return http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"
	}
}
