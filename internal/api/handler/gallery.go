package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genforge/internal/api/middleware"
	"github.com/kiranshivaraju/genforge/internal/api/response"
	"github.com/kiranshivaraju/genforge/internal/gallery"
	"github.com/kiranshivaraju/genforge/internal/store"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// GalleryService is the recorder surface the gallery handlers depend on.
type GalleryService interface {
	Save(ctx context.Context, in gallery.SaveInput) (*models.GalleryItem, error)
	List(ctx context.Context, filter store.GalleryFilter) ([]*models.GalleryItem, int, error)
}

// NewSaveGalleryHandler returns an http.HandlerFunc for POST /api/v1/gallery.
func NewSaveGalleryHandler(svc GalleryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		var req struct {
			ArtifactRef string          `json:"artifact_ref"`
			MediaType   string          `json:"media_type"`
			JobID       *uuid.UUID      `json:"job_id"`
			Metadata    json.RawMessage `json:"metadata"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		item, err := svc.Save(r.Context(), gallery.SaveInput{
			OwnerID:     ownerID,
			ArtifactRef: req.ArtifactRef,
			MediaType:   req.MediaType,
			JobID:       req.JobID,
			Metadata:    req.Metadata,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, item)
	}
}

// NewListGalleryHandler returns an http.HandlerFunc for
// GET /api/v1/gallery?page&limit&media_type.
func NewListGalleryHandler(svc GalleryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		q := r.URL.Query()
		page, err := queryInt(q.Get("page"), 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, err := queryInt(q.Get("limit"), defaultPageLimit)
		if err != nil || limit < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = min(limit, maxPageLimit)

		mediaType := q.Get("media_type")
		if mediaType != "" && mediaType != models.MediaTypeImage && mediaType != models.MediaTypeVideo {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "media_type must be image or video", nil)
			return
		}

		items, total, err := svc.List(r.Context(), store.GalleryFilter{
			OwnerID:   ownerID,
			MediaType: mediaType,
			Page:      page,
			Limit:     limit,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []*models.GalleryItem{}
		}
		response.Collection(w, items, response.NewPaginationMeta(page, limit, total))
	}
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
