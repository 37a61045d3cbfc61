// Package gallery stores produced artifacts per owner, at most once per
// artifact.
package gallery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genforge/internal/store"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// ErrDuplicateSave is returned when the owner already saved the artifact.
var ErrDuplicateSave = errors.New("artifact already saved to gallery")

// ErrInvalidInput marks a SaveInput rejected before reaching the store.
var ErrInvalidInput = errors.New("invalid gallery item")

// SaveInput describes one artifact to record.
type SaveInput struct {
	OwnerID     uuid.UUID
	ArtifactRef string
	MediaType   string
	JobID       *uuid.UUID
	Metadata    json.RawMessage
}

type Recorder struct {
	store store.GalleryStore
}

func NewRecorder(s store.GalleryStore) *Recorder {
	return &Recorder{store: s}
}

// ContentIdentity is the key saves are deduplicated on.
func ContentIdentity(artifactRef string) string {
	sum := sha256.Sum256([]byte(artifactRef))
	return hex.EncodeToString(sum[:])
}

// Save records the artifact. A second save of the same artifact by the same
// owner returns ErrDuplicateSave and leaves the first row untouched.
func (r *Recorder) Save(ctx context.Context, in SaveInput) (*models.GalleryItem, error) {
	if in.ArtifactRef == "" {
		return nil, fmt.Errorf("%w: artifact_ref is required", ErrInvalidInput)
	}
	mediaType := in.MediaType
	if mediaType == "" {
		mediaType = models.MediaTypeImage
	}
	if mediaType != models.MediaTypeImage && mediaType != models.MediaTypeVideo {
		return nil, fmt.Errorf("%w: media_type must be image or video, got %q", ErrInvalidInput, mediaType)
	}

	item := &models.GalleryItem{
		ID:              uuid.New(),
		OwnerID:         in.OwnerID,
		ContentIdentity: ContentIdentity(in.ArtifactRef),
		ArtifactRef:     in.ArtifactRef,
		MediaType:       mediaType,
		JobID:           in.JobID,
		Metadata:        in.Metadata,
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.store.SaveGalleryItem(ctx, item); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, ErrDuplicateSave
		}
		if errors.Is(err, store.ErrUnknownJob) {
			return nil, fmt.Errorf("%w: job_id does not name one of your jobs", ErrInvalidInput)
		}
		return nil, fmt.Errorf("saving gallery item: %w", err)
	}
	return item, nil
}

// List returns one page of the owner's gallery and the total item count.
func (r *Recorder) List(ctx context.Context, filter store.GalleryFilter) ([]*models.GalleryItem, int, error) {
	items, total, err := r.store.ListGalleryItems(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing gallery items: %w", err)
	}
	return items, total, nil
}
