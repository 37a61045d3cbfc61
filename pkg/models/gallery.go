package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"
)

// GalleryItem is a saved artifact. (OwnerID, ContentIdentity) is unique, so
// saving the same artifact twice is rejected.
type GalleryItem struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	OwnerID         uuid.UUID       `db:"owner_id"         json:"owner_id"`
	ContentIdentity string          `db:"content_identity" json:"content_identity"`
	ArtifactRef     string          `db:"artifact_ref"     json:"artifact_ref"`
	MediaType       string          `db:"media_type"       json:"media_type"`
	JobID           *uuid.UUID      `db:"job_id"           json:"job_id,omitempty"`
	Metadata        json.RawMessage `db:"metadata"         json:"metadata,omitempty"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
}
