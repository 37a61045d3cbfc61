package store

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/genforge/pkg/models"
)

// --- Gallery ---

// SaveGalleryItem inserts a gallery record. A second save with the same
// (owner_id, content_identity) returns ErrDuplicateKey. A job_id that is not
// one of the owner's jobs returns ErrUnknownJob.
func (s *PostgresStore) SaveGalleryItem(ctx context.Context, item *models.GalleryItem) error {
	metadata := item.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO gallery_items (id, owner_id, content_identity, artifact_ref, media_type, job_id, metadata, created_at)
		 SELECT $1::uuid, $2::uuid, $3::text, $4::text, $5::text, $6::uuid, $7::jsonb, $8::timestamptz
		 WHERE $6::uuid IS NULL
		    OR EXISTS (SELECT 1 FROM jobs WHERE id = $6::uuid AND owner_id = $2::uuid)`,
		item.ID, item.OwnerID, item.ContentIdentity, item.ArtifactRef, item.MediaType, item.JobID,
		[]byte(metadata), item.CreatedAt)
	if err != nil {
		switch {
		case isDuplicateKeyError(err):
			return ErrDuplicateKey
		case isForeignKeyError(err):
			return ErrUnknownJob
		}
		return fmt.Errorf("save gallery item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownJob
	}
	return nil
}

// ListGalleryItems returns one page of the owner's gallery, newest first, and
// the total number of matching items.
func (s *PostgresStore) ListGalleryItems(ctx context.Context, filter GalleryFilter) ([]*models.GalleryItem, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	offset := (filter.Page - 1) * filter.Limit

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM gallery_items WHERE owner_id = $1 AND ($2 = '' OR media_type = $2)`,
		filter.OwnerID, filter.MediaType,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count gallery items: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, content_identity, artifact_ref, media_type, job_id, metadata, created_at
		 FROM gallery_items WHERE owner_id = $1 AND ($2 = '' OR media_type = $2)
		 ORDER BY created_at DESC, id
		 LIMIT $3 OFFSET $4`,
		filter.OwnerID, filter.MediaType, filter.Limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list gallery items: %w", err)
	}
	defer rows.Close()

	items := []*models.GalleryItem{}
	for rows.Next() {
		var g models.GalleryItem
		var metadata []byte
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.ContentIdentity, &g.ArtifactRef, &g.MediaType,
			&g.JobID, &metadata, &g.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan gallery item: %w", err)
		}
		g.Metadata = metadata
		items = append(items, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate gallery items: %w", err)
	}
	return items, total, nil
}
