package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	req, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal job request: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, kind, status, total_items, processed_items, failed_items,
		                   credits_charged, request, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, 0, 0, $6, $7, $8, $9)`,
		job.ID, job.OwnerID, job.Kind, job.Status, job.TotalItems, req,
		job.StartedAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob loads a job with its items ordered by index. A job owned by someone
// else yields ErrForbidden rather than ErrNotFound.
func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	var j models.Job
	var req []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, kind, status, total_items, processed_items, failed_items, credits_charged,
		        request, error_message, started_at, completed_at, created_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.OwnerID, &j.Kind, &j.Status, &j.TotalItems, &j.ProcessedItems, &j.FailedItems,
		&j.CreditsCharged, &req, &j.ErrorMessage, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if err := json.Unmarshal(req, &j.Request); err != nil {
		return nil, fmt.Errorf("unmarshal job request: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT item_index, succeeded, input_ref, output_ref, outputs, message, classification, credits_charged
		 FROM job_items WHERE job_id = $1 ORDER BY item_index`, id)
	if err != nil {
		return nil, fmt.Errorf("get job items: %w", err)
	}
	defer rows.Close()

	j.Results = []models.ItemResult{}
	j.Errors = []models.ItemError{}
	for rows.Next() {
		var (
			index, charged                int
			succeeded                     bool
			inputRef, outputRef, msg, cls string
			outputs                       []string
		)
		if err := rows.Scan(&index, &succeeded, &inputRef, &outputRef, &outputs, &msg, &cls, &charged); err != nil {
			return nil, fmt.Errorf("scan job item: %w", err)
		}
		if succeeded {
			j.Results = append(j.Results, models.ItemResult{
				Index: index, InputRef: inputRef, OutputRef: outputRef, Outputs: outputs, CreditsCharged: charged,
			})
		} else {
			j.Errors = append(j.Errors, models.ItemError{
				Index: index, InputRef: inputRef, Message: msg, Classification: cls, CreditsCharged: charged,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job items: %w", err)
	}
	return &j, nil
}

// RecordItem stores one item outcome and recomputes the job counters from the
// recorded items. Re-recording an index is a no-op, so counters never double
// count.
func (s *PostgresStore) RecordItem(ctx context.Context, jobID uuid.UUID, outcome models.ItemOutcome) (*models.JobProgress, error) {
	if (outcome.Result == nil) == (outcome.Error == nil) {
		return nil, fmt.Errorf("item outcome must carry exactly one of result or error")
	}

	var p models.JobProgress
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var total int
		err := tx.QueryRow(ctx, `SELECT total_items FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&total)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if outcome.Index < 0 || outcome.Index >= total {
			return ErrIndexOutOfRange
		}

		if r := outcome.Result; r != nil {
			outputs := r.Outputs
			if outputs == nil {
				outputs = []string{}
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO job_items (job_id, item_index, succeeded, input_ref, output_ref, outputs, credits_charged)
				 VALUES ($1, $2, TRUE, $3, $4, $5, $6)
				 ON CONFLICT (job_id, item_index) DO NOTHING`,
				jobID, outcome.Index, r.InputRef, r.OutputRef, outputs, r.CreditsCharged)
		} else {
			e := outcome.Error
			_, err = tx.Exec(ctx,
				`INSERT INTO job_items (job_id, item_index, succeeded, input_ref, message, classification, credits_charged)
				 VALUES ($1, $2, FALSE, $3, $4, $5, $6)
				 ON CONFLICT (job_id, item_index) DO NOTHING`,
				jobID, outcome.Index, e.InputRef, e.Message, e.Classification, e.CreditsCharged)
		}
		if err != nil {
			return fmt.Errorf("insert job item: %w", err)
		}

		err = tx.QueryRow(ctx,
			`UPDATE jobs SET
			   processed_items = c.processed,
			   failed_items    = c.failed,
			   credits_charged = c.charged,
			   updated_at      = NOW()
			 FROM (
			   SELECT COUNT(*)                                 AS processed,
			          COUNT(*) FILTER (WHERE NOT succeeded)    AS failed,
			          COALESCE(SUM(credits_charged), 0)        AS charged
			   FROM job_items WHERE job_id = $1
			 ) c
			 WHERE jobs.id = $1
			 RETURNING jobs.total_items, jobs.processed_items, jobs.failed_items, jobs.credits_charged`, jobID,
		).Scan(&p.TotalItems, &p.ProcessedItems, &p.FailedItems, &p.CreditsCharged)
		if err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateJobStatus moves a job to status if the transition is allowed from its
// current status. The check and the write are a single statement.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	from := AllowedFrom(status)
	if len(from) == 0 {
		return ErrInvalidTransition
	}
	errMsg := ApplyJobUpdateOptions(opts...)

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status        = $2,
		   error_message = COALESCE($3, error_message),
		   started_at    = CASE WHEN $2 = 'processing' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		   completed_at  = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
		   updated_at    = NOW()
		 WHERE id = $1 AND status = ANY($4)`, id, status, errMsg, from)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, id)
	}
	return nil
}

// SetTerminal is UpdateJobStatus restricted to terminal statuses.
func (s *PostgresStore) SetTerminal(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	if !models.IsTerminalStatus(status) {
		return fmt.Errorf("status %q is not terminal: %w", status, ErrInvalidTransition)
	}
	return s.UpdateJobStatus(ctx, id, status, opts...)
}

// ResetJob returns a terminal job to pending with its items and counters
// cleared, keeping the same id.
func (s *PostgresStore) ResetJob(ctx context.Context, id uuid.UUID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET
			   status = 'pending', processed_items = 0, failed_items = 0, credits_charged = 0,
			   error_message = NULL, started_at = NULL, completed_at = NULL, updated_at = NOW()
			 WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')`, id)
		if err != nil {
			return fmt.Errorf("reset job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrInvalid(ctx, id)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM job_items WHERE job_id = $1`, id); err != nil {
			return fmt.Errorf("clear job items: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) missingOrInvalid(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}
