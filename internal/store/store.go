package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrForbidden = errors.New("resource belongs to another owner")
var ErrInvalidTransition = errors.New("invalid job status transition")
var ErrInsufficientBalance = errors.New("insufficient balance")
var ErrIndexOutOfRange = errors.New("item index out of range")
var ErrUnknownJob = errors.New("referenced job does not exist for owner")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	APIKeyStore
	CreditStore
	JobStore
	GalleryStore
}

type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

// CreditStore mutates balances exclusively through single conditional
// statements; no method reads a balance and writes it back.
type CreditStore interface {
	GetOrCreateAccount(ctx context.Context, ownerID uuid.UUID, defaultAllowance int) (*models.CreditAccount, error)
	DebitCredits(ctx context.Context, tx *models.CreditTransaction) (int, error)
	CreditCredits(ctx context.Context, tx *models.CreditTransaction) (int, error)
	ResetMonthlyAllowances(ctx context.Context) (int64, error)
	ListCreditTransactions(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	RecordItem(ctx context.Context, jobID uuid.UUID, outcome models.ItemOutcome) (*models.JobProgress, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetTerminal(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	ResetJob(ctx context.Context, id uuid.UUID) error
}

type GalleryStore interface {
	SaveGalleryItem(ctx context.Context, item *models.GalleryItem) error
	ListGalleryItems(ctx context.Context, filter GalleryFilter) ([]*models.GalleryItem, int, error)
}

type GalleryFilter struct {
	OwnerID   uuid.UUID
	MediaType string
	Page      int
	Limit     int
}

type jobUpdateParams struct {
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// ApplyJobUpdateOptions resolves options into the error message they carry.
// Exposed for store implementations outside this package (test doubles).
func ApplyJobUpdateOptions(opts ...JobUpdateOption) (errorMessage *string) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params.ErrorMessage
}

// validTransitions lists the statuses a job may move to from each status.
// Terminal statuses only leave through ResetJob.
var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusCancelled},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

// AllowedFrom returns the statuses from which a job may enter status.
func AllowedFrom(status string) []string {
	var from []string
	for src, targets := range validTransitions {
		for _, t := range targets {
			if t == status {
				from = append(from, src)
			}
		}
	}
	return from
}
