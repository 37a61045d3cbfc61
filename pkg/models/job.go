package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job kinds accepted by the orchestrator.
const (
	KindGenerate        = "generate"
	KindEdit            = "edit"
	KindSequentialEdit  = "sequential-edit"
	KindBatchEdit       = "batch-edit"
	KindStyleVariations = "style-variations"
	KindVideo           = "video"
)

// Error classifications recorded on ItemError.
const (
	ClassTransient           = "transient"
	ClassPermanent           = "permanent"
	ClassTimeout             = "timeout"
	ClassInsufficientCredits = "insufficient_credits"
)

// IsTerminalStatus reports whether no further status transition is expected
// without an explicit retry.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one submitted generation request, single-item or batch. Clients poll
// GET /api/v1/jobs/{id} and observe processed_items growing one item at a time.
type Job struct {
	ID             uuid.UUID         `db:"id"              json:"id"`
	OwnerID        uuid.UUID         `db:"owner_id"        json:"owner_id"`
	Kind           string            `db:"kind"            json:"kind"`
	Status         string            `db:"status"          json:"status"`
	TotalItems     int               `db:"total_items"     json:"total_items"`
	ProcessedItems int               `db:"processed_items" json:"processed_items"`
	FailedItems    int               `db:"failed_items"    json:"failed_items"`
	CreditsCharged int               `db:"credits_charged" json:"credits_charged"`
	Request        GenerationRequest `db:"request"         json:"request"`
	Results        []ItemResult      `db:"-"               json:"results"`
	Errors         []ItemError       `db:"-"               json:"errors"`
	ErrorMessage   *string           `db:"error_message"   json:"error_message,omitempty"`
	StartedAt      *time.Time        `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt    *time.Time        `db:"completed_at"    json:"completed_at,omitempty"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"      json:"updated_at"`
}

// ProgressPercentage is derived from the counters, never stored.
func (j *Job) ProgressPercentage() float64 {
	if j.TotalItems == 0 {
		return 0
	}
	return float64(j.ProcessedItems) / float64(j.TotalItems) * 100
}

// SucceededItems is the number of items that produced output.
func (j *Job) SucceededItems() int {
	return j.ProcessedItems - j.FailedItems
}

// ItemResult is a successfully produced item. Index is the item's position in
// the submitted batch and is stable for the job's lifetime.
type ItemResult struct {
	Index          int      `json:"index"`
	InputRef       string   `json:"input_ref,omitempty"`
	OutputRef      string   `json:"output_ref"`
	Outputs        []string `json:"outputs,omitempty"`
	CreditsCharged int      `json:"credits_charged"`
}

// ItemError is a failed item. Classification is one of the Class* constants.
type ItemError struct {
	Index          int    `json:"index"`
	InputRef       string `json:"input_ref,omitempty"`
	Message        string `json:"message"`
	Classification string `json:"classification"`
	CreditsCharged int    `json:"credits_charged"`
}

// ItemOutcome is what the orchestrator records for a single index. Exactly one
// of Result and Error is set.
type ItemOutcome struct {
	Index  int
	Result *ItemResult
	Error  *ItemError
}

// JobProgress is the counter snapshot returned after recording an item.
type JobProgress struct {
	TotalItems     int
	ProcessedItems int
	FailedItems    int
	CreditsCharged int
}
