package orchestrator_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genforge/internal/store"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// memStore implements store.JobStore and store.CreditStore in memory with the
// same conditional semantics as the Postgres store.
type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	items    map[uuid.UUID]map[int]models.ItemOutcome
	accounts map[uuid.UUID]*models.CreditAccount

	// afterRecord runs on the recording goroutine once the store lock is
	// released.
	afterRecord func(jobID uuid.UUID, index int, progress models.JobProgress)
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[uuid.UUID]*models.Job),
		items:    make(map[uuid.UUID]map[int]models.ItemOutcome),
		accounts: make(map[uuid.UUID]*models.CreditAccount),
	}
}

func (m *memStore) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memStore) balance(owner uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[owner]; ok {
		return acct.Balance
	}
	return -1
}

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *job
	cp.Results, cp.Errors = nil, nil
	m.jobs[job.ID] = &cp
	m.items[job.ID] = make(map[int]models.ItemOutcome)
	return nil
}

func (m *memStore) GetJob(_ context.Context, id, ownerID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.OwnerID != ownerID {
		return nil, store.ErrForbidden
	}
	cp := *job
	cp.Results = []models.ItemResult{}
	cp.Errors = []models.ItemError{}

	indexes := make([]int, 0, len(m.items[id]))
	for idx := range m.items[id] {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		o := m.items[id][idx]
		if o.Result != nil {
			cp.Results = append(cp.Results, *o.Result)
		} else {
			cp.Errors = append(cp.Errors, *o.Error)
		}
	}
	return &cp, nil
}

func (m *memStore) RecordItem(_ context.Context, jobID uuid.UUID, outcome models.ItemOutcome) (*models.JobProgress, error) {
	if (outcome.Result == nil) == (outcome.Error == nil) {
		return nil, fmt.Errorf("exactly one of result and error must be set")
	}

	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, store.ErrNotFound
	}
	if outcome.Index < 0 || outcome.Index >= job.TotalItems {
		m.mu.Unlock()
		return nil, store.ErrIndexOutOfRange
	}
	if _, exists := m.items[jobID][outcome.Index]; !exists {
		m.items[jobID][outcome.Index] = outcome
	}

	processed, failed, charged := 0, 0, 0
	for _, o := range m.items[jobID] {
		processed++
		if o.Result != nil {
			charged += o.Result.CreditsCharged
		} else {
			failed++
			charged += o.Error.CreditsCharged
		}
	}
	job.ProcessedItems, job.FailedItems, job.CreditsCharged = processed, failed, charged
	job.UpdatedAt = time.Now().UTC()
	progress := models.JobProgress{
		TotalItems:     job.TotalItems,
		ProcessedItems: processed,
		FailedItems:    failed,
		CreditsCharged: charged,
	}
	hook := m.afterRecord
	m.mu.Unlock()

	if hook != nil {
		hook(jobID, outcome.Index, progress)
	}
	return &progress, nil
}

func (m *memStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	allowed := false
	for _, from := range store.AllowedFrom(status) {
		if job.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return store.ErrInvalidTransition
	}

	now := time.Now().UTC()
	job.Status = status
	job.UpdatedAt = now
	if msg := store.ApplyJobUpdateOptions(opts...); msg != nil {
		job.ErrorMessage = msg
	}
	if status == models.JobStatusProcessing {
		job.StartedAt = &now
	}
	if models.IsTerminalStatus(status) {
		job.CompletedAt = &now
	}
	return nil
}

func (m *memStore) SetTerminal(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	if !models.IsTerminalStatus(status) {
		return fmt.Errorf("%q is not terminal: %w", status, store.ErrInvalidTransition)
	}
	return m.UpdateJobStatus(ctx, id, status, opts...)
}

func (m *memStore) ResetJob(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !models.IsTerminalStatus(job.Status) {
		return store.ErrInvalidTransition
	}
	job.Status = models.JobStatusPending
	job.ProcessedItems, job.FailedItems, job.CreditsCharged = 0, 0, 0
	job.StartedAt, job.CompletedAt, job.ErrorMessage = nil, nil, nil
	m.items[id] = make(map[int]models.ItemOutcome)
	return nil
}

func (m *memStore) GetOrCreateAccount(_ context.Context, ownerID uuid.UUID, allowance int) (*models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[ownerID]
	if !ok {
		acct = &models.CreditAccount{OwnerID: ownerID, Balance: allowance, MonthlyAllowance: allowance}
		m.accounts[ownerID] = acct
	}
	cp := *acct
	return &cp, nil
}

func (m *memStore) DebitCredits(_ context.Context, tx *models.CreditTransaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[tx.OwnerID]
	if !ok || acct.Balance < tx.Amount {
		return 0, store.ErrInsufficientBalance
	}
	acct.Balance -= tx.Amount
	acct.ConsumedThisMonth += tx.Amount
	return acct.Balance, nil
}

func (m *memStore) CreditCredits(_ context.Context, tx *models.CreditTransaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[tx.OwnerID]
	if !ok {
		return 0, store.ErrNotFound
	}
	acct.Balance += tx.Amount
	return acct.Balance, nil
}

func (m *memStore) ResetMonthlyAllowances(_ context.Context) (int64, error) {
	return 0, nil
}

func (m *memStore) ListCreditTransactions(_ context.Context, _ uuid.UUID, _ int) ([]*models.CreditTransaction, error) {
	return nil, nil
}

var (
	_ store.JobStore    = (*memStore)(nil)
	_ store.CreditStore = (*memStore)(nil)
)
