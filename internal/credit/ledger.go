// Package credit owns per-owner credit balances: prechecks, atomic debits
// and credits, pricing, and the monthly allowance reset.
package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genforge/internal/store"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// InsufficientCreditsError is returned when a balance cannot cover an amount.
// Reason names the work being priced, e.g. "3 images".
type InsufficientCreditsError struct {
	Needed    int
	Available int
	Reason    string
}

func (e *InsufficientCreditsError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("need %d credits, have %d", e.Needed, e.Available)
	}
	return fmt.Sprintf("need %d credits for %s, have %d", e.Needed, e.Reason, e.Available)
}

// IsInsufficient reports whether err is an InsufficientCreditsError.
func IsInsufficient(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}

// Ledger mediates every balance mutation. It never holds a lock across calls;
// concurrency safety comes from the store's conditional updates.
type Ledger struct {
	store            store.CreditStore
	defaultAllowance int
}

func NewLedger(s store.CreditStore, defaultAllowance int) *Ledger {
	return &Ledger{store: s, defaultAllowance: defaultAllowance}
}

// Balance returns the owner's account, creating it on first access.
func (l *Ledger) Balance(ctx context.Context, ownerID uuid.UUID) (*models.CreditAccount, error) {
	acct, err := l.store.GetOrCreateAccount(ctx, ownerID, l.defaultAllowance)
	if err != nil {
		return nil, fmt.Errorf("loading credit account: %w", err)
	}
	return acct, nil
}

// Precheck reports whether the balance currently covers amount. It reserves
// nothing; a later Debit can still fail.
func (l *Ledger) Precheck(ctx context.Context, ownerID uuid.UUID, amount int) (bool, int, error) {
	acct, err := l.Balance(ctx, ownerID)
	if err != nil {
		return false, 0, err
	}
	return acct.Balance >= amount, acct.Balance, nil
}

// Debit subtracts amount if and only if the balance covers it. On shortfall
// the balance is unchanged and an *InsufficientCreditsError is returned.
func (l *Ledger) Debit(ctx context.Context, ownerID uuid.UUID, amount int, ref *uuid.UUID, description string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must not be negative, got %d", amount)
	}
	acct, err := l.Balance(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return acct.Balance, nil
	}

	balance, err := l.store.DebitCredits(ctx, &models.CreditTransaction{
		OwnerID:     ownerID,
		Amount:      amount,
		ReferenceID: ref,
		Description: description,
	})
	if errors.Is(err, store.ErrInsufficientBalance) {
		available := acct.Balance
		if current, err := l.Balance(ctx, ownerID); err == nil {
			available = current.Balance
		}
		return 0, &InsufficientCreditsError{Needed: amount, Available: available, Reason: description}
	}
	if err != nil {
		return 0, fmt.Errorf("debiting credits: %w", err)
	}
	return balance, nil
}

// Credit adds amount to the balance, for refunds and grants.
func (l *Ledger) Credit(ctx context.Context, ownerID uuid.UUID, amount int, ref *uuid.UUID, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if _, err := l.Balance(ctx, ownerID); err != nil {
		return 0, err
	}
	balance, err := l.store.CreditCredits(ctx, &models.CreditTransaction{
		OwnerID:     ownerID,
		Amount:      amount,
		ReferenceID: ref,
		Description: description,
	})
	if err != nil {
		return 0, fmt.Errorf("crediting credits: %w", err)
	}
	return balance, nil
}

// ResetMonthly restores every account to its monthly allowance.
func (l *Ledger) ResetMonthly(ctx context.Context) (int64, error) {
	n, err := l.store.ResetMonthlyAllowances(ctx)
	if err != nil {
		return 0, fmt.Errorf("resetting monthly allowances: %w", err)
	}
	return n, nil
}

// Transactions lists the owner's most recent ledger entries.
func (l *Ledger) Transactions(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	return l.store.ListCreditTransactions(ctx, ownerID, limit)
}
