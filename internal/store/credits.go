package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// --- Credit Accounts ---

// GetOrCreateAccount returns the owner's account, inserting it with the
// default allowance on first access.
func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, ownerID uuid.UUID, defaultAllowance int) (*models.CreditAccount, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts (owner_id, balance, monthly_allowance, consumed_this_month, last_reset_at)
		 VALUES ($1, $2, $2, 0, NOW())
		 ON CONFLICT (owner_id) DO NOTHING`, ownerID, defaultAllowance); err != nil {
		return nil, fmt.Errorf("ensure credit account: %w", err)
	}

	var a models.CreditAccount
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, balance, monthly_allowance, consumed_this_month, last_reset_at, created_at, updated_at
		 FROM credit_accounts WHERE owner_id = $1`, ownerID,
	).Scan(&a.OwnerID, &a.Balance, &a.MonthlyAllowance, &a.ConsumedThisMonth, &a.LastResetAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	return &a, nil
}

// DebitCredits subtracts tx.Amount only when the balance covers it, in one
// conditional UPDATE, and logs the transaction in the same database
// transaction. Returns ErrInsufficientBalance without mutating anything when
// the balance is short. The account must already exist.
func (s *PostgresStore) DebitCredits(ctx context.Context, tx *models.CreditTransaction) (int, error) {
	if tx.Amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", tx.Amount)
	}

	var balance int
	err := pgx.BeginFunc(ctx, s.pool, func(dbTx pgx.Tx) error {
		err := dbTx.QueryRow(ctx,
			`UPDATE credit_accounts
			 SET balance = balance - $2, consumed_this_month = consumed_this_month + $2, updated_at = NOW()
			 WHERE owner_id = $1 AND balance >= $2
			 RETURNING balance`, tx.OwnerID, tx.Amount,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientBalance
		}
		if err != nil {
			return fmt.Errorf("debit credits: %w", err)
		}
		tx.Type = models.CreditTxDebit
		tx.BalanceAfter = balance
		return insertCreditTransaction(ctx, dbTx, tx)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// CreditCredits adds tx.Amount to the balance atomically.
func (s *PostgresStore) CreditCredits(ctx context.Context, tx *models.CreditTransaction) (int, error) {
	if tx.Amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", tx.Amount)
	}

	var balance int
	err := pgx.BeginFunc(ctx, s.pool, func(dbTx pgx.Tx) error {
		err := dbTx.QueryRow(ctx,
			`UPDATE credit_accounts SET balance = balance + $2, updated_at = NOW()
			 WHERE owner_id = $1
			 RETURNING balance`, tx.OwnerID, tx.Amount,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("credit credits: %w", err)
		}
		tx.Type = models.CreditTxCredit
		tx.BalanceAfter = balance
		return insertCreditTransaction(ctx, dbTx, tx)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ResetMonthlyAllowances restores every account's balance to its monthly
// allowance and starts a new billing period. Returns the number of accounts reset.
func (s *PostgresStore) ResetMonthlyAllowances(ctx context.Context) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, s.pool, func(dbTx pgx.Tx) error {
		tag, err := dbTx.Exec(ctx,
			`WITH reset AS (
			   UPDATE credit_accounts
			   SET balance = monthly_allowance, consumed_this_month = 0, last_reset_at = NOW(), updated_at = NOW()
			   RETURNING owner_id, balance
			 )
			 INSERT INTO credit_transactions (id, owner_id, type, amount, balance_after, description, created_at)
			 SELECT gen_random_uuid(), owner_id, 'reset', balance, balance, 'monthly allowance reset', NOW() FROM reset`)
		if err != nil {
			return fmt.Errorf("reset monthly allowances: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func (s *PostgresStore) ListCreditTransactions(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, type, amount, balance_after, reference_id, description, created_at
		 FROM credit_transactions WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Type, &t.Amount, &t.BalanceAfter,
			&t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

func insertCreditTransaction(ctx context.Context, dbTx pgx.Tx, tx *models.CreditTransaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := dbTx.Exec(ctx,
		`INSERT INTO credit_transactions (id, owner_id, type, amount, balance_after, reference_id, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.ID, tx.OwnerID, tx.Type, tx.Amount, tx.BalanceAfter, tx.ReferenceID, tx.Description, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}
