package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	CreditTxDebit  = "debit"
	CreditTxCredit = "credit"
	CreditTxReset  = "reset"
)

// CreditAccount is a user's balance. Balance never goes below zero; it is only
// mutated through conditional updates in the credit ledger.
type CreditAccount struct {
	OwnerID           uuid.UUID  `db:"owner_id"            json:"owner_id"`
	Balance           int        `db:"balance"             json:"balance"`
	MonthlyAllowance  int        `db:"monthly_allowance"   json:"monthly_allowance"`
	ConsumedThisMonth int        `db:"consumed_this_month" json:"consumed_this_month"`
	LastResetAt       *time.Time `db:"last_reset_at"       json:"last_reset_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updated_at"`
}

// CreditTransaction is the audit row written alongside every balance change.
type CreditTransaction struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	OwnerID      uuid.UUID  `db:"owner_id"      json:"owner_id"`
	Type         string     `db:"type"          json:"type"`
	Amount       int        `db:"amount"        json:"amount"`
	BalanceAfter int        `db:"balance_after" json:"balance_after"`
	ReferenceID  *uuid.UUID `db:"reference_id"  json:"reference_id,omitempty"`
	Description  string     `db:"description"   json:"description"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}
