package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genforge/internal/api/middleware"
	"github.com/kiranshivaraju/genforge/internal/api/response"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

const recentTransactions = 20

// CreditService is the ledger surface the credit handlers depend on.
type CreditService interface {
	Balance(ctx context.Context, ownerID uuid.UUID) (*models.CreditAccount, error)
	Credit(ctx context.Context, ownerID uuid.UUID, amount int, ref *uuid.UUID, description string) (int, error)
	Transactions(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

type creditsResponse struct {
	*models.CreditAccount
	Transactions []*models.CreditTransaction `json:"transactions"`
}

// NewCreditsHandler returns an http.HandlerFunc for GET /api/v1/credits.
func NewCreditsHandler(svc CreditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		acct, err := svc.Balance(r.Context(), ownerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		txs, err := svc.Transactions(r.Context(), ownerID, recentTransactions)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if txs == nil {
			txs = []*models.CreditTransaction{}
		}
		response.JSON(w, creditsResponse{CreditAccount: acct, Transactions: txs})
	}
}

// NewGrantCreditsHandler returns an http.HandlerFunc for
// POST /api/v1/admin/credits.
func NewGrantCreditsHandler(svc CreditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID uuid.UUID `json:"owner_id"`
			Amount  int       `json:"amount"`
			Reason  string    `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.OwnerID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "owner_id is required",
				map[string]string{"field": "owner_id"})
			return
		}
		if req.Amount <= 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "amount must be positive",
				map[string]string{"field": "amount"})
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "admin grant"
		}

		balance, err := svc.Credit(r.Context(), req.OwnerID, req.Amount, nil, reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{
			"owner_id": req.OwnerID,
			"balance":  balance,
		})
	}
}
