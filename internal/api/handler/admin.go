package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/ticketgate/internal/api/response"
	"github.com/kiranshivaraju/ticketgate/internal/ledger"
)

// Granter credits purchased tickets to an account.
type Granter interface {
	Grant(ctx context.Context, accountID, token string, amount int64, meta ledger.Metadata) (ledger.DebitResult, error)
}

type grantRequest struct {
	AccountID        string `json:"account_id"`
	Amount           int64  `json:"amount"`
	IdempotencyToken string `json:"idempotency_token"`
	Note             string `json:"note"`
}

// NewGrantHandler returns an http.HandlerFunc for POST /api/admin/grants.
// Replaying a grant with the same idempotency_token answers 200 with the
// current balance instead of 201.
func NewGrantHandler(g Granter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req grantRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		details := map[string]string{}
		if strings.TrimSpace(req.AccountID) == "" {
			details["account_id"] = "account_id is required"
		}
		if strings.TrimSpace(req.IdempotencyToken) == "" {
			details["idempotency_token"] = "idempotency_token is required"
		}
		if req.Amount <= 0 {
			details["amount"] = "amount must be positive"
		}
		if len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid grant", details)
			return
		}

		meta := ledger.Metadata{"source": "admin"}
		if req.Note != "" {
			meta["note"] = req.Note
		}

		res, err := g.Grant(r.Context(), req.AccountID, req.IdempotencyToken, req.Amount, meta)
		if err != nil {
			writeError(w, r, err)
			return
		}

		body := map[string]any{
			"account_id":      req.AccountID,
			"tickets":         res.BalanceAfter,
			"already_applied": res.AlreadyApplied,
		}
		if res.AlreadyApplied {
			response.JSON(w, body)
			return
		}
		response.Created(w, body)
	}
}
