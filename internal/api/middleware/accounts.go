package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/ticketgate/internal/api/response"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

// AccountEnsurer resolves an identity to its ledger account, opening one on
// first sight.
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, id models.Identity) (*models.Account, error)
}

// Accounts attaches the caller's ledger account to the request context.
type Accounts struct {
	ledger AccountEnsurer
}

// NewAccounts creates a new Accounts middleware.
func NewAccounts(l AccountEnsurer) *Accounts {
	return &Accounts{ledger: l}
}

// Ensure must run after Auth.Authenticate.
func (a *Accounts) Ensure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing identity", nil)
			return
		}

		account, err := a.ledger.EnsureAccount(r.Context(), *id)
		if err != nil {
			slog.Error("failed to ensure account", "user_id", id.UserID, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to load account", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetAccountID(r.Context(), account.ID)))
	})
}
