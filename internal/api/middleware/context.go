package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

type contextKey string

const (
	identityKey  contextKey = "identity"
	accountIDKey contextKey = "account_id"
	adminKeyKey  contextKey = "admin_key"
)

func SetIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func GetIdentity(r *http.Request) (*models.Identity, bool) {
	id, ok := r.Context().Value(identityKey).(*models.Identity)
	return id, ok && id != nil
}

func SetAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// GetAccountID returns the ledger account resolved for the caller.
func GetAccountID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(accountIDKey).(string)
	return id, ok && id != ""
}

func setAdminKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, adminKeyKey, key)
}

func getAdminKey(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(adminKeyKey).(*models.APIKey)
	return key, ok && key != nil
}
