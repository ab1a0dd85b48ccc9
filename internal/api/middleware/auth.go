package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/internal/api/response"
	"github.com/kiranshivaraju/ticketgate/internal/identity"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefixLen    = 8
	lastUsedTimeout = 5 * time.Second
	scopeAdmin      = "admin"
)

// Auth authenticates end users from the identity provider's bearer token.
type Auth struct {
	verifier identity.Verifier
}

// NewAuth creates a new Auth middleware.
func NewAuth(v identity.Verifier) *Auth {
	return &Auth{verifier: v}
}

// Authenticate verifies the Bearer token and stores the resulting identity in
// the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		id, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			if !errors.Is(err, identity.ErrInvalidToken) {
				slog.Warn("token verification failed", "error", err)
			}
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid or expired token", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), id)))
	})
}

// APIKeyStore is the subset of the store used for admin key lookups.
type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// AdminAuth authenticates administrative callers by API key.
type AdminAuth struct {
	store APIKeyStore
}

// NewAdminAuth creates a new AdminAuth middleware.
func NewAdminAuth(s APIKeyStore) *AdminAuth {
	return &AdminAuth{store: s}
}

// Authenticate validates the Bearer API key, looks it up by prefix, and puts
// the matching key in the request context.
func (a *AdminAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]

		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
				continue
			}
			go a.touch(key.ID)

			next.ServeHTTP(w, r.WithContext(setAdminKey(r.Context(), key)))
			return
		}

		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key", nil)
	})
}

func (a *AdminAuth) touch(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), lastUsedTimeout)
	defer cancel()
	if err := a.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		slog.Warn("failed to update api key last_used_at", "key_id", id, "error", err)
	}
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *AdminAuth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key, ok := getAdminKey(r); ok && key.HasScope(scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

// RequireAdmin is RequireScope for the admin scope.
func (a *AdminAuth) RequireAdmin() func(http.Handler) http.Handler {
	return a.RequireScope(scopeAdmin)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
