// Package identity verifies bearer tokens issued by the identity provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

// ErrInvalidToken is returned for any token that cannot be trusted.
var ErrInvalidToken = errors.New("invalid token")

// Verifier exchanges a bearer token for a verified identity.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (*models.Identity, error)
}

type claims struct {
	Email       string `json:"email"`
	AppMetadata struct {
		Provider string `json:"provider"`
	} `json:"app_metadata"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 access tokens signed with a shared secret, as
// issued by Supabase-style auth servers.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. Empty issuer or audience disables that check.
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTVerifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (v *JWTVerifier) Verify(_ context.Context, bearer string) (*models.Identity, error) {
	if strings.TrimSpace(bearer) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var c claims
	tok, err := v.parser.ParseWithClaims(bearer, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	return &models.Identity{
		UserID:   c.Subject,
		Email:    strings.ToLower(strings.TrimSpace(c.Email)),
		Provider: c.AppMetadata.Provider,
	}, nil
}

var _ Verifier = (*JWTVerifier)(nil)
