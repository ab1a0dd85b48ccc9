package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

var (
	ErrNotFound            = errors.New("resource not found")
	ErrDuplicateKey        = errors.New("duplicate key violation")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store is the ledger data access interface. All database operations go through here.
// Balance changes only happen through CreateAccount and ApplyEvent, each of which is
// a single atomic operation in every implementation.
type Store interface {
	Ping(ctx context.Context) error

	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	// CreateAccount inserts the account with the signup event's delta as its opening
	// balance, together with the event. ErrDuplicateKey if the id, email or token exists.
	CreateAccount(ctx context.Context, account *models.Account, signup *models.LedgerEvent) (*models.Account, error)

	// ApplyEvent appends the event and adds its delta to the account balance, provided
	// the resulting balance is not negative. It returns the balance after the change.
	// ErrDuplicateKey means the token was already used and nothing changed;
	// ErrInsufficientBalance means the condition failed and nothing changed.
	ApplyEvent(ctx context.Context, event *models.LedgerEvent) (int64, error)
	GetEvent(ctx context.Context, token string) (*models.LedgerEvent, error)
	ListEvents(ctx context.Context, accountID string, limit int) ([]*models.LedgerEvent, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, token string) (*models.Job, error)
	// UpdateJobState records the last observed state. Terminal jobs are left untouched.
	UpdateJobState(ctx context.Context, token string, state string, lastError *string) error

	RecordGeneration(ctx context.Context, gen *models.Generation) error
	ListGenerations(ctx context.Context, accountID string, limit int) ([]*models.Generation, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// NormalizeLimit clamps a list limit into the supported range.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
