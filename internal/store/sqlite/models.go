package sqlite

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

type accountRow struct {
	ID        string  `gorm:"primaryKey"`
	Email     *string `gorm:"uniqueIndex"`
	Balance   int64   `gorm:"not null;default:0;check:balance >= 0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (accountRow) TableName() string { return "accounts" }

func (r *accountRow) toModel() *models.Account {
	a := &models.Account{
		ID:        r.ID,
		Balance:   r.Balance,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Email != nil {
		a.Email = *r.Email
	}
	return a
}

type eventRow struct {
	IdempotencyToken string    `gorm:"primaryKey"`
	AccountID        string    `gorm:"not null;index:idx_ledger_events_account,priority:1"`
	Delta            int64     `gorm:"not null"`
	Reason           string    `gorm:"not null"`
	Metadata         string    `gorm:"not null;default:'{}'"`
	CreatedAt        time.Time `gorm:"index:idx_ledger_events_account,priority:2"`
}

func (eventRow) TableName() string { return "ledger_events" }

func newEventRow(e *models.LedgerEvent) *eventRow {
	meta := string(e.Metadata)
	if meta == "" {
		meta = "{}"
	}
	return &eventRow{
		IdempotencyToken: e.IdempotencyToken,
		AccountID:        e.AccountID,
		Delta:            e.Delta,
		Reason:           string(e.Reason),
		Metadata:         meta,
		CreatedAt:        e.CreatedAt,
	}
}

func (r *eventRow) toModel() *models.LedgerEvent {
	return &models.LedgerEvent{
		IdempotencyToken: r.IdempotencyToken,
		AccountID:        r.AccountID,
		Delta:            r.Delta,
		Reason:           models.Reason(r.Reason),
		Metadata:         json.RawMessage(r.Metadata),
		CreatedAt:        r.CreatedAt,
	}
}

type jobRow struct {
	IdempotencyToken string `gorm:"primaryKey"`
	JobID            string `gorm:"not null"`
	AccountID        string `gorm:"not null;index"`
	Product          string `gorm:"not null"`
	Cost             int64  `gorm:"not null"`
	State            string `gorm:"not null"`
	LastError        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (jobRow) TableName() string { return "jobs" }

func (r *jobRow) toModel() *models.Job {
	return &models.Job{
		IdempotencyToken: r.IdempotencyToken,
		JobID:            r.JobID,
		AccountID:        r.AccountID,
		Product:          r.Product,
		Cost:             r.Cost,
		State:            r.State,
		LastError:        r.LastError,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type generationRow struct {
	IdempotencyToken string `gorm:"primaryKey"`
	AccountID        string `gorm:"not null;index"`
	Product          string `gorm:"not null"`
	JobID            string
	State            string
	Error            string
	CreatedAt        time.Time
}

func (generationRow) TableName() string { return "generations" }

type apiKeyRow struct {
	ID         string `gorm:"primaryKey"`
	Name       string `gorm:"not null"`
	KeyHash    string `gorm:"not null;uniqueIndex"`
	KeyPrefix  string `gorm:"not null;index"`
	Scopes     string // JSON array
	LastUsedAt *time.Time
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (apiKeyRow) TableName() string { return "api_keys" }

func (r *apiKeyRow) toModel() (*models.APIKey, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	var scopes []string
	if r.Scopes != "" {
		if err := json.Unmarshal([]byte(r.Scopes), &scopes); err != nil {
			return nil, err
		}
	}
	return &models.APIKey{
		ID:         id,
		Name:       r.Name,
		KeyHash:    r.KeyHash,
		KeyPrefix:  r.KeyPrefix,
		Scopes:     scopes,
		LastUsedAt: r.LastUsedAt,
		DeletedAt:  r.DeletedAt,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}
