// Package sqlite implements the ledger store on SQLite through gorm, for
// single-node deployments that do not run Postgres.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/internal/store"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var terminalStates = []string{models.JobStateSucceeded, models.JobStateFailed, models.JobStateCancelled}

// Store implements store.Store on a gorm SQLite connection.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
// SQLite allows one writer at a time, so the pool is limited to a single
// connection and transactions queue instead of failing with SQLITE_BUSY.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&accountRow{}, &eventRow{}, &jobRow{}, &generationRow{}, &apiKeyRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Accounts ---

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "get account")
	}
	return row.toModel(), nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).First(&row, "email = ?", email).Error; err != nil {
		return nil, notFoundOr(err, "get account by email")
	}
	return row.toModel(), nil
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account, signup *models.LedgerEvent) (*models.Account, error) {
	now := time.Now().UTC()
	row := accountRow{
		ID:        account.ID,
		Balance:   signup.Delta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if account.Email != "" {
		email := account.Email
		row.Email = &email
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		ev := newEventRow(signup)
		ev.AccountID = row.ID
		return tx.Create(ev).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateKey
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return row.toModel(), nil
}

// --- Ledger events ---

func (s *Store) ApplyEvent(ctx context.Context, event *models.LedgerEvent) (int64, error) {
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(newEventRow(event)).Error; err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateKey
			}
			return err
		}

		res := tx.Model(&accountRow{}).
			Where("id = ? AND balance + ? >= 0", event.AccountID, event.Delta).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", event.Delta),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&accountRow{}).Where("id = ?", event.AccountID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return store.ErrNotFound
			}
			return store.ErrInsufficientBalance
		}

		var acct accountRow
		if err := tx.First(&acct, "id = ?", event.AccountID).Error; err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	if err != nil {
		if isStoreError(err) {
			return 0, err
		}
		return 0, fmt.Errorf("apply event: %w", err)
	}
	return balance, nil
}

func (s *Store) GetEvent(ctx context.Context, token string) (*models.LedgerEvent, error) {
	var row eventRow
	if err := s.db.WithContext(ctx).First(&row, "idempotency_token = ?", token).Error; err != nil {
		return nil, notFoundOr(err, "get ledger event")
	}
	return row.toModel(), nil
}

func (s *Store) ListEvents(ctx context.Context, accountID string, limit int) ([]*models.LedgerEvent, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(store.NormalizeLimit(limit)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	events := make([]*models.LedgerEvent, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toModel())
	}
	return events, nil
}

// --- Jobs ---

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	row := jobRow{
		IdempotencyToken: job.IdempotencyToken,
		JobID:            job.JobID,
		AccountID:        job.AccountID,
		Product:          job.Product,
		Cost:             job.Cost,
		State:            job.State,
		LastError:        job.LastError,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, token string) (*models.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "idempotency_token = ?", token).Error; err != nil {
		return nil, notFoundOr(err, "get job")
	}
	return row.toModel(), nil
}

func (s *Store) UpdateJobState(ctx context.Context, token string, state string, lastError *string) error {
	updates := map[string]any{
		"state":      state,
		"updated_at": time.Now().UTC(),
	}
	if lastError != nil {
		updates["last_error"] = *lastError
	}

	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("idempotency_token = ? AND state NOT IN ?", token, terminalStates).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update job state: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Where("idempotency_token = ?", token).Count(&count).Error; err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if count == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Generations ---

func (s *Store) RecordGeneration(ctx context.Context, gen *models.Generation) error {
	columns := []string{"state", "error"}
	if gen.JobID != "" {
		columns = append(columns, "job_id")
	}
	row := generationRow{
		IdempotencyToken: gen.IdempotencyToken,
		AccountID:        gen.AccountID,
		Product:          gen.Product,
		JobID:            gen.JobID,
		State:            gen.State,
		Error:            gen.Error,
		CreatedAt:        gen.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_token"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

func (s *Store) ListGenerations(ctx context.Context, accountID string, limit int) ([]*models.Generation, error) {
	var rows []generationRow
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(store.NormalizeLimit(limit)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	gens := make([]*models.Generation, 0, len(rows))
	for _, r := range rows {
		gens = append(gens, &models.Generation{
			IdempotencyToken: r.IdempotencyToken,
			AccountID:        r.AccountID,
			Product:          r.Product,
			JobID:            r.JobID,
			State:            r.State,
			Error:            r.Error,
			CreatedAt:        r.CreatedAt,
		})
	}
	return gens, nil
}

// --- API keys ---

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.WithContext(ctx).
		Where("key_prefix = ? AND deleted_at IS NULL", prefix).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	var keys []*models.APIKey
	for i := range rows {
		k, err := rows[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("decode api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&apiKeyRow{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{"last_used_at": now, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	row := apiKeyRow{
		ID:        key.ID.String(),
		Name:      key.Name,
		KeyHash:   key.KeyHash,
		KeyPrefix: key.KeyPrefix,
		Scopes:    string(scopes),
		CreatedAt: key.CreatedAt,
		UpdatedAt: key.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func notFoundOr(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation matches both the translated gorm error and the raw driver
// message, since not every statement path goes through the translator.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, store.ErrDuplicateKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isStoreError(err error) bool {
	return errors.Is(err, store.ErrDuplicateKey) ||
		errors.Is(err, store.ErrInsufficientBalance) ||
		errors.Is(err, store.ErrNotFound)
}

var _ store.Store = (*Store)(nil)
