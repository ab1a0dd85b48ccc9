package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Accounts ---

const accountColumns = `id, COALESCE(email, ''), balance, created_at, updated_at`

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

func (s *PostgresStore) scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account, signup *models.LedgerEvent) (*models.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin create account: %w", err)
	}
	defer tx.Rollback(ctx)

	var created models.Account
	err = tx.QueryRow(ctx,
		`INSERT INTO accounts (id, email, balance) VALUES ($1, NULLIF($2, ''), $3)
		 RETURNING `+accountColumns,
		account.ID, account.Email, signup.Delta,
	).Scan(&created.ID, &created.Email, &created.Balance, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_events (idempotency_token, account_id, delta, reason, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		signup.IdempotencyToken, created.ID, signup.Delta, string(signup.Reason),
		metadataOrEmpty(signup.Metadata), signup.CreatedAt,
	); err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert signup event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create account: %w", err)
	}
	return &created, nil
}

// --- Ledger events ---

func (s *PostgresStore) ApplyEvent(ctx context.Context, event *models.LedgerEvent) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin apply event: %w", err)
	}
	defer tx.Rollback(ctx)

	// A concurrent insert of the same token blocks here until the other
	// transaction finishes, so exactly one of them applies the delta.
	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_events (idempotency_token, account_id, delta, reason, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (idempotency_token) DO NOTHING`,
		event.IdempotencyToken, event.AccountID, event.Delta, string(event.Reason),
		metadataOrEmpty(event.Metadata), event.CreatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("insert ledger event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrDuplicateKey
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = NOW()
		 WHERE id = $1 AND balance + $2 >= 0
		 RETURNING balance`,
		event.AccountID, event.Delta,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit apply event: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, token string) (*models.LedgerEvent, error) {
	var e models.LedgerEvent
	var reason string
	err := s.pool.QueryRow(ctx,
		`SELECT idempotency_token, account_id, delta, reason, metadata, created_at
		 FROM ledger_events WHERE idempotency_token = $1`, token,
	).Scan(&e.IdempotencyToken, &e.AccountID, &e.Delta, &reason, &e.Metadata, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger event: %w", err)
	}
	e.Reason = models.Reason(reason)
	return &e, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, accountID string, limit int) ([]*models.LedgerEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idempotency_token, account_id, delta, reason, metadata, created_at
		 FROM ledger_events WHERE account_id = $1
		 ORDER BY created_at DESC LIMIT $2`, accountID, NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	defer rows.Close()

	events := []*models.LedgerEvent{}
	for rows.Next() {
		var e models.LedgerEvent
		var reason string
		if err := rows.Scan(&e.IdempotencyToken, &e.AccountID, &e.Delta, &reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		e.Reason = models.Reason(reason)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (idempotency_token, job_id, account_id, product, cost, state, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.IdempotencyToken, job.JobID, job.AccountID, job.Product, job.Cost, job.State,
		job.LastError, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, token string) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT idempotency_token, job_id, account_id, product, cost, state, last_error, created_at, updated_at
		 FROM jobs WHERE idempotency_token = $1`, token,
	).Scan(&j.IdempotencyToken, &j.JobID, &j.AccountID, &j.Product, &j.Cost, &j.State,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJobState(ctx context.Context, token string, state string, lastError *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $2, last_error = COALESCE($3, last_error), updated_at = NOW()
		 WHERE idempotency_token = $1 AND state NOT IN ('succeeded', 'failed', 'cancelled')`,
		token, state, lastError)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM jobs WHERE idempotency_token = $1)`, token,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// --- Generations ---

func (s *PostgresStore) RecordGeneration(ctx context.Context, gen *models.Generation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO generations (idempotency_token, account_id, product, job_id, state, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_token) DO UPDATE SET
		   job_id = COALESCE(NULLIF(EXCLUDED.job_id, ''), generations.job_id),
		   state = EXCLUDED.state,
		   error = EXCLUDED.error`,
		gen.IdempotencyToken, gen.AccountID, gen.Product, gen.JobID, gen.State, gen.Error, gen.CreatedAt)
	if err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGenerations(ctx context.Context, accountID string, limit int) ([]*models.Generation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idempotency_token, account_id, product, job_id, state, error, created_at
		 FROM generations WHERE account_id = $1
		 ORDER BY created_at DESC LIMIT $2`, accountID, NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	gens := []*models.Generation{}
	for rows.Next() {
		var g models.Generation
		if err := rows.Scan(&g.IdempotencyToken, &g.AccountID, &g.Product, &g.JobID, &g.State, &g.Error, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		gens = append(gens, &g)
	}
	return gens, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func metadataOrEmpty(m json.RawMessage) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	return m
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
