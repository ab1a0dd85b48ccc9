// Package memory provides an in-process Store used by tests and ephemeral runs.
// A single mutex serializes every operation, which gives the same atomicity the
// SQL stores get from transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/internal/store"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

type Store struct {
	mu sync.Mutex

	accounts    map[string]*models.Account
	emailIndex  map[string]string
	events      map[string]*models.LedgerEvent
	eventOrder  []string
	jobs        map[string]*models.Job
	generations map[string]*models.Generation
	apiKeys     map[uuid.UUID]*models.APIKey
}

func New() *Store {
	return &Store{
		accounts:    make(map[string]*models.Account),
		emailIndex:  make(map[string]string),
		events:      make(map[string]*models.LedgerEvent),
		jobs:        make(map[string]*models.Job),
		generations: make(map[string]*models.Generation),
		apiKeys:     make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *Store) Ping(_ context.Context) error { return nil }

// Accounts

func (s *Store) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.emailIndex[email]
	if !ok || email == "" {
		return nil, store.ErrNotFound
	}
	cp := *s.accounts[id]
	return &cp, nil
}

func (s *Store) CreateAccount(_ context.Context, account *models.Account, signup *models.LedgerEvent) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return nil, store.ErrDuplicateKey
	}
	if account.Email != "" {
		if _, exists := s.emailIndex[account.Email]; exists {
			return nil, store.ErrDuplicateKey
		}
	}
	if _, exists := s.events[signup.IdempotencyToken]; exists {
		return nil, store.ErrDuplicateKey
	}

	now := time.Now().UTC()
	created := &models.Account{
		ID:        account.ID,
		Email:     account.Email,
		Balance:   signup.Delta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[created.ID] = created
	if created.Email != "" {
		s.emailIndex[created.Email] = created.ID
	}
	ev := *signup
	ev.AccountID = created.ID
	s.appendEvent(&ev)

	cp := *created
	return &cp, nil
}

// Ledger events

func (s *Store) ApplyEvent(_ context.Context, event *models.LedgerEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.IdempotencyToken]; exists {
		return 0, store.ErrDuplicateKey
	}
	acct, ok := s.accounts[event.AccountID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if acct.Balance+event.Delta < 0 {
		return 0, store.ErrInsufficientBalance
	}

	acct.Balance += event.Delta
	acct.UpdatedAt = time.Now().UTC()
	ev := *event
	s.appendEvent(&ev)
	return acct.Balance, nil
}

func (s *Store) appendEvent(ev *models.LedgerEvent) {
	s.events[ev.IdempotencyToken] = ev
	s.eventOrder = append(s.eventOrder, ev.IdempotencyToken)
}

func (s *Store) GetEvent(_ context.Context, token string) (*models.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *Store) ListEvents(_ context.Context, accountID string, limit int) ([]*models.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit = store.NormalizeLimit(limit)
	result := []*models.LedgerEvent{}
	for i := len(s.eventOrder) - 1; i >= 0 && len(result) < limit; i-- {
		ev := s.events[s.eventOrder[i]]
		if ev.AccountID == accountID {
			cp := *ev
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Jobs

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.IdempotencyToken]; exists {
		return store.ErrDuplicateKey
	}
	cp := *job
	s.jobs[job.IdempotencyToken] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, token string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) UpdateJobState(_ context.Context, token string, state string, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[token]
	if !ok {
		return store.ErrNotFound
	}
	if j.IsTerminal() {
		return nil
	}
	j.State = state
	if lastError != nil {
		msg := *lastError
		j.LastError = &msg
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Generations

func (s *Store) RecordGeneration(_ context.Context, gen *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.generations[gen.IdempotencyToken]; ok {
		if gen.JobID != "" {
			existing.JobID = gen.JobID
		}
		existing.State = gen.State
		existing.Error = gen.Error
		return nil
	}
	cp := *gen
	s.generations[gen.IdempotencyToken] = &cp
	return nil
}

func (s *Store) ListGenerations(_ context.Context, accountID string, limit int) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*models.Generation{}
	for _, g := range s.generations {
		if g.AccountID == accountID {
			cp := *g
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit = store.NormalizeLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// API keys

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	return keys, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.apiKeys {
		if k.KeyHash == key.KeyHash {
			return store.ErrDuplicateKey
		}
	}
	if _, exists := s.apiKeys[key.ID]; exists {
		return store.ErrDuplicateKey
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

var _ store.Store = (*Store)(nil)
