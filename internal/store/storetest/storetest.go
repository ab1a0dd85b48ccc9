// Package storetest holds the behaviour every store.Store implementation must
// share. Each backend's tests call Run with a constructor for a fresh store.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/internal/store"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the shared suite. newStore must return an empty store; it is
// called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGetAccount", func(t *testing.T) { testCreateAndGetAccount(t, newStore(t)) })
	t.Run("CreateAccountDuplicate", func(t *testing.T) { testCreateAccountDuplicate(t, newStore(t)) })
	t.Run("ApplyEvent", func(t *testing.T) { testApplyEvent(t, newStore(t)) })
	t.Run("ApplyEventDuplicateToken", func(t *testing.T) { testApplyEventDuplicateToken(t, newStore(t)) })
	t.Run("ApplyEventInsufficientBalance", func(t *testing.T) { testApplyEventInsufficient(t, newStore(t)) })
	t.Run("ApplyEventUnknownAccount", func(t *testing.T) { testApplyEventUnknownAccount(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("ListEvents", func(t *testing.T) { testListEvents(t, newStore(t)) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("TerminalJobIsFrozen", func(t *testing.T) { testTerminalJobIsFrozen(t, newStore(t)) })
	t.Run("Generations", func(t *testing.T) { testGenerations(t, newStore(t)) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signup(accountID string, bonus int64) *models.LedgerEvent {
	return &models.LedgerEvent{
		IdempotencyToken: "signup:" + accountID,
		AccountID:        accountID,
		Delta:            bonus,
		Reason:           models.ReasonSignupBonus,
		CreatedAt:        base,
	}
}

func createAccount(t *testing.T, s store.Store, id string, bonus int64) *models.Account {
	t.Helper()
	acct, err := s.CreateAccount(context.Background(), &models.Account{ID: id, Email: id + "@example.com"}, signup(id, bonus))
	require.NoError(t, err)
	return acct
}

func debit(accountID, token string, amount int64, at time.Time) *models.LedgerEvent {
	return &models.LedgerEvent{
		IdempotencyToken: token,
		AccountID:        accountID,
		Delta:            -amount,
		Reason:           models.ReasonDebit,
		Metadata:         json.RawMessage(`{"product":"video"}`),
		CreatedAt:        at,
	}
}

func testCreateAndGetAccount(t *testing.T, s store.Store) {
	ctx := context.Background()

	created := createAccount(t, s, "user-1", 5)
	assert.Equal(t, "user-1", created.ID)
	assert.Equal(t, int64(5), created.Balance)

	got, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1@example.com", got.Email)
	assert.Equal(t, int64(5), got.Balance)

	byEmail, err := s.GetAccountByEmail(ctx, "user-1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", byEmail.ID)

	ev, err := s.GetEvent(ctx, "signup:user-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonSignupBonus, ev.Reason)
	assert.Equal(t, int64(5), ev.Delta)

	_, err = s.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAccountByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateAccountDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	createAccount(t, s, "user-1", 5)

	_, err := s.CreateAccount(ctx, &models.Account{ID: "user-1"}, signup("user-1", 5))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	// Same email under a different subject.
	_, err = s.CreateAccount(ctx, &models.Account{ID: "user-2", Email: "user-1@example.com"}, signup("user-2", 5))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	// Accounts without email never collide on it.
	_, err = s.CreateAccount(ctx, &models.Account{ID: "user-3"}, signup("user-3", 0))
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, &models.Account{ID: "user-4"}, signup("user-4", 0))
	require.NoError(t, err)

	acct, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.Balance)
}

func testApplyEvent(t *testing.T, s store.Store) {
	ctx := context.Background()
	createAccount(t, s, "user-1", 5)

	balance, err := s.ApplyEvent(ctx, debit("user-1", "tok-1", 3, base.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)

	balance, err = s.ApplyEvent(ctx, &models.LedgerEvent{
		IdempotencyToken: models.RefundToken("tok-1"),
		AccountID:        "user-1",
		Delta:            3,
		Reason:           models.ReasonRefund,
		CreatedAt:        base.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	ev, err := s.GetEvent(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-3), ev.Delta)
	assert.Equal(t, models.ReasonDebit, ev.Reason)
	assert.JSONEq(t, `{"product":"video"}`, string(ev.Metadata))

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testApplyEventDuplicateToken(t *testing.T, s store.Store) {
	ctx := context.Background()
	createAccount(t, s, "user-1", 5)

	_, err := s.ApplyEvent(ctx, debit("user-1", "tok-1", 1, base.Add(time.Minute)))
	require.NoError(t, err)

	_, err = s.ApplyEvent(ctx, debit("user-1", "tok-1", 1, base.Add(2*time.Minute)))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	acct, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), acct.Balance)
}

func testApplyEventInsufficient(t *testing.T, s store.Store) {
	ctx := context.Background()
	createAccount(t, s, "user-1", 2)

	_, err := s.ApplyEvent(ctx, debit("user-1", "tok-1", 3, base.Add(time.Minute)))
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)

	acct, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), acct.Balance)

	// The rejected token left nothing behind and can be used once funds exist.
	_, err = s.GetEvent(ctx, "tok-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	balance, err := s.ApplyEvent(ctx, debit("user-1", "tok-1", 2, base.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func testApplyEventUnknownAccount(t *testing.T, s store.Store) {
	_, err := s.ApplyEvent(context.Background(), &models.LedgerEvent{
		IdempotencyToken: "grant-1",
		AccountID:        "ghost",
		Delta:            10,
		Reason:           models.ReasonPurchase,
		CreatedAt:        base,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	ctx := context.Background()
	createAccount(t, s, "user-1", 5)

	const attempts = 12
	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyEvent(ctx, debit("user-1", fmt.Sprintf("tok-%d", i), 1, base.Add(time.Duration(i)*time.Second)))
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, store.ErrInsufficientBalance):
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(attempts-5), short.Load())

	acct, err := s.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Balance)
}

func testListEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	createAccount(t, s, "user-1", 5)
	createAccount(t, s, "user-2", 5)

	for i := 1; i <= 3; i++ {
		_, err := s.ApplyEvent(ctx, debit("user-1", fmt.Sprintf("tok-%d", i), 1, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "tok-3", events[0].IdempotencyToken)
	assert.Equal(t, "signup:user-1", events[3].IdempotencyToken)
	for _, ev := range events {
		assert.Equal(t, "user-1", ev.AccountID)
	}

	limited, err := s.ListEvents(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "tok-3", limited[0].IdempotencyToken)
	assert.Equal(t, "tok-2", limited[1].IdempotencyToken)

	none, err := s.ListEvents(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func createDebitedJob(t *testing.T, s store.Store, token, state string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.ApplyEvent(ctx, debit("user-1", token, 1, base.Add(time.Minute)))
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, &models.Job{
		IdempotencyToken: token,
		JobID:            "job-" + token,
		AccountID:        "user-1",
		Product:          "video",
		Cost:             1,
		State:            state,
		CreatedAt:        base.Add(time.Minute),
		UpdatedAt:        base.Add(time.Minute),
	}))
}

func testJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	createAccount(t, s, "user-1", 5)
	createDebitedJob(t, s, "tok-1", models.JobStateQueued)

	job, err := s.GetJob(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "job-tok-1", job.JobID)
	assert.Equal(t, "video", job.Product)
	assert.Equal(t, int64(1), job.Cost)
	assert.Equal(t, models.JobStateQueued, job.State)
	assert.Nil(t, job.LastError)

	err = s.CreateJob(ctx, job)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	require.NoError(t, s.UpdateJobState(ctx, "tok-1", models.JobStateRunning, nil))
	job, err = s.GetJob(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, job.State)

	msg := "worker crashed"
	require.NoError(t, s.UpdateJobState(ctx, "tok-1", models.JobStateFailed, &msg))
	job, err = s.GetJob(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, job.State)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "worker crashed", *job.LastError)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = s.UpdateJobState(ctx, "missing", models.JobStateRunning, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTerminalJobIsFrozen(t *testing.T, s store.Store) {
	ctx := context.Background()
	createAccount(t, s, "user-1", 5)
	createDebitedJob(t, s, "tok-1", models.JobStateCancelled)

	require.NoError(t, s.UpdateJobState(ctx, "tok-1", models.JobStateSucceeded, nil))

	job, err := s.GetJob(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)
}

func testGenerations(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.RecordGeneration(ctx, &models.Generation{
		IdempotencyToken: "tok-1", AccountID: "user-1", Product: "video",
		JobID: "job-1", State: "IN_QUEUE", CreatedAt: base,
	}))
	require.NoError(t, s.RecordGeneration(ctx, &models.Generation{
		IdempotencyToken: "tok-2", AccountID: "user-1", Product: "image",
		State: "COMPLETED", CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.RecordGeneration(ctx, &models.Generation{
		IdempotencyToken: "tok-3", AccountID: "user-2", Product: "voice",
		State: "FAILED", Error: "boom", CreatedAt: base,
	}))

	// A later update without a job id keeps the one already recorded.
	require.NoError(t, s.RecordGeneration(ctx, &models.Generation{
		IdempotencyToken: "tok-1", AccountID: "user-1", Product: "video",
		State: "FAILED", Error: "worker crashed", CreatedAt: base.Add(time.Hour),
	}))

	gens, err := s.ListGenerations(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, gens, 2)
	assert.Equal(t, "tok-2", gens[0].IdempotencyToken)
	assert.Equal(t, "tok-1", gens[1].IdempotencyToken)
	assert.Equal(t, "job-1", gens[1].JobID)
	assert.Equal(t, "FAILED", gens[1].State)
	assert.Equal(t, "worker crashed", gens[1].Error)

	limited, err := s.ListGenerations(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testAPIKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      "billing-webhook",
		KeyHash:   "$2a$10$hash-one",
		KeyPrefix: "tgk_abcd",
		Scopes:    []string{"admin"},
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	dup := *key
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.CreateAPIKey(ctx, &dup), store.ErrDuplicateKey)

	keys, err := s.GetAPIKeyByPrefix(ctx, "tgk_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, []string{"admin"}, keys[0].Scopes)
	assert.Nil(t, keys[0].LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "tgk_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	none, err := s.GetAPIKeyByPrefix(ctx, "tgk_zzzz")
	require.NoError(t, err)
	assert.Empty(t, none)
}
