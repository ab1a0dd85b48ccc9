// Package ledger is the only code allowed to change ticket balances.
//
// Every balance change is a token-keyed event appended through a single atomic
// store operation. A repeated token never applies twice: debits and grants
// report AlreadyApplied, refunds report SkipAlreadyRefunded.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/internal/metrics"
	"github.com/kiranshivaraju/ticketgate/internal/store"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

// SkipReason explains why a refund changed nothing.
type SkipReason string

const (
	SkipNoMatchingCharge SkipReason = "no_matching_charge"
	SkipAlreadyRefunded  SkipReason = "already_refunded"
)

// Metadata is free-form context stored with an event (job id, product, failure cause).
type Metadata map[string]any

// DebitResult is the outcome of a debit or grant.
type DebitResult struct {
	BalanceAfter   int64
	AlreadyApplied bool
}

// RefundResult is the outcome of a refund. Exactly one of Refunded or Skipped is set.
type RefundResult struct {
	Refunded     bool
	Amount       int64
	Skipped      SkipReason
	BalanceAfter int64
}

// Ledger implements the credit ledger on top of a store.Store.
type Ledger struct {
	store       store.Store
	signupBonus int64
	now         func() time.Time
}

// New creates a Ledger granting signupBonus tickets to each new account.
func New(st store.Store, signupBonus int64) *Ledger {
	return &Ledger{
		store:       st,
		signupBonus: signupBonus,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnsureAccount returns the account for a verified identity, creating it with the
// signup bonus on first sight. Identities are matched by subject, then by verified
// email. When two requests race to create the same account, the loser re-reads the
// winner's row; the bonus is granted once.
func (l *Ledger) EnsureAccount(ctx context.Context, id models.Identity) (*models.Account, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("%w: identity has no subject", ErrInvalidRequest)
	}

	acct, err := l.findAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storageErr("find account", err)
	}

	meta, _ := json.Marshal(Metadata{"provider": id.Provider})
	signup := &models.LedgerEvent{
		IdempotencyToken: uuid.NewString(),
		AccountID:        id.UserID,
		Delta:            l.signupBonus,
		Reason:           models.ReasonSignupBonus,
		Metadata:         meta,
		CreatedAt:        l.now(),
	}
	created, err := l.store.CreateAccount(ctx, &models.Account{ID: id.UserID, Email: id.Email}, signup)
	if err == nil {
		observe("signup", metrics.OutcomeApplied)
		return created, nil
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		observe("signup", metrics.OutcomeError)
		return nil, storageErr("create account", err)
	}

	observe("signup", metrics.OutcomeAlreadyApplied)
	acct, err = l.findAccount(ctx, id)
	if err != nil {
		return nil, storageErr("re-read account after conflict", err)
	}
	return acct, nil
}

func (l *Ledger) findAccount(ctx context.Context, id models.Identity) (*models.Account, error) {
	acct, err := l.store.GetAccount(ctx, id.UserID)
	if err == nil || !errors.Is(err, store.ErrNotFound) || id.Email == "" {
		return acct, err
	}
	return l.store.GetAccountByEmail(ctx, id.Email)
}

// Debit charges amount tickets under token. The charge either happens in full or
// not at all. Repeating a token returns the current balance with AlreadyApplied set.
func (l *Ledger) Debit(ctx context.Context, accountID, token string, amount int64, meta Metadata) (DebitResult, error) {
	if token == "" || amount <= 0 {
		return DebitResult{}, fmt.Errorf("%w: debit needs a token and a positive amount", ErrInvalidRequest)
	}
	return l.apply(ctx, "debit", &models.LedgerEvent{
		IdempotencyToken: token,
		AccountID:        accountID,
		Delta:            -amount,
		Reason:           models.ReasonDebit,
	}, meta)
}

// Grant credits amount tickets under token, for purchases and manual top-ups.
func (l *Ledger) Grant(ctx context.Context, accountID, token string, amount int64, meta Metadata) (DebitResult, error) {
	if token == "" || amount <= 0 {
		return DebitResult{}, fmt.Errorf("%w: grant needs a token and a positive amount", ErrInvalidRequest)
	}
	return l.apply(ctx, "grant", &models.LedgerEvent{
		IdempotencyToken: token,
		AccountID:        accountID,
		Delta:            amount,
		Reason:           models.ReasonPurchase,
	}, meta)
}

func (l *Ledger) apply(ctx context.Context, op string, ev *models.LedgerEvent, meta Metadata) (DebitResult, error) {
	raw, err := encodeMetadata(meta)
	if err != nil {
		return DebitResult{}, err
	}
	ev.Metadata = raw
	ev.CreatedAt = l.now()

	balance, err := l.store.ApplyEvent(ctx, ev)
	switch {
	case err == nil:
		observe(op, metrics.OutcomeApplied)
		return DebitResult{BalanceAfter: balance}, nil
	case errors.Is(err, store.ErrDuplicateKey):
		return l.alreadyApplied(ctx, op, ev)
	case errors.Is(err, store.ErrInsufficientBalance):
		observe(op, metrics.OutcomeInsufficient)
		return DebitResult{}, ErrInsufficientCredit
	case errors.Is(err, store.ErrNotFound):
		observe(op, metrics.OutcomeError)
		return DebitResult{}, fmt.Errorf("%w: %s", ErrAccountNotFound, ev.AccountID)
	default:
		observe(op, metrics.OutcomeError)
		return DebitResult{}, storageErr(op, err)
	}
}

// alreadyApplied answers a replayed token. The token must belong to the same
// account and kind of operation; reusing it for anything else is rejected.
func (l *Ledger) alreadyApplied(ctx context.Context, op string, ev *models.LedgerEvent) (DebitResult, error) {
	existing, err := l.store.GetEvent(ctx, ev.IdempotencyToken)
	if err != nil {
		observe(op, metrics.OutcomeError)
		return DebitResult{}, storageErr("read existing event", err)
	}
	if existing.AccountID != ev.AccountID || existing.Reason != ev.Reason {
		observe(op, metrics.OutcomeError)
		return DebitResult{}, fmt.Errorf("%w: token already used by another operation", ErrInvalidRequest)
	}
	balance, err := l.Balance(ctx, ev.AccountID)
	if err != nil {
		return DebitResult{}, err
	}
	observe(op, metrics.OutcomeAlreadyApplied)
	return DebitResult{BalanceAfter: balance, AlreadyApplied: true}, nil
}

// Refund returns the tickets charged under token, at most once. The refund is
// written under models.RefundToken(token). amount is capped at the original
// charge; zero or negative means the full charge. cause is kept in the event
// metadata.
func (l *Ledger) Refund(ctx context.Context, accountID, token string, amount int64, cause string, meta Metadata) (RefundResult, error) {
	if token == "" {
		return RefundResult{}, fmt.Errorf("%w: refund needs a token", ErrInvalidRequest)
	}

	charge, err := l.store.GetEvent(ctx, token)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		observe("refund", metrics.OutcomeError)
		return RefundResult{}, storageErr("read charge", err)
	}
	if err != nil || charge.Reason != models.ReasonDebit || charge.AccountID != accountID {
		return l.skipped(ctx, accountID, SkipNoMatchingCharge)
	}

	charged := -charge.Delta
	if amount <= 0 || amount > charged {
		amount = charged
	}

	withCause := make(Metadata, len(meta)+1)
	maps.Copy(withCause, meta)
	withCause["cause"] = cause
	raw, err := encodeMetadata(withCause)
	if err != nil {
		return RefundResult{}, err
	}

	balance, err := l.store.ApplyEvent(ctx, &models.LedgerEvent{
		IdempotencyToken: models.RefundToken(token),
		AccountID:        accountID,
		Delta:            amount,
		Reason:           models.ReasonRefund,
		Metadata:         raw,
		CreatedAt:        l.now(),
	})
	switch {
	case err == nil:
		observe("refund", metrics.OutcomeApplied)
		return RefundResult{Refunded: true, Amount: amount, BalanceAfter: balance}, nil
	case errors.Is(err, store.ErrDuplicateKey):
		return l.skipped(ctx, accountID, SkipAlreadyRefunded)
	default:
		observe("refund", metrics.OutcomeError)
		return RefundResult{}, storageErr("refund", err)
	}
}

func (l *Ledger) skipped(ctx context.Context, accountID string, reason SkipReason) (RefundResult, error) {
	observe("refund", metrics.OutcomeSkipped)
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return RefundResult{}, err
	}
	return RefundResult{Skipped: reason, BalanceAfter: balance}, nil
}

// Balance returns the current ticket balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return 0, storageErr("read balance", err)
	}
	return acct.Balance, nil
}

// History returns the account's most recent ledger events, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*models.LedgerEvent, error) {
	events, err := l.store.ListEvents(ctx, accountID, limit)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	return events, nil
}

func encodeMetadata(meta Metadata) (json.RawMessage, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not serializable: %v", ErrInvalidRequest, err)
	}
	return raw, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func observe(op, outcome string) {
	metrics.LedgerOperationsTotal.WithLabelValues(op, outcome).Inc()
}
