package models

import (
	"encoding/json"
	"time"
)

// Reason tags why a ledger event changed a balance.
type Reason string

const (
	ReasonSignupBonus Reason = "signup_bonus"
	ReasonDebit       Reason = "debit"
	ReasonRefund      Reason = "refund"
	ReasonPurchase    Reason = "purchase"
)

// LedgerEvent is an immutable, append-only balance change. IdempotencyToken is
// unique across all events; at most one event exists per logical operation.
type LedgerEvent struct {
	IdempotencyToken string          `db:"idempotency_token" json:"idempotency_token"`
	AccountID        string          `db:"account_id"        json:"account_id"`
	Delta            int64           `db:"delta"             json:"delta"`
	Reason           Reason          `db:"reason"            json:"reason"`
	Metadata         json.RawMessage `db:"metadata"          json:"metadata,omitempty"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
}

// RefundToken derives the token of the refund paired with a debit token.
func RefundToken(debitToken string) string {
	return debitToken + ":refund"
}
