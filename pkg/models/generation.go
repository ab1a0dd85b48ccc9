package models

import "time"

// Generation is a best-effort history row describing one generation request.
// Losing one never affects balances or job state.
type Generation struct {
	IdempotencyToken string    `db:"idempotency_token" json:"usage_id"`
	AccountID        string    `db:"account_id"        json:"account_id"`
	Product          string    `db:"product"           json:"product"`
	JobID            string    `db:"job_id"            json:"job_id,omitempty"`
	State            string    `db:"state"             json:"state"`
	Error            string    `db:"error"             json:"error,omitempty"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
}
