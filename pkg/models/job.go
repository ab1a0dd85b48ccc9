package models

import "time"

const (
	JobStateQueued    = "queued"
	JobStateRunning   = "running"
	JobStateSucceeded = "succeeded"
	JobStateFailed    = "failed"
	JobStateCancelled = "cancelled"
)

// Job binds a debit (by its idempotency token) to the job the runner accepted for it.
// The runner is the source of truth for state; State here is the last observed value
// and only matters for deciding whether a refund is still owed.
type Job struct {
	IdempotencyToken string    `db:"idempotency_token" json:"usage_id"`
	JobID            string    `db:"job_id"            json:"job_id"`
	AccountID        string    `db:"account_id"        json:"account_id"`
	Product          string    `db:"product"           json:"product"`
	Cost             int64     `db:"cost"              json:"cost"`
	State            string    `db:"state"             json:"state"`
	LastError        *string   `db:"last_error"        json:"last_error,omitempty"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}

// IsTerminal reports whether no further transitions or refunds can happen.
func (j *Job) IsTerminal() bool {
	return IsTerminalState(j.State)
}

// IsTerminalState reports whether state is succeeded, failed or cancelled.
func IsTerminalState(state string) bool {
	switch state {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}
