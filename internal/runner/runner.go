// Package runner talks to the external GPU job runners and interprets their
// status payloads.
package runner

import (
	"context"
	"errors"
)

var (
	ErrRunnerUnavailable = errors.New("job runner unavailable")
	ErrRunnerTimeout     = errors.New("job runner timeout")
	ErrRunnerBadResponse = errors.New("job runner returned invalid response")
)

// Payload is a decoded runner response. Its shape differs between workers;
// Classify is the only code that interprets it.
type Payload map[string]any

// Submission is the runner's answer to a submit. Payload is the full response,
// which for synchronous runners may already be terminal.
type Submission struct {
	JobID   string
	Payload Payload
}

// Runner is the interface every job runner integration implements.
// Implementations must be safe for concurrent use.
type Runner interface {
	// Name returns the runner identifier used in logs and metrics.
	Name() string
	Submit(ctx context.Context, input map[string]any) (*Submission, error)
	Status(ctx context.Context, jobID string) (Payload, error)
	// Cancel asks the runner to stop the job. A nil error only means the request
	// was accepted, not that the job is cancelled.
	Cancel(ctx context.Context, jobID string) error
}
