package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/ticketgate/internal/runner"
)

// MockRunner satisfies runner.Runner for testing. Call counters let tests
// assert whether the runner was contacted at all.
type MockRunner struct {
	Name_      string
	SubmitFunc func(ctx context.Context, input map[string]any) (*runner.Submission, error)
	StatusFunc func(ctx context.Context, jobID string) (runner.Payload, error)
	CancelFunc func(ctx context.Context, jobID string) error

	SubmitCalls atomic.Int32
	StatusCalls atomic.Int32
	CancelCalls atomic.Int32
}

func (m *MockRunner) Name() string { return m.Name_ }

func (m *MockRunner) Submit(ctx context.Context, input map[string]any) (*runner.Submission, error) {
	m.SubmitCalls.Add(1)
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, input)
	}
	return &runner.Submission{JobID: "job-1", Payload: runner.Payload{"id": "job-1", "status": "IN_QUEUE"}}, nil
}

func (m *MockRunner) Status(ctx context.Context, jobID string) (runner.Payload, error) {
	m.StatusCalls.Add(1)
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, jobID)
	}
	return runner.Payload{"id": jobID, "status": "IN_PROGRESS"}, nil
}

func (m *MockRunner) Cancel(ctx context.Context, jobID string) error {
	m.CancelCalls.Add(1)
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, jobID)
	}
	return nil
}

// NewMockRunner returns a MockRunner whose jobs are queued on submit and report
// the given status payload on every poll.
func NewMockRunner(status runner.Payload) *MockRunner {
	return &MockRunner{
		Name_: "mock",
		StatusFunc: func(_ context.Context, jobID string) (runner.Payload, error) {
			out := runner.Payload{"id": jobID}
			for k, v := range status {
				out[k] = v
			}
			return out, nil
		},
	}
}

// NewFailingRunner returns a MockRunner whose every call fails with err.
func NewFailingRunner(err error) *MockRunner {
	return &MockRunner{
		Name_: "mock-failing",
		SubmitFunc: func(_ context.Context, _ map[string]any) (*runner.Submission, error) {
			return nil, err
		},
		StatusFunc: func(_ context.Context, _ string) (runner.Payload, error) {
			return nil, err
		},
		CancelFunc: func(_ context.Context, _ string) error {
			return err
		},
	}
}

// NewSequenceRunner returns a MockRunner that answers polls with the given
// payloads in order, repeating the last one once exhausted.
func NewSequenceRunner(statuses ...runner.Payload) *MockRunner {
	var next atomic.Int32
	return &MockRunner{
		Name_: "mock-sequence",
		StatusFunc: func(_ context.Context, jobID string) (runner.Payload, error) {
			i := int(next.Add(1)) - 1
			if i >= len(statuses) {
				i = len(statuses) - 1
			}
			out := runner.Payload{"id": jobID}
			for k, v := range statuses[i] {
				out[k] = v
			}
			return out, nil
		},
	}
}

// Compile-time check that MockRunner implements Runner.
var _ runner.Runner = (*MockRunner)(nil)
