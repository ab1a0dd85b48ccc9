// Package history keeps a best-effort record of generation requests.
//
// Records travel one way over a buffered channel to a single writer goroutine.
// Callers never wait on the store and never see its errors, so a lost record
// cannot affect balances or job state.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/ticketgate/internal/metrics"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

// Writer persists generation records.
type Writer interface {
	RecordGeneration(ctx context.Context, gen *models.Generation) error
}

// Recorder buffers generation records and writes them in the background.
type Recorder struct {
	writer  Writer
	timeout time.Duration
	ch      chan models.Generation
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a Recorder holding at most buffer pending records.
// Each write gets its own timeout.
func NewRecorder(w Writer, buffer int, timeout time.Duration) *Recorder {
	if buffer < 1 {
		buffer = 1
	}
	r := &Recorder{
		writer:  w,
		timeout: timeout,
		ch:      make(chan models.Generation, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Notify queues a record. It never blocks: when the buffer is full or the
// recorder is closed the record is dropped.
func (r *Recorder) Notify(gen models.Generation) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- gen:
	default:
		metrics.HistoryDroppedTotal.Inc()
		slog.Warn("generation history buffer full, dropping record",
			"usage_id", gen.IdempotencyToken, "state", gen.State)
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for gen := range r.ch {
		r.write(gen)
	}
}

func (r *Recorder) write(gen models.Generation) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic writing generation history", "error", rec, "usage_id", gen.IdempotencyToken)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.writer.RecordGeneration(ctx, &gen); err != nil {
		slog.Warn("failed to record generation history",
			"error", err, "usage_id", gen.IdempotencyToken, "state", gen.State)
	}
}
