// Package jobs sequences ledger operations around calls to the job runners
// and decides, from each observed job state, whether a refund is owed.
//
// The debit token of a job is also its refund key. A job reported failed or
// cancelled is refunded under that token; the ledger guarantees the refund
// happens once however many polls observe the failure.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ticketgate/internal/config"
	"github.com/kiranshivaraju/ticketgate/internal/ledger"
	"github.com/kiranshivaraju/ticketgate/internal/products"
	"github.com/kiranshivaraju/ticketgate/internal/runner"
	"github.com/kiranshivaraju/ticketgate/internal/store"
	"github.com/kiranshivaraju/ticketgate/pkg/models"
)

// compensateTimeout bounds refunds and cancels issued after the caller's
// request context may already be gone.
const compensateTimeout = 10 * time.Second

// Ledger is the subset of the credit ledger the coordinator needs.
type Ledger interface {
	Debit(ctx context.Context, accountID, token string, amount int64, meta ledger.Metadata) (ledger.DebitResult, error)
	Refund(ctx context.Context, accountID, token string, amount int64, cause string, meta ledger.Metadata) (ledger.RefundResult, error)
	Balance(ctx context.Context, accountID string) (int64, error)
}

// JobStore persists the binding between a debit token and a runner job.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, token string) (*models.Job, error)
	UpdateJobState(ctx context.Context, token string, state string, lastError *string) error
}

// PayloadCache keeps the final runner payload of terminal jobs.
type PayloadCache interface {
	SetJobPayload(ctx context.Context, token string, payload []byte, ttl time.Duration) error
	GetJobPayload(ctx context.Context, token string) ([]byte, bool, error)
}

// Observer receives fire-and-forget notifications of job progress.
type Observer interface {
	Notify(gen models.Generation)
}

// StartResult is returned by StartJob.
type StartResult struct {
	Token        string
	JobID        string
	State        string
	Output       any
	Payload      runner.Payload
	BalanceAfter int64
}

// PollResult is returned by PollJob.
type PollResult struct {
	State        string
	Payload      runner.Payload
	Refunded     bool
	Skipped      ledger.SkipReason
	BalanceAfter int64
}

// CancelResult is returned by CancelJob.
type CancelResult struct {
	CancelAccepted bool
	State          string
	Refunded       bool
	BalanceAfter   int64
}

type registration struct {
	product *products.Product
	runner  runner.Runner
}

// Coordinator runs the job lifecycle for every registered product.
type Coordinator struct {
	ledger   Ledger
	jobs     JobStore
	cache    PayloadCache
	observer Observer
	cfg      config.JobsConfig

	mu       sync.RWMutex
	products map[string]registration

	newToken func() string
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a Coordinator. cache and observer may be nil.
func NewCoordinator(l Ledger, js JobStore, ca PayloadCache, obs Observer, cfg config.JobsConfig) *Coordinator {
	if cfg.CancelConfirmAttempts < 1 {
		cfg.CancelConfirmAttempts = 1
	}
	return &Coordinator{
		ledger:   l,
		jobs:     js,
		cache:    ca,
		observer: obs,
		cfg:      cfg,
		products: make(map[string]registration),
		newToken: uuid.NewString,
		sleep:    sleepCtx,
	}
}

// Register makes a product available with the runner that executes it.
func (c *Coordinator) Register(p *products.Product, r runner.Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.Name] = registration{product: p, runner: r}
}

// Product returns a registered product.
func (c *Coordinator) Product(name string) (*products.Product, bool) {
	reg, ok := c.lookup(name)
	return reg.product, ok
}

func (c *Coordinator) lookup(name string) (registration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.products[strings.ToLower(name)]
	return reg, ok
}

// StartJob charges the product's cost and submits the job. If the submission
// fails in any way after the debit, the charge is refunded before returning.
func (c *Coordinator) StartJob(ctx context.Context, accountID, productName string, input map[string]any) (*StartResult, error) {
	reg, ok := c.lookup(productName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, productName)
	}
	p := reg.product
	if err := p.Validate(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	token := c.newToken()
	log := slog.With("usage_id", token, "product", p.Name, "account_id", accountID)

	debit, err := c.ledger.Debit(ctx, accountID, token, p.Cost, ledger.Metadata{"product": p.Name})
	if err != nil {
		return nil, mapLedgerError(err)
	}

	sub, err := reg.runner.Submit(ctx, input)
	if err != nil {
		log.Warn("job submission failed, refunding", "error", err)
		if rerr := c.refundUnstarted(ctx, accountID, token, p, "", fmt.Sprintf("submit failed: %v", err)); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
	}
	log = log.With("job_id", sub.JobID)

	outcome := runner.Classify(sub.Payload)
	if outcome.Kind == runner.KindFailed {
		log.Warn("runner rejected job, refunding", "reason", outcome.Reason)
		if rerr := c.refundUnstarted(ctx, accountID, token, p, sub.JobID, outcome.Reason); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: %s", ErrRunnerUnavailable, outcome.Reason)
	}

	now := time.Now().UTC()
	job := &models.Job{
		IdempotencyToken: token,
		JobID:            sub.JobID,
		AccountID:        accountID,
		Product:          p.Name,
		Cost:             p.Cost,
		State:            outcome.JobState(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		log.Error("failed to persist job binding, cancelling and refunding", "error", err)
		if !outcome.Terminal() {
			cctx, cancel := detached(ctx)
			if cerr := reg.runner.Cancel(cctx, sub.JobID); cerr != nil {
				log.Warn("best-effort cancel failed", "error", cerr)
			}
			cancel()
		}
		if rerr := c.refundUnstarted(ctx, accountID, token, p, sub.JobID, "job binding not persisted"); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: persisting job: %v", ErrStorage, err)
	}

	if outcome.Terminal() {
		c.cachePayload(ctx, token, sub.Payload)
	}
	c.notify(job, "")

	res := &StartResult{
		Token:        token,
		JobID:        sub.JobID,
		State:        job.State,
		Payload:      sub.Payload,
		BalanceAfter: debit.BalanceAfter,
	}
	if outcome.Kind == runner.KindSucceeded {
		res.Output = outcome.Output
	}
	return res, nil
}

// refundUnstarted returns the charge for a job that never started. The refund
// runs on a detached context so a client disconnect cannot strand the debit.
func (c *Coordinator) refundUnstarted(ctx context.Context, accountID, token string, p *products.Product, jobID, cause string) error {
	rctx, cancel := detached(ctx)
	defer cancel()

	if _, err := c.ledger.Refund(rctx, accountID, token, p.Cost, cause, ledger.Metadata{"product": p.Name, "job_id": jobID}); err != nil {
		slog.Error("refund after failed submission failed",
			"error", err, "usage_id", token, "product", p.Name, "account_id", accountID)
		return fmt.Errorf("%w: refunding failed submission: %v", ErrStorage, err)
	}
	c.notify(&models.Job{IdempotencyToken: token, JobID: jobID, AccountID: accountID, Product: p.Name, State: models.JobStateFailed}, cause)
	return nil
}

// PollJob reports the state of a job and refunds it if the runner says it failed.
// Terminal jobs are answered from stored state without contacting the runner.
func (c *Coordinator) PollJob(ctx context.Context, accountID, productName, token, jobID string) (*PollResult, error) {
	reg, job, err := c.bind(ctx, accountID, productName, token, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return c.replay(ctx, job)
	}

	payload, err := reg.runner.Status(ctx, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
	}
	outcome := runner.Classify(payload)

	res := &PollResult{State: outcome.JobState(), Payload: payload}
	if !outcome.Terminal() {
		if res.State != job.State {
			c.updateState(ctx, job, res.State, nil)
		}
		return res, nil
	}

	refund, err := c.settle(ctx, job, payload, outcome)
	if err != nil {
		return nil, err
	}
	res.Refunded, res.Skipped, res.BalanceAfter = refund.Refunded, refund.Skipped, refund.BalanceAfter
	return res, nil
}

// CancelJob asks the runner to cancel, then polls a bounded number of times
// for a definitive answer. A job confirmed failed or cancelled is refunded;
// a job that completed keeps its charge. Without a definitive answer nothing
// is refunded and the job stays open, so a later poll that sees the
// cancellation still refunds it.
func (c *Coordinator) CancelJob(ctx context.Context, accountID, productName, token, jobID string) (*CancelResult, error) {
	if p, ok := c.Product(productName); ok && !p.Cancelable {
		return nil, fmt.Errorf("%w: %s", ErrNotCancelable, p.Name)
	}
	reg, job, err := c.bind(ctx, accountID, productName, token, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		polled, err := c.replay(ctx, job)
		if err != nil {
			return nil, err
		}
		return &CancelResult{State: polled.State, Refunded: polled.Refunded, BalanceAfter: polled.BalanceAfter}, nil
	}

	log := slog.With("usage_id", job.IdempotencyToken, "job_id", job.JobID, "product", job.Product)

	res := &CancelResult{State: job.State}
	if err := reg.runner.Cancel(ctx, job.JobID); err != nil {
		log.Warn("runner cancel request failed", "error", err)
	} else {
		res.CancelAccepted = true
	}

	for attempt := 1; attempt <= c.cfg.CancelConfirmAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.cfg.CancelConfirmBackoff); err != nil {
				break
			}
		}
		payload, err := reg.runner.Status(ctx, job.JobID)
		if err != nil {
			log.Warn("status check after cancel failed", "error", err, "attempt", attempt)
			continue
		}
		outcome := runner.Classify(payload)
		if !outcome.Terminal() {
			res.State = outcome.JobState()
			continue
		}

		refund, err := c.settle(ctx, job, payload, outcome)
		if err != nil {
			return nil, err
		}
		res.State = outcome.JobState()
		res.Refunded = refund.Refunded
		res.BalanceAfter = refund.BalanceAfter
		if !refund.Refunded && refund.Skipped == "" {
			// Completed before the cancel landed: no ledger call was made.
			if res.BalanceAfter, err = c.currentBalance(ctx, job.AccountID); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	log.Info("cancel not confirmed, keeping charge", "attempts", c.cfg.CancelConfirmAttempts)
	bal, err := c.currentBalance(ctx, job.AccountID)
	if err != nil {
		return nil, err
	}
	res.BalanceAfter = bal
	return res, nil
}

// currentBalance reads the balance on a detached context, so a cancel whose
// confirmation loop was cut short by the caller still gets an answer.
func (c *Coordinator) currentBalance(ctx context.Context, accountID string) (int64, error) {
	bctx, cancel := detached(ctx)
	defer cancel()
	bal, err := c.ledger.Balance(bctx, accountID)
	if err != nil {
		return 0, mapLedgerError(err)
	}
	return bal, nil
}

// bind loads the job for token and checks it belongs to the caller. Jobs owned
// by someone else are reported as not found.
func (c *Coordinator) bind(ctx context.Context, accountID, productName, token, jobID string) (registration, *models.Job, error) {
	reg, ok := c.lookup(productName)
	if !ok {
		return registration{}, nil, fmt.Errorf("%w: %s", ErrUnknownProduct, productName)
	}
	if token == "" {
		return registration{}, nil, fmt.Errorf("%w: usage_id is required", ErrInvalidInput)
	}

	job, err := c.jobs.GetJob(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return registration{}, nil, ErrJobNotFound
		}
		return registration{}, nil, fmt.Errorf("%w: loading job: %v", ErrStorage, err)
	}
	if job.AccountID != accountID || job.Product != reg.product.Name || (jobID != "" && jobID != job.JobID) {
		return registration{}, nil, ErrJobNotFound
	}
	return reg, job, nil
}

// settle applies a terminal outcome: refund when failed, then record the state.
// The state is only written after a successful refund, so a job whose refund
// could not be stored is retried by the next poll.
func (c *Coordinator) settle(ctx context.Context, job *models.Job, payload runner.Payload, outcome runner.Outcome) (ledger.RefundResult, error) {
	var (
		refund ledger.RefundResult
		reason *string
	)
	if outcome.Kind == runner.KindFailed {
		var err error
		refund, err = c.ledger.Refund(ctx, job.AccountID, job.IdempotencyToken, job.Cost, outcome.Reason,
			ledger.Metadata{"product": job.Product, "job_id": job.JobID})
		if err != nil {
			slog.Error("refund for failed job failed",
				"error", err, "usage_id", job.IdempotencyToken, "job_id", job.JobID)
			return ledger.RefundResult{}, mapLedgerError(err)
		}
		if refund.Refunded {
			slog.Info("refunded failed job",
				"usage_id", job.IdempotencyToken, "job_id", job.JobID, "amount", refund.Amount, "reason", outcome.Reason)
		}
		reason = &outcome.Reason
	}

	state := outcome.JobState()
	c.updateState(ctx, job, state, reason)
	c.cachePayload(ctx, job.IdempotencyToken, payload)

	done := *job
	done.State = state
	c.notify(&done, outcome.Reason)
	return refund, nil
}

// replay answers for a terminal job from the cached payload, or a payload
// rebuilt from the stored state. Failed jobs re-run the idempotent refund so
// the caller learns whether it was already applied.
func (c *Coordinator) replay(ctx context.Context, job *models.Job) (*PollResult, error) {
	res := &PollResult{State: job.State, Payload: c.cachedPayload(ctx, job)}

	if job.State == models.JobStateSucceeded {
		bal, err := c.ledger.Balance(ctx, job.AccountID)
		if err != nil {
			return nil, mapLedgerError(err)
		}
		res.BalanceAfter = bal
		return res, nil
	}

	cause := job.State
	if job.LastError != nil {
		cause = *job.LastError
	}
	refund, err := c.ledger.Refund(ctx, job.AccountID, job.IdempotencyToken, job.Cost, cause,
		ledger.Metadata{"product": job.Product, "job_id": job.JobID})
	if err != nil {
		return nil, mapLedgerError(err)
	}
	res.Refunded, res.Skipped, res.BalanceAfter = refund.Refunded, refund.Skipped, refund.BalanceAfter
	return res, nil
}

func (c *Coordinator) cachedPayload(ctx context.Context, job *models.Job) runner.Payload {
	if c.cache != nil {
		raw, found, err := c.cache.GetJobPayload(ctx, job.IdempotencyToken)
		if err != nil {
			slog.Warn("job payload cache read failed", "error", err, "usage_id", job.IdempotencyToken)
		}
		if found {
			var p runner.Payload
			if err := json.Unmarshal(raw, &p); err == nil {
				return p
			}
		}
	}

	p := runner.Payload{"id": job.JobID, "status": strings.ToUpper(job.State)}
	if job.LastError != nil {
		p["error"] = *job.LastError
	}
	return p
}

func (c *Coordinator) cachePayload(ctx context.Context, token string, payload runner.Payload) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.cache.SetJobPayload(ctx, token, raw, c.cfg.PayloadCacheTTL); err != nil {
		slog.Warn("job payload cache write failed", "error", err, "usage_id", token)
	}
}

func (c *Coordinator) updateState(ctx context.Context, job *models.Job, state string, lastError *string) {
	if err := c.jobs.UpdateJobState(ctx, job.IdempotencyToken, state, lastError); err != nil {
		slog.Warn("failed to record job state",
			"error", err, "usage_id", job.IdempotencyToken, "state", state)
	}
}

func (c *Coordinator) notify(job *models.Job, errMsg string) {
	if c.observer == nil {
		return
	}
	c.observer.Notify(models.Generation{
		IdempotencyToken: job.IdempotencyToken,
		AccountID:        job.AccountID,
		Product:          job.Product,
		JobID:            job.JobID,
		State:            job.State,
		Error:            errMsg,
		CreatedAt:        time.Now().UTC(),
	})
}

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return ErrInsufficientCredit
	case errors.Is(err, ledger.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
}

// detached returns a context that survives cancellation of the request.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
