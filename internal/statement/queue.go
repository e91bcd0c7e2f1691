package statement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Chainer hands work to the next asynchronous step. jobs.Client satisfies it.
type Chainer interface {
	EnqueueProcessNext(ctx context.Context, reason string) error
	EnqueueExtract(ctx context.Context, statementID string, delay time.Duration) error
}

// QueuePolicy bounds retries and leases.
type QueuePolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	LeaseTTL    time.Duration
}

// DefaultQueuePolicy mirrors the configuration defaults.
func DefaultQueuePolicy() QueuePolicy {
	return QueuePolicy{
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  10 * time.Minute,
		LeaseTTL:    15 * time.Minute,
	}
}

// Backoff returns the delay before the attempt following retry failed ones.
// It never decreases as retry grows and never exceeds the cap.
func (p QueuePolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.BackoffBase
	for i := 0; i < retry; i++ {
		if d >= p.BackoffCap/2 {
			return p.BackoffCap
		}
		d *= 2
	}
	return min(d, p.BackoffCap)
}

// FailOutcome reports what Fail decided.
type FailOutcome struct {
	Status     Status
	RetryCount int
	RetryIn    time.Duration
}

// QueueManager drives the statement lifecycle up to extraction.
type QueueManager struct {
	repo    Repository
	chain   Chainer
	policy  QueuePolicy
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewQueueManager constructs a manager. chain may be nil, in which case no
// follow-up tasks are scheduled.
func NewQueueManager(repo Repository, chain Chainer, policy QueuePolicy, logger *slog.Logger) *QueueManager {
	def := DefaultQueuePolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = def.BackoffBase
	}
	if policy.BackoffCap < policy.BackoffBase {
		policy.BackoffCap = max(def.BackoffCap, policy.BackoffBase)
	}
	if policy.LeaseTTL <= 0 {
		policy.LeaseTTL = def.LeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueManager{repo: repo, chain: chain, policy: policy, logger: logger, nowFunc: time.Now}
}

// Policy exposes the effective policy.
func (m *QueueManager) Policy() QueuePolicy { return m.policy }

func (m *QueueManager) now() time.Time { return m.nowFunc().UTC() }

// Enqueue moves a pending or failed statement to queued and schedules a chain
// step. Queued and processing statements are left alone.
func (m *QueueManager) Enqueue(ctx context.Context, id string) error {
	changed, err := m.markQueued(ctx, id)
	if err != nil {
		return err
	}
	if changed {
		m.Chain(ctx, "enqueued")
	}
	return nil
}

func (m *QueueManager) markQueued(ctx context.Context, id string) (bool, error) {
	ok, err := m.repo.MarkQueued(ctx, id, m.now())
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch s.Status {
	case StatusQueued, StatusProcessing:
		return false, nil
	}
	return false, fmt.Errorf("%w: cannot enqueue %s statement", ErrStateConflict, s.Status)
}

// Claim takes the lease on the oldest eligible statement.
func (m *QueueManager) Claim(ctx context.Context, workerID string) (Statement, error) {
	return m.claim(ctx, workerID, "")
}

// ClaimByID takes the lease on one statement if it is eligible.
func (m *QueueManager) ClaimByID(ctx context.Context, id, workerID string) (Statement, error) {
	return m.claim(ctx, workerID, id)
}

func (m *QueueManager) claim(ctx context.Context, workerID, id string) (Statement, error) {
	now := m.now()
	s, err := m.repo.Claim(ctx, ClaimRequest{
		WorkerID:    workerID,
		StatementID: id,
		Now:         now,
		LeaseUntil:  now.Add(m.policy.LeaseTTL),
	})
	if err != nil {
		if errors.Is(err, ErrNoWork) {
			return Statement{}, err
		}
		return Statement{}, stageErr(StageClaim, err)
	}
	if s.ResetBeforeExtract {
		if err := m.repo.ResetExtraction(ctx, s.ID, workerID); err != nil {
			return Statement{}, stageErr(StageClaim, err)
		}
		s.ResetBeforeExtract = false
		s.StatementDate, s.VendorName = "", ""
		s.TotalAmount.Valid, s.TaxAmount.Valid, s.GrandTotal.Valid = false, false, false
		s.ExtractedData = keepReceivedDate(s.ExtractedData)
		s.ExtractionError = ""
	}
	return s, nil
}

// Complete records a successful extraction. A worker whose lease was taken
// over gets ErrLeaseLost.
func (m *QueueManager) Complete(ctx context.Context, c Completion) error {
	c.Now = m.now()
	return m.repo.Complete(ctx, c)
}

// Fail records a failed attempt for the statement leased by workerID. The
// statement is requeued with backoff until MaxAttempts is reached.
func (m *QueueManager) Fail(ctx context.Context, id, workerID string, stage Stage, cause error) (FailOutcome, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return FailOutcome{}, err
	}
	if s.Status != StatusProcessing || s.LockedBy != workerID {
		return FailOutcome{}, ErrLeaseLost
	}
	now := m.now()
	out := FailOutcome{RetryCount: s.RetryCount + 1}
	f := Failure{
		ID:            id,
		WorkerID:      workerID,
		ExpectedRetry: s.RetryCount,
		RetryCount:    out.RetryCount,
		Error:         (&StageError{Stage: stage, Err: unwrapStage(cause)}).Error(),
		Now:           now,
	}
	if out.RetryCount < m.policy.MaxAttempts {
		out.Status = StatusQueued
		out.RetryIn = m.policy.Backoff(out.RetryCount)
		next := now.Add(out.RetryIn)
		f.NextRetryAt = &next
	} else {
		out.Status = StatusFailed
	}
	f.Status = out.Status
	if err := m.repo.RecordFailure(ctx, f); err != nil {
		return FailOutcome{}, err
	}
	m.logger.Warn("statement attempt failed",
		slog.String("statement_id", id),
		slog.String("stage", string(stage)),
		slog.Int("retry_count", out.RetryCount),
		slog.String("status", string(out.Status)),
		slog.Any("error", cause))
	return out, nil
}

func unwrapStage(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se.Err
	}
	return err
}

// RequestRerun discards the current extraction and queues the statement
// again.
func (m *QueueManager) RequestRerun(ctx context.Context, id string) error {
	ok, err := m.repo.MarkRerun(ctx, id, m.now())
	if err != nil {
		return err
	}
	if !ok {
		s, err := m.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot rerun %s statement", ErrStateConflict, s.Status)
	}
	return m.Enqueue(ctx, id)
}

// SweepStale fails every statement whose processing lease expired and
// returns how many were handled.
func (m *QueueManager) SweepStale(ctx context.Context) (int, error) {
	stale, err := m.repo.StaleLeases(ctx, m.now(), 100)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, s := range stale {
		out, err := m.Fail(ctx, s.ID, s.LockedBy, StageCleanupStale, errors.New("processing lease expired"))
		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
		m.scheduleRetry(ctx, s.ID, out)
	}
	if swept > 0 {
		m.Chain(ctx, "swept")
	}
	return swept, nil
}

// Chain schedules one process_next step. Failures are logged only.
func (m *QueueManager) Chain(ctx context.Context, reason string) {
	if m.chain == nil {
		return
	}
	if err := m.chain.EnqueueProcessNext(ctx, reason); err != nil {
		m.logger.Warn("chain process_next", slog.String("reason", reason), slog.Any("error", err))
	}
}

func (m *QueueManager) scheduleRetry(ctx context.Context, id string, out FailOutcome) {
	if m.chain == nil || out.Status != StatusQueued {
		return
	}
	if err := m.chain.EnqueueExtract(ctx, id, out.RetryIn); err != nil {
		m.logger.Warn("schedule retry", slog.String("statement_id", id), slog.Any("error", err))
	}
}
