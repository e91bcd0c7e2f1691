package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffMonotonicAndCapped(t *testing.T) {
	p := DefaultQueuePolicy()
	assert.Equal(t, 30*time.Second, p.Backoff(0))
	assert.Equal(t, time.Minute, p.Backoff(1))
	assert.Equal(t, 2*time.Minute, p.Backoff(2))

	prev := time.Duration(0)
	for retry := 0; retry < 200; retry++ {
		d := p.Backoff(retry)
		require.GreaterOrEqual(t, d, prev, "retry %d", retry)
		require.LessOrEqual(t, d, p.BackoffCap, "retry %d", retry)
		prev = d
	}
	assert.Equal(t, p.BackoffCap, p.Backoff(1<<30))
}

func TestNewQueueManagerFillsPolicy(t *testing.T) {
	m := NewQueueManager(newMemoryRepo(nil), nil, QueuePolicy{BackoffBase: time.Hour}, nil)
	p := m.Policy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Hour, p.BackoffBase)
	assert.GreaterOrEqual(t, p.BackoffCap, p.BackoffBase)
	assert.Equal(t, 15*time.Minute, p.LeaseTTL)
}

func TestEnqueueTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))

	require.NoError(t, h.queue.Enqueue(ctx, id))
	s := h.repo.snapshot(id)
	assert.Equal(t, StatusQueued, s.Status)
	require.NotNil(t, s.QueuedAt)
	assert.Equal(t, []string{"enqueued"}, h.chain.reasons())

	// Already queued: accepted without a second chain step.
	require.NoError(t, h.queue.Enqueue(ctx, id))
	assert.Len(t, h.chain.reasons(), 1)

	_, err := h.queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, id), "processing is left alone")
	assert.Equal(t, StatusProcessing, h.repo.snapshot(id).Status)

	done := h.addStatement("b.xlsx", orderedWorkbook(t))
	s = h.repo.snapshot(done)
	s.Status = StatusConfirmed
	h.repo.put(s)
	require.ErrorIs(t, h.queue.Enqueue(ctx, done), ErrStateConflict)

	require.ErrorIs(t, h.queue.Enqueue(ctx, "missing"), ErrNotFound)
}

func TestClaimIsExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(ctx, id))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			worker := fmt.Sprintf("w%d", n)
			s, err := h.queue.Claim(ctx, worker)
			if errors.Is(err, ErrNoWork) {
				return
			}
			require.NoError(t, err)
			mu.Lock()
			winners = append(winners, worker)
			mu.Unlock()
			assert.Equal(t, id, s.ID)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	s := h.repo.snapshot(id)
	assert.Equal(t, StatusProcessing, s.Status)
	assert.Equal(t, winners[0], s.LockedBy)
	require.NotNil(t, s.LeaseExpiresAt)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), *s.LeaseExpiresAt)
}

func TestClaimSkipsRetriesNotYetDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(ctx, id))
	_, err := h.queue.Claim(ctx, "w1")
	require.NoError(t, err)

	out, err := h.queue.Fail(ctx, id, "w1", StageParse, errors.New("bad sheet"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, out.Status)
	assert.Equal(t, time.Minute, out.RetryIn)

	_, err = h.queue.Claim(ctx, "w2")
	require.ErrorIs(t, err, ErrNoWork)

	h.clock.Advance(out.RetryIn)
	s, err := h.queue.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, 1, s.RetryCount)
}

func TestFailExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(ctx, id))

	var last FailOutcome
	for attempt := 1; attempt <= 3; attempt++ {
		h.clock.Advance(time.Hour)
		_, err := h.queue.Claim(ctx, "w1")
		require.NoError(t, err, "attempt %d", attempt)
		last, err = h.queue.Fail(ctx, id, "w1", StageDownload, errors.New("connection reset"))
		require.NoError(t, err)
		assert.Equal(t, attempt, last.RetryCount)
	}
	assert.Equal(t, StatusFailed, last.Status)

	s := h.repo.snapshot(id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 3, s.RetryCount)
	assert.Equal(t, "[stage:download_file] connection reset", s.ExtractionError)
	assert.Empty(t, s.LockedBy)
	assert.Nil(t, s.NextRetryAt)

	// A failed statement can be queued again by hand.
	require.NoError(t, h.queue.Enqueue(ctx, id))
	assert.Equal(t, 0, h.repo.snapshot(id).RetryCount)
}

func TestFailRequiresLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(ctx, id))
	_, err := h.queue.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = h.queue.Fail(ctx, id, "intruder", StageParse, errors.New("x"))
	require.ErrorIs(t, err, ErrLeaseLost)
	assert.Equal(t, "w1", h.repo.snapshot(id).LockedBy)
}

func TestExpiredLeaseCanBeStolen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(ctx, id))
	_, err := h.queue.Claim(ctx, "slow")
	require.NoError(t, err)

	_, err = h.queue.Claim(ctx, "fast")
	require.ErrorIs(t, err, ErrNoWork, "live lease blocks other workers")

	h.clock.Advance(16 * time.Minute)
	s, err := h.queue.Claim(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", s.LockedBy)

	err = h.queue.Complete(ctx, Completion{ID: id, WorkerID: "slow"})
	require.ErrorIs(t, err, ErrLeaseLost)
	_, err = h.queue.Fail(ctx, id, "slow", StageParse, errors.New("late"))
	require.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, h.queue.Complete(ctx, Completion{ID: id, WorkerID: "fast"}))
	assert.Equal(t, StatusExtracted, h.repo.snapshot(id).Status)
}

func TestSweepStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	fresh := h.addStatement("b.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(ctx, id))
	_, err := h.queue.ClaimByID(ctx, id, "dead")
	require.NoError(t, err)

	h.clock.Advance(20 * time.Minute)
	require.NoError(t, h.queue.Enqueue(ctx, fresh))
	_, err = h.queue.ClaimByID(ctx, fresh, "alive")
	require.NoError(t, err)

	n, err := h.queue.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s := h.repo.snapshot(id)
	assert.Equal(t, StatusQueued, s.Status)
	assert.Equal(t, 1, s.RetryCount)
	assert.Contains(t, s.ExtractionError, "[stage:cleanup_stale]")
	assert.Equal(t, StatusProcessing, h.repo.snapshot(fresh).Status)
	assert.Contains(t, h.chain.reasons(), "swept")
	assert.Equal(t, []time.Duration{time.Minute}, h.chain.delays())
}

func TestRerunResetsButKeepsReceivedDate(t *testing.T) {
	h := newHarness(t)
	h.seedOrderedLedger()
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	h.extracted(id)

	s := h.repo.snapshot(id)
	data, err := withReceivedDate(s.ExtractedData, "2025-12-03")
	require.NoError(t, err)
	s.ExtractedData = data
	h.repo.put(s)

	require.NoError(t, h.queue.RequestRerun(ctx, id))
	s = h.repo.snapshot(id)
	assert.Equal(t, StatusQueued, s.Status)
	assert.True(t, s.ResetBeforeExtract)

	claimed, err := h.queue.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.False(t, claimed.ResetBeforeExtract)
	assert.Empty(t, claimed.VendorName)
	assert.Empty(t, h.repo.itemsOf(id))
	assert.JSONEq(t, `{"actual_received_date":"2025-12-03"}`, string(claimed.ExtractedData))

	s = h.repo.snapshot(id)
	assert.False(t, s.GrandTotal.Valid)
	assert.Equal(t, "2025-12-03", receivedDate(s.ExtractedData))
}

func TestRerunRejectsTerminalStatements(t *testing.T) {
	h := newHarness(t)
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	s := h.repo.snapshot(id)
	s.Status = StatusRejected
	h.repo.put(s)

	require.ErrorIs(t, h.queue.RequestRerun(context.Background(), id), ErrStateConflict)
}

func TestReceivedDateHelpers(t *testing.T) {
	raw := json.RawMessage(`{"vendor_name":"x","actual_received_date":"2025-12-03"}`)
	assert.Equal(t, "2025-12-03", receivedDate(raw))
	assert.JSONEq(t, `{"actual_received_date":"2025-12-03"}`, string(keepReceivedDate(raw)))
	assert.Nil(t, keepReceivedDate(json.RawMessage(`{"vendor_name":"x"}`)))
	assert.Empty(t, receivedDate(json.RawMessage(`not json`)))

	merged, err := withReceivedDate(json.RawMessage(`{"a":1}`), "2025-12-09")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"actual_received_date":"2025-12-09"}`, string(merged))

	same, err := withReceivedDate(raw, "")
	require.NoError(t, err)
	assert.Equal(t, raw, same)
}
