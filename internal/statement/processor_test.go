package statement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/matching"
	"github.com/odyssey-erp/statement-recon/jobs"
)

func TestProcessMatchesPrintedOrderNumber(t *testing.T) {
	h := newHarness(t)
	purchase, line := h.seedOrderedLedger()
	id := h.addStatement("december.xlsx", orderedWorkbook(t))

	out := h.extracted(id)

	assert.Equal(t, StatusExtracted, out.Statement.Status)
	assert.Equal(t, extraction.KindExcel, out.Statement.FileType)
	assert.Equal(t, "2025-12-01", out.Statement.StatementDate)
	assert.Equal(t, "대성정밀", out.Statement.VendorName)
	require.Len(t, out.Items, 1)
	item := out.Items[0]
	assert.Equal(t, matching.MethodPONumber, item.MatchMethod)
	assert.Equal(t, confidence.High, item.MatchConfidence)
	assert.Equal(t, purchase, item.MatchedPurchaseID)
	assert.Equal(t, line, item.MatchedItemID)
	assert.Equal(t, "F20251201_003", item.InferredOrderNumber)
	assert.Equal(t, 1, out.MatchedCount())

	stored := h.repo.snapshot(id)
	assert.Equal(t, StatusExtracted, stored.Status)
	assert.Empty(t, stored.LockedBy)
	assert.True(t, stored.GrandTotal.Decimal.Equal(decimal.NewFromInt(5000)))
	var record map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(stored.ExtractedData, &record))
	assert.Contains(t, record, "vendor_match")
	assert.Contains(t, record, "order_set")
	assert.Len(t, h.repo.itemsOf(id), 1)
	assert.Contains(t, h.chain.reasons(), "extracted")
}

func TestProcessTieIsLowConfidence(t *testing.T) {
	h := newHarness(t)
	first := h.ledger.AddOrder("F20251105_001", "", 0, december.AddDate(0, 0, -3))
	firstLine := h.ledger.AddLine(first, "Widget-12A", "", 10, 500)
	second := h.ledger.AddOrder("F20251110_002", "", 0, december.AddDate(0, 0, -2))
	h.ledger.AddLine(second, "Widget-12B", "", 10, 500)
	id := h.addStatement("december.xlsx", unlabelledWorkbook(t))

	out := h.extracted(id)

	require.Len(t, out.Items, 1)
	item := out.Items[0]
	assert.Equal(t, matching.MethodSimilarity, item.MatchMethod)
	assert.Equal(t, confidence.Low, item.MatchConfidence)
	assert.Equal(t, firstLine, item.MatchedItemID)
	require.Len(t, out.Annotation.Items, 1)
	assert.True(t, out.Annotation.Items[0].Ambiguous)

	detail, err := h.service.Detail(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, detail.Items, 1)
	assert.True(t, detail.Items[0].Ambiguous)
	require.Len(t, detail.Items[0].Candidates, 2)
	assert.Equal(t, detail.Items[0].Candidates[0].Score, detail.Items[0].Candidates[1].Score)
}

func TestProcessRepeatedPrintedLineNumbers(t *testing.T) {
	h := newHarness(t)
	id := h.addStatement("december.xlsx", buildWorkbook(t, [][]any{
		{"2025년 12월 거래명세서"},
		{"거래처: 대성정밀"},
		statementHeader,
		{1, "Widget-12", "", 10, 500, "5,000", "", ""},
		{1, "Bracket", "", 2, 150, "300", "", ""},
		{7, "Spring", "", 4, 25, "100", "", ""},
	}))

	out := h.extracted(id)

	require.Len(t, out.Items, 3)
	assert.Equal(t, StatusExtracted, h.repo.snapshot(id).Status)
	stored := h.repo.itemsOf(id)
	require.Len(t, stored, 3)
	for i, want := range []struct {
		line, printed int
		name          string
	}{{1, 1, "Widget-12"}, {2, 1, "Bracket"}, {3, 7, "Spring"}} {
		assert.Equal(t, want.line, stored[i].LineNumber, want.name)
		assert.Equal(t, want.printed, stored[i].PrintedLineNumber, want.name)
		assert.Equal(t, want.name, stored[i].ItemName)
	}
}

func TestProcessDownloadFailuresExhaustRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("gone.xlsx", nil)
	h.files.mu.Lock()
	delete(h.files.files, "blob://gone.xlsx")
	h.files.mu.Unlock()

	_, err := h.processor.ProcessByID(ctx, id, "w1", Override{})
	require.Error(t, err)
	assert.Equal(t, StageDownload, StageOf(err))
	assert.Equal(t, StatusQueued, h.repo.snapshot(id).Status)

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Hour)
		_, err = h.processor.ProcessNext(ctx, "w1")
		require.Error(t, err)
		assert.Equal(t, StageDownload, StageOf(err))
	}

	s := h.repo.snapshot(id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 3, s.RetryCount)
	assert.Contains(t, s.ExtractionError, "[stage:download_file]")
	assert.Equal(t, 3, h.files.fetches)
	assert.Len(t, h.chain.delays(), 2, "only queued outcomes schedule a retry")

	h.clock.Advance(time.Hour)
	_, err = h.processor.ProcessNext(ctx, "w1")
	require.ErrorIs(t, err, ErrNoWork)
}

func TestProcessParseFailureIsTagged(t *testing.T) {
	h := newHarness(t)
	id := h.addStatement("broken.xlsx", []byte("not a workbook"))

	_, err := h.processor.ProcessByID(context.Background(), id, "w1", Override{})
	require.Error(t, err)
	assert.Equal(t, StageParse, StageOf(err))
	assert.Contains(t, h.repo.snapshot(id).ExtractionError, "[stage:parse_file]")
}

func TestProcessOverrideFile(t *testing.T) {
	h := newHarness(t)
	h.seedOrderedLedger()
	id := h.addStatement("placeholder.pdf", []byte("%PDF-1.4"))
	h.files.add("blob://replacement", orderedWorkbook(t))

	out, err := h.processor.ProcessByID(context.Background(), id, "w1", Override{FileURL: "blob://replacement", FileType: extraction.KindExcel})
	require.NoError(t, err)
	assert.Equal(t, extraction.KindExcel, out.Statement.FileType)
	assert.Len(t, out.Items, 1)
}

func TestProcessByIDOnBusyStatementQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(ctx, id))
	_, err := h.queue.Claim(ctx, "other")
	require.NoError(t, err)

	out, err := h.processor.ProcessByID(ctx, id, "api", Override{})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Equal(t, "other", h.repo.snapshot(id).LockedBy)
	assert.Contains(t, h.chain.reasons(), "extract_busy")
}

func TestProcessByIDOnExtractedStatementConflicts(t *testing.T) {
	h := newHarness(t)
	h.seedOrderedLedger()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	h.extracted(id)

	_, err := h.processor.ProcessByID(context.Background(), id, "api", Override{})
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestJobHandlers(t *testing.T) {
	h := newHarness(t)
	h.seedOrderedLedger()
	ctx := context.Background()
	job := NewJob(JobConfig{Processor: h.processor, Queue: h.queue, WorkerID: "job-1"})
	require.Len(t, job.Handlers(), 3)
	assert.Equal(t, "job-1", job.WorkerID())

	err := job.HandleProcessNext(ctx, asynq.NewTask(jobs.TaskProcessNext, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	next, err := jobs.NewProcessNextTask("cron")
	require.NoError(t, err)
	require.NoError(t, job.HandleProcessNext(ctx, next), "empty queue ends quietly")

	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(ctx, id))
	require.NoError(t, job.HandleProcessNext(ctx, next))
	assert.Equal(t, StatusExtracted, h.repo.snapshot(id).Status)

	err = job.HandleExtract(ctx, asynq.NewTask(jobs.TaskExtractStatement, []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	broken := h.addStatement("broken.xlsx", []byte("junk"))
	require.NoError(t, h.queue.Enqueue(ctx, broken))
	retry, err := jobs.NewExtractStatementTask(broken)
	require.NoError(t, err)
	err = job.HandleExtract(ctx, retry)
	require.ErrorIs(t, err, asynq.SkipRetry, "the statement's own retry count governs retries")
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageParse, se.Stage)

	require.NoError(t, job.HandleExtract(ctx, retry), "not due yet")
	require.NoError(t, job.HandleSweep(ctx, jobs.NewSweepStaleTask()))
}

func TestUnconfiguredJob(t *testing.T) {
	var job *Job
	require.Error(t, job.HandleProcessNext(context.Background(), asynq.NewTask(jobs.TaskProcessNext, nil)))
	require.Error(t, NewJob(JobConfig{}).HandleSweep(context.Background(), jobs.NewSweepStaleTask()))
}
