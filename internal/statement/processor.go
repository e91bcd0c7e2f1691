package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/statement-recon/internal/extraction"
	jobmetrics "github.com/odyssey-erp/statement-recon/internal/jobs"
	"github.com/odyssey-erp/statement-recon/internal/matching"
)

// Fetcher downloads a statement file by reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Extractor runs the adapter registered for a file kind.
type Extractor interface {
	Extract(ctx context.Context, kind extraction.FileKind, payload []byte) (extraction.ExtractedData, error)
}

// Override replaces the stored file reference or type for one run.
type Override struct {
	FileURL  string
	FileType extraction.FileKind
}

// Outcome is the result of one processing run.
type Outcome struct {
	Statement  Statement           `json:"statement"`
	Items      []Item              `json:"items"`
	Annotation matching.Annotation `json:"-"`
	// Queued is set when the statement could not be claimed and was left for
	// the worker pool.
	Queued bool `json:"-"`
}

// MatchedCount counts items with a chosen ledger line.
func (o Outcome) MatchedCount() int {
	n := 0
	for _, it := range o.Items {
		if it.MatchedItemID != 0 {
			n++
		}
	}
	return n
}

// ProcessorConfig wires the processor.
type ProcessorConfig struct {
	Queue     *QueueManager
	Fetcher   Fetcher
	Extractor Extractor
	Engine    *matching.Engine
	Metrics   *jobmetrics.Metrics
	Logger    *slog.Logger
}

// Processor runs a claimed statement through fetch, extraction and matching.
type Processor struct {
	queue     *QueueManager
	fetcher   Fetcher
	extractor Extractor
	engine    *matching.Engine
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewProcessor constructs a processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:     cfg.Queue,
		fetcher:   cfg.Fetcher,
		extractor: cfg.Extractor,
		engine:    cfg.Engine,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// ProcessNext claims the oldest eligible statement and processes it. It
// returns ErrNoWork when nothing is claimable.
func (p *Processor) ProcessNext(ctx context.Context, workerID string) (Outcome, error) {
	s, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return Outcome{}, err
	}
	return p.run(ctx, s, workerID, Override{})
}

// ProcessByID queues the statement if needed and processes it in the
// caller's goroutine. When another worker holds it, or its retry is not yet
// due, the outcome is marked Queued.
func (p *Processor) ProcessByID(ctx context.Context, id, workerID string, o Override) (Outcome, error) {
	if _, err := p.queue.markQueued(ctx, id); err != nil {
		return Outcome{}, err
	}
	s, err := p.queue.ClaimByID(ctx, id, workerID)
	if errors.Is(err, ErrNoWork) {
		p.queue.Chain(ctx, "extract_busy")
		current, getErr := p.queue.repo.Get(ctx, id)
		if getErr != nil {
			return Outcome{}, getErr
		}
		return Outcome{Statement: current, Queued: true}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return p.run(ctx, s, workerID, o)
}

func (p *Processor) run(ctx context.Context, s Statement, workerID string, o Override) (Outcome, error) {
	log := p.logger.With(slog.String("statement_id", s.ID), slog.String("worker", workerID))

	out, err := p.extractAndMatch(ctx, s, o)
	if err == nil {
		err = p.queue.Complete(ctx, Completion{
			ID:            s.ID,
			WorkerID:      workerID,
			FileType:      out.Statement.FileType,
			Header:        headerOf(out.Statement),
			ExtractedData: out.Statement.ExtractedData,
			Items:         out.Items,
		})
		if err != nil && !errors.Is(err, ErrLeaseLost) {
			err = stageErr(StageDBUpdate, err)
		}
	}

	switch {
	case err == nil:
		out.Statement.Status = StatusExtracted
		out.Statement.LockedBy = ""
		p.metrics.ObserveStatement(string(StatusExtracted), "")
		p.observeMatches(out.Items)
		log.Info("statement extracted",
			slog.Int("items", len(out.Items)),
			slog.Int("matched", out.MatchedCount()),
			slog.String("vendor", out.Statement.VendorName))
		p.queue.Chain(ctx, "extracted")
		return out, nil
	case errors.Is(err, ErrLeaseLost):
		log.Warn("lease lost before completion")
		return Outcome{}, err
	}

	stage := StageOf(err)
	fo, failErr := p.queue.Fail(ctx, s.ID, workerID, stage, err)
	if failErr != nil {
		log.Error("record failure", slog.Any("error", failErr), slog.Any("cause", err))
	} else {
		p.metrics.ObserveStatement(string(fo.Status), string(stage))
		p.queue.scheduleRetry(ctx, s.ID, fo)
	}
	p.queue.Chain(ctx, "failed")
	return Outcome{}, err
}

// extractAndMatch performs every stage up to the database write.
func (p *Processor) extractAndMatch(ctx context.Context, s Statement, o Override) (Outcome, error) {
	ref := s.ImageURL
	if o.FileURL != "" {
		ref = o.FileURL
	}
	start := time.Now()
	payload, err := p.fetcher.Fetch(ctx, ref)
	p.metrics.ObserveStage(string(StageDownload), start)
	if err != nil {
		return Outcome{}, stageErr(StageDownload, err)
	}

	hint := s.FileType
	if o.FileType != "" {
		hint = o.FileType
	}
	name := s.FileName
	if name == "" {
		name = ref
	}
	kind, err := extraction.DetectKind(string(hint), name, payload)
	if err != nil {
		return Outcome{}, stageErr(StageDetectType, err)
	}

	start = time.Now()
	data, err := p.extractor.Extract(ctx, kind, payload)
	p.metrics.ObserveStage(string(StageParse), start)
	if err != nil {
		if errors.Is(err, extraction.ErrSchema) {
			return Outcome{}, stageErr(StageValidateExtraction, err)
		}
		return Outcome{}, stageErr(StageParse, err)
	}
	data.FileType = kind
	data.ActualReceivedDate = receivedDate(s.ExtractedData)

	start = time.Now()
	vendor, err := p.engine.ResolveVendor(ctx, data.VendorName)
	if err != nil {
		return Outcome{}, stageErr(StageMatchVendor, err)
	}
	ann, err := p.engine.Annotate(ctx, matching.RequestFromExtracted(data), vendor)
	p.metrics.ObserveStage(string(StageMatchItems), start)
	if err != nil {
		return Outcome{}, stageErr(StageMatchItems, err)
	}

	record, err := json.Marshal(extractionRecord{ExtractedData: data, VendorMatch: vendor, OrderSet: ann.OrderSet})
	if err != nil {
		return Outcome{}, stageErr(StageDBUpdate, fmt.Errorf("encode extracted data: %w", err))
	}

	s.FileType = kind
	s.StatementDate = data.StatementDate
	s.VendorName = ann.VendorName
	s.TotalAmount = data.TotalAmount
	s.TaxAmount = data.TaxAmount
	s.GrandTotal = data.GrandTotal
	s.ExtractedData = record
	s.ExtractionError = ""
	return Outcome{Statement: s, Items: buildItems(s.ID, data, ann), Annotation: ann}, nil
}

// extractionRecord is the audit copy kept in extracted_data.
type extractionRecord struct {
	extraction.ExtractedData
	VendorMatch *matching.VendorMatch   `json:"vendor_match,omitempty"`
	OrderSet    matching.OrderSetResult `json:"order_set"`
}

// buildItems numbers items by position. The number printed on the statement
// can repeat or skip, so it is kept apart in PrintedLineNumber.
func buildItems(statementID string, data extraction.ExtractedData, ann matching.Annotation) []Item {
	items := make([]Item, len(data.Items))
	for i, x := range data.Items {
		it := Item{
			ID:                  uuid.NewString(),
			StatementID:         statementID,
			LineNumber:          i + 1,
			PrintedLineNumber:   max(x.LineNumber, 0),
			ItemName:            x.ItemName,
			Specification:       x.Specification,
			Quantity:            x.Quantity,
			UnitPrice:           x.UnitPrice,
			Amount:              x.Amount,
			TaxAmount:           x.TaxAmount,
			PONumber:            x.PONumber,
			InferredOrderNumber: x.InferredOrderNumber,
			InferredSource:      x.InferredSource,
			InferredConfidence:  x.InferredConfidence,
			Remark:              x.Remark,
			Confidence:          x.Confidence,
		}
		if i < len(ann.Items) {
			r := ann.Items[i]
			it.MatchedPurchaseID = r.PurchaseID
			it.MatchedItemID = r.ItemID
			it.MatchConfidence = r.Confidence
			it.MatchMethod = r.Method
		}
		items[i] = it
	}
	return items
}

func headerOf(s Statement) Header {
	return Header{
		StatementDate: s.StatementDate,
		VendorName:    s.VendorName,
		TotalAmount:   s.TotalAmount,
		TaxAmount:     s.TaxAmount,
		GrandTotal:    s.GrandTotal,
	}
}

func (p *Processor) observeMatches(items []Item) {
	type key struct{ method, tier string }
	counts := make(map[key]int)
	for _, it := range items {
		counts[key{string(it.MatchMethod), it.MatchConfidence.String()}]++
	}
	for k, n := range counts {
		p.metrics.AddMatches(k.method, k.tier, n)
	}
}
