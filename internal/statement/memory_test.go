package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/ledger"
	"github.com/odyssey-erp/statement-recon/internal/ledger/ledgertest"
	"github.com/odyssey-erp/statement-recon/internal/matching"
)

// memoryRepo implements Repository over maps. Every method holds the mutex
// for its whole body, which gives the same single-winner semantics as the
// row-level compare-and-set updates in Postgres.
type memoryRepo struct {
	mu          sync.Mutex
	statements  map[string]Statement
	items       map[string][]Item
	corrections []Correction
	ledger      *ledgertest.Memory

	correctionErr error
}

func newMemoryRepo(l *ledgertest.Memory) *memoryRepo {
	if l == nil {
		l = ledgertest.New()
	}
	return &memoryRepo{
		statements: make(map[string]Statement),
		items:      make(map[string][]Item),
		ledger:     l,
	}
}

func (m *memoryRepo) put(s Statement, items ...Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statements[s.ID] = s
	if len(items) > 0 {
		m.items[s.ID] = append([]Item(nil), items...)
	}
}

func (m *memoryRepo) snapshot(id string) Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statements[id]
}

func (m *memoryRepo) itemsOf(id string) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.items[id]...)
}

func (m *memoryRepo) correctionsLogged() []Correction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Correction(nil), m.corrections...)
}

func (m *memoryRepo) Create(_ context.Context, s Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statements[s.ID]; ok {
		return errors.New("duplicate id")
	}
	m.statements[s.ID] = s
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id string) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statements[id]
	if !ok {
		return Statement{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryRepo) List(_ context.Context, f ListFilter) ([]Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Statement
	for _, s := range m.statements {
		if f.Status == "" || s.Status == f.Status {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}

func (m *memoryRepo) Items(_ context.Context, statementID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedItems(m.items[statementID]), nil
}

func (m *memoryRepo) Item(_ context.Context, statementID, itemID string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items[statementID] {
		if it.ID == itemID {
			return it, nil
		}
	}
	return Item{}, ErrNotFound
}

func (m *memoryRepo) MarkQueued(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statements[id]
	if !ok || (s.Status != StatusPending && s.Status != StatusFailed) {
		return false, nil
	}
	s.Status = StatusQueued
	s.QueuedAt = &now
	s.RetryCount = 0
	s.NextRetryAt = nil
	s.LockedBy = ""
	s.LeaseExpiresAt = nil
	m.statements[id] = s
	return true, nil
}

func (m *memoryRepo) Claim(_ context.Context, req ClaimRequest) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var eligible []Statement
	for _, s := range m.statements {
		if req.StatementID != "" && s.ID != req.StatementID {
			continue
		}
		due := s.Status == StatusQueued && (s.NextRetryAt == nil || !s.NextRetryAt.After(req.Now))
		stale := s.Status == StatusProcessing && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.Before(req.Now)
		if due || stale {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return Statement{}, ErrNoWork
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.QueuedAt != nil && b.QueuedAt != nil && !a.QueuedAt.Equal(*b.QueuedAt) {
			return a.QueuedAt.Before(*b.QueuedAt)
		}
		return a.ID < b.ID
	})
	s := eligible[0]
	now, until := req.Now, req.LeaseUntil
	s.Status = StatusProcessing
	s.LockedBy = req.WorkerID
	s.ProcessingStartedAt = &now
	s.LeaseExpiresAt = &until
	s.ProcessingFinishedAt = nil
	m.statements[s.ID] = s
	return s, nil
}

func (m *memoryRepo) ResetExtraction(_ context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statements[id]
	if !ok || s.LockedBy != workerID {
		return ErrLeaseLost
	}
	s.StatementDate, s.VendorName = "", ""
	s.TotalAmount.Valid, s.TaxAmount.Valid, s.GrandTotal.Valid = false, false, false
	s.ExtractedData = keepReceivedDate(s.ExtractedData)
	s.ExtractionError = ""
	s.ResetBeforeExtract = false
	m.statements[id] = s
	delete(m.items, id)
	return nil
}

func (m *memoryRepo) Complete(_ context.Context, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statements[c.ID]
	if !ok || s.Status != StatusProcessing || s.LockedBy != c.WorkerID {
		return ErrLeaseLost
	}
	// UNIQUE (statement_id, line_number)
	lines := make(map[int]bool, len(c.Items))
	for _, it := range c.Items {
		if lines[it.LineNumber] {
			return fmt.Errorf("statement: insert item %d: duplicate line number", it.LineNumber)
		}
		lines[it.LineNumber] = true
	}
	now := c.Now
	s.Status = StatusExtracted
	s.ProcessingFinishedAt = &now
	s.LockedBy = ""
	s.LeaseExpiresAt = nil
	s.NextRetryAt = nil
	s.ExtractionError = ""
	if c.FileType != "" {
		s.FileType = c.FileType
	}
	s.StatementDate = c.Header.StatementDate
	s.VendorName = c.Header.VendorName
	s.TotalAmount = c.Header.TotalAmount
	s.TaxAmount = c.Header.TaxAmount
	s.GrandTotal = c.Header.GrandTotal
	s.ExtractedData = c.ExtractedData
	m.statements[c.ID] = s
	m.items[c.ID] = append([]Item(nil), c.Items...)
	return nil
}

func (m *memoryRepo) RecordFailure(_ context.Context, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statements[f.ID]
	if !ok || s.Status != StatusProcessing || s.LockedBy != f.WorkerID || s.RetryCount != f.ExpectedRetry {
		return ErrLeaseLost
	}
	now := f.Now
	s.Status = f.Status
	s.RetryCount = f.RetryCount
	s.NextRetryAt = f.NextRetryAt
	s.ExtractionError = f.Error
	s.LastErrorAt = &now
	s.ProcessingFinishedAt = &now
	s.LockedBy = ""
	s.LeaseExpiresAt = nil
	m.statements[f.ID] = s
	return nil
}

func (m *memoryRepo) MarkRerun(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statements[id]
	if !ok {
		return false, nil
	}
	switch {
	case s.Status == StatusPending, s.Status == StatusQueued, s.Status == StatusFailed, s.Status == StatusExtracted:
	case s.Status == StatusProcessing && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.Before(now):
	default:
		return false, nil
	}
	s.Status = StatusPending
	s.ResetBeforeExtract = true
	s.LockedBy = ""
	s.LeaseExpiresAt = nil
	s.NextRetryAt = nil
	s.RetryCount = 0
	m.statements[id] = s
	return true, nil
}

func (m *memoryRepo) StaleLeases(_ context.Context, now time.Time, limit int) ([]Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Statement
	for _, s := range m.statements {
		if s.Status == StatusProcessing && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.Before(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) Reject(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statements[id]
	if !ok || s.Status != StatusExtracted {
		return false, nil
	}
	s.Status = StatusRejected
	m.statements[id] = s
	return true, nil
}

func (m *memoryRepo) SetItemMatch(_ context.Context, im ItemMatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statements[im.StatementID].Status != StatusExtracted {
		return false, nil
	}
	items := m.items[im.StatementID]
	for i := range items {
		if items[i].ID == im.ItemID {
			items[i].MatchedPurchaseID = im.PurchaseID
			items[i].MatchedItemID = im.LineID
			items[i].MatchMethod = matching.MethodManual
			items[i].MatchConfidence = confidence.High
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) AppendCorrection(_ context.Context, c Correction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.correctionErr != nil {
		return m.correctionErr
	}
	m.corrections = append(m.corrections, c)
	return nil
}

// WithTx runs fn against copies and publishes them only when fn succeeds.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{
		statements: make(map[string]Statement, len(m.statements)),
		items:      make(map[string][]Item, len(m.items)),
		ledger:     m.ledger.Fork(),
	}
	for k, v := range m.statements {
		tx.statements[k] = v
	}
	for k, v := range m.items {
		tx.items[k] = append([]Item(nil), v...)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.statements = tx.statements
	m.items = tx.items
	m.ledger.Adopt(tx.ledger)
	return nil
}

type memoryTx struct {
	statements map[string]Statement
	items      map[string][]Item
	ledger     *ledgertest.Memory
}

func (t *memoryTx) LockStatement(_ context.Context, id string) (Statement, error) {
	s, ok := t.statements[id]
	if !ok {
		return Statement{}, ErrNotFound
	}
	return s, nil
}

func (t *memoryTx) Items(_ context.Context, statementID string) ([]Item, error) {
	return sortedItems(t.items[statementID]), nil
}

func (t *memoryTx) ConfirmItem(_ context.Context, c ItemConfirmation) error {
	items := t.items[c.StatementID]
	for i := range items {
		if items[i].ID != c.ItemID {
			continue
		}
		items[i].IsConfirmed = true
		items[i].ConfirmedQuantity.Decimal, items[i].ConfirmedQuantity.Valid = c.Quantity, true
		items[i].ConfirmedUnitPrice.Decimal, items[i].ConfirmedUnitPrice.Valid = c.UnitPrice, true
		items[i].ConfirmedAmount.Decimal, items[i].ConfirmedAmount.Valid = c.Amount, true
		items[i].MatchedPurchaseID = c.PurchaseID
		items[i].MatchedItemID = c.LineID
		items[i].MatchMethod = c.Method
		items[i].MatchConfidence = c.Confidence
		items[i].IsAdditionalItem = c.IsAdditional
		items[i].ParentItemID = c.ParentItemID
		return nil
	}
	return ErrInvalidReference
}

func (t *memoryTx) MarkConfirmed(_ context.Context, c Confirmation) error {
	s, ok := t.statements[c.ID]
	if !ok || s.Status != StatusExtracted {
		return ErrStateConflict
	}
	at := c.At
	s.Status = StatusConfirmed
	s.ConfirmedAt = &at
	s.ConfirmedBy = c.By
	s.ConfirmationFingerprint = c.Fingerprint
	s.ExtractedData = append(json.RawMessage(nil), c.ExtractedData...)
	t.statements[c.ID] = s
	return nil
}

func (t *memoryTx) Ledger() ledger.Writer { return t.ledger }

func sortedItems(items []Item) []Item {
	out := append([]Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out
}

// recordingChain captures chain calls.
type recordingChain struct {
	mu       sync.Mutex
	next     []string
	retries  []time.Duration
	retryIDs []string
}

func (c *recordingChain) EnqueueProcessNext(_ context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = append(c.next, reason)
	return nil
}

func (c *recordingChain) EnqueueExtract(_ context.Context, id string, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryIDs = append(c.retryIDs, id)
	c.retries = append(c.retries, delay)
	return nil
}

func (c *recordingChain) reasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.next...)
}

func (c *recordingChain) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.retries...)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
