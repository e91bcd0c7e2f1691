package statement

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/ledger"
	"github.com/odyssey-erp/statement-recon/internal/matching"
)

// ConfirmItem is the reviewer's decision for one statement item. Omitted
// amounts default to the extracted ones. The match is taken only from the
// request: an omitted or zero matched_item_id confirms the item without a
// ledger write, whatever the engine suggested.
type ConfirmItem struct {
	ItemID             string           `json:"itemId" validate:"required"`
	MatchedPurchaseID  *int64           `json:"matched_purchase_id,omitempty" validate:"omitempty,gte=0"`
	MatchedItemID      *int64           `json:"matched_item_id,omitempty" validate:"omitempty,gte=0"`
	ConfirmedQuantity  *decimal.Decimal `json:"confirmed_quantity,omitempty"`
	ConfirmedUnitPrice *decimal.Decimal `json:"confirmed_unit_price,omitempty"`
	ConfirmedAmount    *decimal.Decimal `json:"confirmed_amount,omitempty"`
	IsAdditionalItem   bool             `json:"is_additional_item,omitempty"`
	ParentItemID       string           `json:"parent_item_id,omitempty" validate:"required_if=IsAdditionalItem true"`
}

// DefaultReviewer is recorded when a confirmation names no reviewer.
const DefaultReviewer = "reviewer"

// ConfirmRequest confirms a whole statement. An empty ConfirmedBy is recorded
// as DefaultReviewer.
type ConfirmRequest struct {
	StatementID        string        `json:"-" validate:"required"`
	ConfirmedBy        string        `json:"confirmed_by,omitempty" validate:"max=128"`
	Items              []ConfirmItem `json:"items" validate:"dive"`
	ActualReceivedDate string        `json:"actual_received_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// Fingerprint digests the parts of the request that change the outcome. The
// reviewer identity is left out so a retry by another session still matches.
func (r ConfirmRequest) Fingerprint() string {
	type canonItem struct {
		ItemID       string `json:"i"`
		PurchaseID   int64  `json:"p,omitempty"`
		LineID       int64  `json:"l,omitempty"`
		Quantity     string `json:"q,omitempty"`
		UnitPrice    string `json:"u,omitempty"`
		Amount       string `json:"a,omitempty"`
		IsAdditional bool   `json:"x,omitempty"`
		Parent       string `json:"r,omitempty"`
	}
	items := make([]canonItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, canonItem{
			ItemID:       it.ItemID,
			PurchaseID:   deref64(it.MatchedPurchaseID),
			LineID:       deref64(it.MatchedItemID),
			Quantity:     decString(it.ConfirmedQuantity),
			UnitPrice:    decString(it.ConfirmedUnitPrice),
			Amount:       decString(it.ConfirmedAmount),
			IsAdditional: it.IsAdditionalItem,
			Parent:       it.ParentItemID,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	body, _ := json.Marshal(struct {
		ID    string      `json:"s"`
		Items []canonItem `json:"items"`
		Date  string      `json:"d,omitempty"`
	}{r.StatementID, items, r.ActualReceivedDate})
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Invalidator drops cached ledger snapshots.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// ConfirmResult reports what Confirm did.
type ConfirmResult struct {
	// Replayed is set when the statement was already confirmed with the same
	// payload and nothing was written.
	Replayed bool
	// InsertedLines maps additional item ids to the ledger lines created for
	// them.
	InsertedLines map[string]int64
}

// Confirmer writes reviewed statements back to the ledger.
type Confirmer struct {
	repo        Repository
	ledger      ledger.Reader
	queue       *QueueManager
	cache       Invalidator
	corrections *CorrectionLog
	validate    *validator.Validate
	logger      *slog.Logger
	nowFunc     func() time.Time
}

// ConfirmerConfig wires a Confirmer. Cache and Corrections are optional.
type ConfirmerConfig struct {
	Repo        Repository
	Ledger      ledger.Reader
	Queue       *QueueManager
	Cache       Invalidator
	Corrections *CorrectionLog
	Logger      *slog.Logger
}

// NewConfirmer constructs a Confirmer.
func NewConfirmer(cfg ConfirmerConfig) *Confirmer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Confirmer{
		repo:        cfg.Repo,
		ledger:      cfg.Ledger,
		queue:       cfg.Queue,
		cache:       cfg.Cache,
		corrections: cfg.Corrections,
		validate:    validator.New(),
		logger:      logger,
		nowFunc:     time.Now,
	}
}

// Confirm applies req in one transaction. Either every item and ledger line
// is written and the statement becomes confirmed, or nothing changes.
func (c *Confirmer) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	if err := c.validate.Struct(req); err != nil {
		return ConfirmResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := checkConfirmItems(req.Items); err != nil {
		return ConfirmResult{}, err
	}
	if req.ConfirmedBy == "" {
		req.ConfirmedBy = DefaultReviewer
	}
	fingerprint := req.Fingerprint()
	result := ConfirmResult{InsertedLines: map[string]int64{}}
	var diffs []Correction

	err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Serialization failures rerun this closure.
		result = ConfirmResult{InsertedLines: map[string]int64{}}
		diffs = nil
		s, err := tx.LockStatement(ctx, req.StatementID)
		if err != nil {
			return err
		}
		switch s.Status {
		case StatusConfirmed:
			if s.ConfirmationFingerprint == fingerprint {
				result.Replayed = true
				return nil
			}
			return ErrConfirmationMismatch
		case StatusExtracted:
		default:
			return fmt.Errorf("%w: cannot confirm %s statement", ErrStateConflict, s.Status)
		}

		stored, err := tx.Items(ctx, s.ID)
		if err != nil {
			return err
		}
		byID := make(map[string]Item, len(stored))
		for _, it := range stored {
			byID[it.ID] = it
		}

		for _, ci := range req.Items {
			it, ok := byID[ci.ItemID]
			if !ok {
				return fmt.Errorf("%w: item %s is not on statement %s", ErrInvalidReference, ci.ItemID, s.ID)
			}
			if ci.IsAdditionalItem {
				if _, ok := byID[ci.ParentItemID]; !ok || ci.ParentItemID == ci.ItemID {
					return fmt.Errorf("%w: parent item %s is not on statement %s", ErrInvalidReference, ci.ParentItemID, s.ID)
				}
			}
			conf, inserted, err := c.applyItem(ctx, tx.Ledger(), s.ID, it, ci)
			if err != nil {
				return err
			}
			if inserted {
				result.InsertedLines[it.ID] = conf.LineID
			}
			if err := tx.ConfirmItem(ctx, conf); err != nil {
				return err
			}
			diffs = append(diffs, itemDiffs(s.ID, req.ConfirmedBy, it, conf)...)
		}

		data, err := withReceivedDate(s.ExtractedData, req.ActualReceivedDate)
		if err != nil {
			return fmt.Errorf("statement: merge received date: %w", err)
		}
		return tx.MarkConfirmed(ctx, Confirmation{
			ID:            s.ID,
			By:            req.ConfirmedBy,
			At:            c.nowFunc().UTC(),
			Fingerprint:   fingerprint,
			ExtractedData: data,
		})
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	if result.Replayed {
		return result, nil
	}

	if c.cache != nil {
		if err := c.cache.Bump(ctx); err != nil {
			c.logger.Warn("bump ledger cache", slog.Any("error", err))
		}
	}
	c.corrections.RecordAll(ctx, diffs)
	if c.queue != nil {
		c.queue.Chain(ctx, "confirmed")
	}
	c.logger.Info("statement confirmed",
		slog.String("statement_id", req.StatementID),
		slog.String("confirmed_by", req.ConfirmedBy),
		slog.Int("items", len(req.Items)))
	return result, nil
}

// applyItem resolves defaults and writes the ledger side of one item. inserted
// reports that a new ledger line was created for an additional item.
func (c *Confirmer) applyItem(ctx context.Context, w ledger.Writer, statementID string, it Item, ci ConfirmItem) (conf ItemConfirmation, inserted bool, err error) {
	conf = ItemConfirmation{
		StatementID:  statementID,
		ItemID:       it.ID,
		PurchaseID:   deref64(ci.MatchedPurchaseID),
		LineID:       deref64(ci.MatchedItemID),
		Method:       it.MatchMethod,
		Confidence:   it.MatchConfidence,
		Quantity:     pick(ci.ConfirmedQuantity, it.Quantity),
		UnitPrice:    pick(ci.ConfirmedUnitPrice, it.UnitPrice),
		Amount:       pick(ci.ConfirmedAmount, it.Amount),
		IsAdditional: ci.IsAdditionalItem,
		ParentItemID: ci.ParentItemID,
	}
	switch {
	case conf.PurchaseID == it.MatchedPurchaseID && conf.LineID == it.MatchedItemID:
		// The reviewer accepted the suggestion as is.
	case conf.PurchaseID == 0 && conf.LineID == 0:
		conf.Method = ""
		conf.Confidence = confidence.Unknown
	default:
		conf.Method = matching.MethodManual
		conf.Confidence = confidence.High
	}

	switch {
	case conf.LineID != 0:
		var line ledger.Line
		line, err = w.LockLine(ctx, conf.LineID)
		if errors.Is(err, ledger.ErrNotFound) {
			return conf, false, fmt.Errorf("%w: ledger line %d", ErrInvalidReference, conf.LineID)
		}
		if err != nil {
			return conf, false, fmt.Errorf("%w: lock line %d: %v", ErrLedgerWrite, conf.LineID, err)
		}
		if conf.PurchaseID != 0 && conf.PurchaseID != line.PurchaseID {
			return conf, false, fmt.Errorf("%w: line %d is not on purchase %d", ErrInvalidReference, conf.LineID, conf.PurchaseID)
		}
		conf.PurchaseID = line.PurchaseID
		err = w.SetReceived(ctx, ledger.Receipt{LineID: conf.LineID, Quantity: conf.Quantity, UnitPrice: conf.UnitPrice, Amount: conf.Amount})
		if err != nil {
			return conf, false, fmt.Errorf("%w: line %d: %v", ErrLedgerWrite, conf.LineID, err)
		}
	case conf.PurchaseID != 0 && ci.IsAdditionalItem:
		var id int64
		id, err = w.InsertLine(ctx, ledger.NewLine{
			PurchaseID:    conf.PurchaseID,
			ItemName:      it.ItemName,
			Specification: it.Specification,
			Quantity:      conf.Quantity,
			UnitPrice:     conf.UnitPrice,
			Amount:        conf.Amount,
		})
		if errors.Is(err, ledger.ErrNotFound) {
			return conf, false, fmt.Errorf("%w: purchase %d", ErrInvalidReference, conf.PurchaseID)
		}
		if err != nil {
			return conf, false, fmt.Errorf("%w: insert line under %d: %v", ErrLedgerWrite, conf.PurchaseID, err)
		}
		conf.LineID = id
		inserted = true
	case conf.PurchaseID != 0:
		var ok bool
		ok, err = w.OrderExists(ctx, conf.PurchaseID)
		if err != nil {
			return conf, false, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		if !ok {
			return conf, false, fmt.Errorf("%w: purchase %d", ErrInvalidReference, conf.PurchaseID)
		}
	}
	return conf, inserted, nil
}

// Reject closes an extracted statement without touching the ledger.
func (c *Confirmer) Reject(ctx context.Context, id string) error {
	ok, err := c.repo.Reject(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	s, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot reject %s statement", ErrStateConflict, s.Status)
}

// UpdateItemMatch points an item at a ledger line chosen by a reviewer.
func (c *Confirmer) UpdateItemMatch(ctx context.Context, m ItemMatch) error {
	if m.PurchaseID <= 0 || m.LineID <= 0 {
		return fmt.Errorf("%w: purchase and line ids are required", ErrValidation)
	}
	if _, err := c.repo.Item(ctx, m.StatementID, m.ItemID); err != nil {
		return err
	}
	line, err := c.ledger.Line(ctx, m.LineID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: ledger line %d", ErrInvalidReference, m.LineID)
	}
	if err != nil {
		return err
	}
	if line.PurchaseID != m.PurchaseID {
		return fmt.Errorf("%w: line %d is not on purchase %d", ErrInvalidReference, m.LineID, m.PurchaseID)
	}
	ok, err := c.repo.SetItemMatch(ctx, m)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: statement is not awaiting review", ErrStateConflict)
	}
	return nil
}

func checkConfirmItems(items []ConfirmItem) error {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.ItemID] {
			return fmt.Errorf("%w: item %s listed twice", ErrValidation, it.ItemID)
		}
		seen[it.ItemID] = true
		for _, d := range []*decimal.Decimal{it.ConfirmedQuantity, it.ConfirmedUnitPrice, it.ConfirmedAmount} {
			if d != nil && d.IsNegative() {
				return fmt.Errorf("%w: item %s has a negative value", ErrValidation, it.ItemID)
			}
		}
	}
	return nil
}

func itemDiffs(statementID, by string, it Item, conf ItemConfirmation) []Correction {
	var out []Correction
	add := func(field FieldType, before, after decimal.Decimal) {
		if !before.Equal(after) {
			out = append(out, Correction{
				StatementID:     statementID,
				StatementItemID: it.ID,
				OriginalText:    before.String(),
				CorrectedText:   after.String(),
				FieldType:       field,
				CorrectedBy:     by,
			})
		}
	}
	add(FieldQuantity, it.Quantity, conf.Quantity)
	add(FieldUnitPrice, it.UnitPrice, conf.UnitPrice)
	add(FieldAmount, it.Amount, conf.Amount)
	return out
}

func pick(v *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if v != nil {
		return *v
	}
	return fallback
}

func deref64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func decString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
