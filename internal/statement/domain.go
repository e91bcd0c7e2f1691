// Package statement owns the lifecycle of uploaded transaction statements:
// queueing and claiming, extraction and matching, human confirmation and the
// correction log.
package statement

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/matching"
)

// Status is the lifecycle state of a statement.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusExtracted  Status = "extracted"
	StatusFailed     Status = "failed"
	StatusConfirmed  Status = "confirmed"
	StatusRejected   Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusExtracted, StatusFailed, StatusConfirmed, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// Stage tags the pipeline step an error came from.
type Stage string

const (
	StageInit               Stage = "init"
	StageCleanupStale       Stage = "cleanup_stale"
	StageClaim              Stage = "claim_statement"
	StageDownload           Stage = "download_file"
	StageDetectType         Stage = "detect_type"
	StageParse              Stage = "parse_file"
	StageValidateExtraction Stage = "validate_extraction"
	StageMatchItems         Stage = "match_items"
	StageMatchVendor        Stage = "match_vendor"
	StageDBUpdate           Stage = "db_update"
	StageDBInsertItems      Stage = "db_insert_items"
)

var (
	ErrNotFound             = errors.New("statement: not found")
	ErrNoWork               = errors.New("statement: no claimable statement")
	ErrLeaseLost            = errors.New("statement: lease lost")
	ErrStateConflict        = errors.New("statement: state conflict")
	ErrConfirmationMismatch = fmt.Errorf("%w: confirmed with a different payload", ErrStateConflict)
	ErrInvalidReference     = errors.New("statement: invalid reference")
	ErrLedgerWrite          = errors.New("statement: ledger write failed")
	ErrValidation           = errors.New("statement: validation failed")
)

// StageError attaches a stage tag to a pipeline failure.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("[stage:%s] %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage tag carried by err, or StageInit.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageInit
}

// Statement is one uploaded document and its processing state.
type Statement struct {
	ID         string              `json:"id"`
	ImageURL   string              `json:"image_url"`
	FileName   string              `json:"file_name"`
	FileType   extraction.FileKind `json:"file_type,omitempty"`
	UploadedAt time.Time           `json:"uploaded_at"`
	UploadedBy string              `json:"uploaded_by,omitempty"`

	Status               Status     `json:"status"`
	QueuedAt             *time.Time `json:"queued_at,omitempty"`
	ProcessingStartedAt  *time.Time `json:"processing_started_at,omitempty"`
	ProcessingFinishedAt *time.Time `json:"processing_finished_at,omitempty"`
	LockedBy             string     `json:"locked_by,omitempty"`
	LeaseExpiresAt       *time.Time `json:"lease_expires_at,omitempty"`
	RetryCount           int        `json:"retry_count"`
	NextRetryAt          *time.Time `json:"next_retry_at,omitempty"`
	LastErrorAt          *time.Time `json:"last_error_at,omitempty"`
	ExtractionError      string     `json:"extraction_error,omitempty"`
	ResetBeforeExtract   bool       `json:"reset_before_extract"`

	StatementDate string              `json:"statement_date,omitempty"`
	VendorName    string              `json:"vendor_name,omitempty"`
	TotalAmount   decimal.NullDecimal `json:"total_amount"`
	TaxAmount     decimal.NullDecimal `json:"tax_amount"`
	GrandTotal    decimal.NullDecimal `json:"grand_total"`
	ExtractedData json.RawMessage     `json:"extracted_data,omitempty"`

	ConfirmedAt             *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy             string     `json:"confirmed_by,omitempty"`
	ConfirmationFingerprint string     `json:"-"`
}

// Item is one statement line with its extraction, match and confirmation
// fields.
type Item struct {
	ID                  string                 `json:"id"`
	StatementID         string                 `json:"statement_id"`
	LineNumber          int                    `json:"line_number"`
	PrintedLineNumber   int                    `json:"printed_line_number,omitempty"`
	ItemName            string                 `json:"item_name"`
	Specification       string                 `json:"specification,omitempty"`
	Quantity            decimal.Decimal        `json:"quantity"`
	UnitPrice           decimal.Decimal        `json:"unit_price"`
	Amount              decimal.Decimal        `json:"amount"`
	TaxAmount           decimal.NullDecimal    `json:"tax_amount"`
	PONumber            string                 `json:"po_number,omitempty"`
	InferredOrderNumber string                 `json:"inferred_po_number,omitempty"`
	InferredSource      extraction.OrderSource `json:"inferred_po_source,omitempty"`
	InferredConfidence  float64                `json:"inferred_po_confidence,omitempty"`
	Remark              string                 `json:"remark,omitempty"`
	Confidence          confidence.Level       `json:"confidence"`

	MatchedPurchaseID int64            `json:"matched_purchase_id,omitempty"`
	MatchedItemID     int64            `json:"matched_item_id,omitempty"`
	MatchConfidence   confidence.Level `json:"match_confidence"`
	MatchMethod       matching.Method  `json:"match_method,omitempty"`

	IsConfirmed        bool                `json:"is_confirmed"`
	ConfirmedQuantity  decimal.NullDecimal `json:"confirmed_quantity"`
	ConfirmedUnitPrice decimal.NullDecimal `json:"confirmed_unit_price"`
	ConfirmedAmount    decimal.NullDecimal `json:"confirmed_amount"`
	IsAdditionalItem   bool                `json:"is_additional_item"`
	ParentItemID       string              `json:"parent_item_id,omitempty"`
}

// MatchInput is the part of a stored item matching looks at.
func (it Item) MatchInput() matching.Input {
	order := it.InferredOrderNumber
	if order == "" {
		order = it.PONumber
	}
	return matching.Input{Name: it.ItemName, Quantity: it.Quantity, OrderNumber: order}
}

// Header is the statement-level extraction result.
type Header struct {
	StatementDate string
	VendorName    string
	TotalAmount   decimal.NullDecimal
	TaxAmount     decimal.NullDecimal
	GrandTotal    decimal.NullDecimal
}

// ListFilter narrows List.
type ListFilter struct {
	Status Status
	Limit  int
}

// FieldType names the field a correction applies to.
type FieldType string

const (
	FieldPONumber   FieldType = "po_number"
	FieldItemName   FieldType = "item_name"
	FieldQuantity   FieldType = "quantity"
	FieldUnitPrice  FieldType = "unit_price"
	FieldAmount     FieldType = "amount"
	FieldDate       FieldType = "date"
	FieldVendorName FieldType = "vendor_name"
	FieldRemark     FieldType = "remark"
)

// Valid reports whether f is a known field type.
func (f FieldType) Valid() bool {
	switch f {
	case FieldPONumber, FieldItemName, FieldQuantity, FieldUnitPrice, FieldAmount, FieldDate, FieldVendorName, FieldRemark:
		return true
	}
	return false
}

// Correction is one human fix of an extracted value.
type Correction struct {
	ID              string    `json:"id"`
	StatementID     string    `json:"statement_id,omitempty"`
	StatementItemID string    `json:"statement_item_id,omitempty"`
	OriginalText    string    `json:"original_text"`
	CorrectedText   string    `json:"corrected_text"`
	FieldType       FieldType `json:"field_type"`
	CorrectedBy     string    `json:"corrected_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
