package statement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/ledger"
	"github.com/odyssey-erp/statement-recon/internal/matching"
)

// Repository persists statements. Transition methods are compare-and-set
// updates; a false or ErrLeaseLost result means the row was not in the
// expected state.
type Repository interface {
	Create(ctx context.Context, s Statement) error
	Get(ctx context.Context, id string) (Statement, error)
	List(ctx context.Context, f ListFilter) ([]Statement, error)
	Items(ctx context.Context, statementID string) ([]Item, error)
	Item(ctx context.Context, statementID, itemID string) (Item, error)

	MarkQueued(ctx context.Context, id string, now time.Time) (bool, error)
	Claim(ctx context.Context, req ClaimRequest) (Statement, error)
	ResetExtraction(ctx context.Context, id, workerID string) error
	Complete(ctx context.Context, c Completion) error
	RecordFailure(ctx context.Context, f Failure) error
	MarkRerun(ctx context.Context, id string, now time.Time) (bool, error)
	StaleLeases(ctx context.Context, now time.Time, limit int) ([]Statement, error)
	Reject(ctx context.Context, id string) (bool, error)
	SetItemMatch(ctx context.Context, m ItemMatch) (bool, error)

	AppendCorrection(ctx context.Context, c Correction) error
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository is the confirmation view of the store. Ledger writes through
// Ledger share the transaction.
type TxRepository interface {
	LockStatement(ctx context.Context, id string) (Statement, error)
	Items(ctx context.Context, statementID string) ([]Item, error)
	ConfirmItem(ctx context.Context, c ItemConfirmation) error
	MarkConfirmed(ctx context.Context, c Confirmation) error
	Ledger() ledger.Writer
}

// ClaimRequest selects a claimable row. An empty StatementID claims the
// oldest eligible row.
type ClaimRequest struct {
	WorkerID    string
	StatementID string
	Now         time.Time
	LeaseUntil  time.Time
}

// Completion is the successful end of processing.
type Completion struct {
	ID            string
	WorkerID      string
	Now           time.Time
	FileType      extraction.FileKind
	Header        Header
	ExtractedData json.RawMessage
	Items         []Item
}

// Failure records a failed attempt. ExpectedRetry guards against a second
// writer recording the same attempt.
type Failure struct {
	ID            string
	WorkerID      string
	ExpectedRetry int
	RetryCount    int
	Status        Status
	NextRetryAt   *time.Time
	Error         string
	Now           time.Time
}

// ItemMatch is a manual re-match of one item.
type ItemMatch struct {
	StatementID string
	ItemID      string
	PurchaseID  int64
	LineID      int64
}

// ItemConfirmation is the confirmed state of one item.
type ItemConfirmation struct {
	StatementID  string
	ItemID       string
	PurchaseID   int64
	LineID       int64
	Method       matching.Method
	Confidence   confidence.Level
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	Amount       decimal.Decimal
	IsAdditional bool
	ParentItemID string
}

// Confirmation closes a statement.
type Confirmation struct {
	ID            string
	By            string
	At            time.Time
	Fingerprint   string
	ExtractedData json.RawMessage
}
