package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/ledger"
	"github.com/odyssey-erp/statement-recon/internal/matching"
	"github.com/odyssey-erp/statement-recon/internal/platform/db"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PGRepository is the Postgres implementation of Repository.
type PGRepository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs a repository over the pool.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, db: pool}
}

const statementColumns = `s.id::text, s.image_url, s.file_name, COALESCE(s.file_type, ''), s.uploaded_at, COALESCE(s.uploaded_by, ''),
       s.status, s.queued_at, s.processing_started_at, s.processing_finished_at, COALESCE(s.locked_by, ''),
       s.lease_expires_at, s.retry_count, s.next_retry_at, s.last_error_at, COALESCE(s.extraction_error, ''),
       s.reset_before_extract, COALESCE(to_char(s.statement_date, 'YYYY-MM-DD'), ''), COALESCE(s.vendor_name, ''),
       s.total_amount, s.tax_amount, s.grand_total, s.extracted_data,
       s.confirmed_at, COALESCE(s.confirmed_by, ''), COALESCE(s.confirmation_fingerprint, '')`

const itemColumns = `i.id::text, i.statement_id::text, i.line_number, COALESCE(i.printed_line_number, 0), i.item_name, COALESCE(i.specification, ''),
       i.quantity, i.unit_price, i.amount, i.tax_amount, COALESCE(i.po_number, ''),
       COALESCE(i.inferred_po_number, ''), COALESCE(i.inferred_po_source, ''), COALESCE(i.inferred_po_confidence, 0),
       COALESCE(i.remark, ''), COALESCE(i.confidence, ''),
       COALESCE(i.matched_purchase_id, 0), COALESCE(i.matched_item_id, 0), COALESCE(i.match_confidence, ''), COALESCE(i.match_method, ''),
       i.is_confirmed, i.confirmed_quantity, i.confirmed_unit_price, i.confirmed_amount,
       i.is_additional_item, COALESCE(i.parent_item_id::text, '')`

// Create inserts a pending statement.
func (r *PGRepository) Create(ctx context.Context, s Statement) error {
	_, err := r.db.Exec(ctx, `INSERT INTO transaction_statements
    (id, image_url, file_name, file_type, uploaded_at, uploaded_by, status)
VALUES ($1::uuid, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)`,
		s.ID, s.ImageURL, s.FileName, string(s.FileType), s.UploadedAt, s.UploadedBy, string(s.Status))
	if err != nil {
		return fmt.Errorf("statement: insert: %w", err)
	}
	return nil
}

// Get loads one statement.
func (r *PGRepository) Get(ctx context.Context, id string) (Statement, error) {
	return getStatement(ctx, r.db, id, false)
}

func getStatement(ctx context.Context, q dbtx, id string, lock bool) (Statement, error) {
	query := `SELECT ` + statementColumns + ` FROM transaction_statements s WHERE s.id::text = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	s, err := scanStatement(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrNotFound
		}
		return Statement{}, fmt.Errorf("statement: get: %w", err)
	}
	return s, nil
}

// List returns statements newest first.
func (r *PGRepository) List(ctx context.Context, f ListFilter) ([]Statement, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+statementColumns+`
FROM transaction_statements s
WHERE ($1 = '' OR s.status = $1)
ORDER BY s.uploaded_at DESC, s.id
LIMIT $2`, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("statement: list: %w", err)
	}
	defer rows.Close()
	var out []Statement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Items lists the items of a statement in line order.
func (r *PGRepository) Items(ctx context.Context, statementID string) ([]Item, error) {
	return listItems(ctx, r.db, statementID)
}

func listItems(ctx context.Context, q dbtx, statementID string) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+`
FROM transaction_statement_items i
WHERE i.statement_id::text = $1
ORDER BY i.line_number, i.id`, statementID)
	if err != nil {
		return nil, fmt.Errorf("statement: list items: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Item loads one item of a statement.
func (r *PGRepository) Item(ctx context.Context, statementID, itemID string) (Item, error) {
	it, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+`
FROM transaction_statement_items i
WHERE i.statement_id::text = $1 AND i.id::text = $2`, statementID, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("statement: get item: %w", err)
	}
	return it, nil
}

// MarkQueued moves a pending or failed statement to queued.
func (r *PGRepository) MarkQueued(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE transaction_statements
SET status = 'queued', queued_at = $2, retry_count = 0, next_retry_at = NULL,
    locked_by = NULL, lease_expires_at = NULL
WHERE id::text = $1 AND status IN ('pending', 'failed')`, id, now)
	if err != nil {
		return false, fmt.Errorf("statement: mark queued: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim takes the lease on one eligible row. SKIP LOCKED lets concurrent
// claimers move past a row another transaction is already taking.
func (r *PGRepository) Claim(ctx context.Context, req ClaimRequest) (Statement, error) {
	s, err := scanStatement(r.db.QueryRow(ctx, `WITH next AS (
    SELECT id FROM transaction_statements
    WHERE ($4 = '' OR id::text = $4)
      AND ((status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= $2))
        OR (status = 'processing' AND lease_expires_at < $2))
    ORDER BY queued_at NULLS LAST, uploaded_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE transaction_statements s
SET status = 'processing', locked_by = $1, processing_started_at = $2,
    lease_expires_at = $3, processing_finished_at = NULL
FROM next
WHERE s.id = next.id
RETURNING `+statementColumns, req.WorkerID, req.Now, req.LeaseUntil, req.StatementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrNoWork
		}
		return Statement{}, fmt.Errorf("statement: claim: %w", err)
	}
	return s, nil
}

// ResetExtraction clears a previous extraction under the caller's lease.
func (r *PGRepository) ResetExtraction(ctx context.Context, id, workerID string) error {
	return r.withTx(ctx, func(q dbtx) error {
		tag, err := q.Exec(ctx, `UPDATE transaction_statements
SET statement_date = NULL, vendor_name = NULL, total_amount = NULL, tax_amount = NULL, grand_total = NULL,
    extracted_data = CASE WHEN extracted_data ? 'actual_received_date'
        THEN jsonb_build_object('actual_received_date', extracted_data->'actual_received_date')
        ELSE NULL END,
    extraction_error = NULL, reset_before_extract = FALSE
WHERE id::text = $1 AND locked_by = $2`, id, workerID)
		if err != nil {
			return fmt.Errorf("statement: reset: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}
		if _, err := q.Exec(ctx, `DELETE FROM transaction_statement_items WHERE statement_id::text = $1`, id); err != nil {
			return fmt.Errorf("statement: reset items: %w", err)
		}
		return nil
	})
}

// Complete stores the extraction and releases the lease.
func (r *PGRepository) Complete(ctx context.Context, c Completion) error {
	return r.withTx(ctx, func(q dbtx) error {
		tag, err := q.Exec(ctx, `UPDATE transaction_statements
SET status = 'extracted', processing_finished_at = $3, locked_by = NULL, lease_expires_at = NULL,
    next_retry_at = NULL, extraction_error = NULL,
    file_type = COALESCE(NULLIF($4, ''), file_type),
    statement_date = NULLIF($5, '')::date, vendor_name = NULLIF($6, ''),
    total_amount = $7, tax_amount = $8, grand_total = $9, extracted_data = $10
WHERE id::text = $1 AND locked_by = $2 AND status = 'processing'`,
			c.ID, c.WorkerID, c.Now, string(c.FileType), c.Header.StatementDate, c.Header.VendorName,
			c.Header.TotalAmount, c.Header.TaxAmount, c.Header.GrandTotal, jsonArg(c.ExtractedData))
		if err != nil {
			return stageErr(StageDBUpdate, fmt.Errorf("statement: complete: %w", err))
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}
		if _, err := q.Exec(ctx, `DELETE FROM transaction_statement_items WHERE statement_id::text = $1`, c.ID); err != nil {
			return stageErr(StageDBInsertItems, fmt.Errorf("statement: clear items: %w", err))
		}
		for _, it := range c.Items {
			if err := insertItem(ctx, q, it); err != nil {
				return stageErr(StageDBInsertItems, err)
			}
		}
		return nil
	})
}

func insertItem(ctx context.Context, q dbtx, it Item) error {
	_, err := q.Exec(ctx, `INSERT INTO transaction_statement_items
    (id, statement_id, line_number, item_name, specification, quantity, unit_price, amount, tax_amount,
     po_number, inferred_po_number, inferred_po_source, inferred_po_confidence, remark, confidence,
     matched_purchase_id, matched_item_id, match_confidence, match_method, printed_line_number)
VALUES ($1::uuid, $2::uuid, $3, $4, NULLIF($5, ''), $6, $7, $8, $9,
        NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13, NULLIF($14, ''), NULLIF($15, ''),
        $16, $17, NULLIF($18, ''), NULLIF($19, ''), NULLIF($20, 0))`,
		it.ID, it.StatementID, it.LineNumber, it.ItemName, it.Specification, it.Quantity, it.UnitPrice, it.Amount, it.TaxAmount,
		it.PONumber, it.InferredOrderNumber, string(it.InferredSource), it.InferredConfidence, it.Remark, it.Confidence.String(),
		nullID(it.MatchedPurchaseID), nullID(it.MatchedItemID), it.MatchConfidence.String(), string(it.MatchMethod),
		it.PrintedLineNumber)
	if err != nil {
		return fmt.Errorf("statement: insert item %d: %w", it.LineNumber, err)
	}
	return nil
}

// RecordFailure stores a failed attempt and releases the lease.
func (r *PGRepository) RecordFailure(ctx context.Context, f Failure) error {
	tag, err := r.db.Exec(ctx, `UPDATE transaction_statements
SET status = $3, retry_count = $4, next_retry_at = $5, extraction_error = $6, last_error_at = $7,
    processing_finished_at = $7, locked_by = NULL, lease_expires_at = NULL,
    queued_at = CASE WHEN $3 = 'queued' THEN COALESCE(queued_at, $7) ELSE queued_at END
WHERE id::text = $1 AND locked_by = $2 AND status = 'processing' AND retry_count = $8`,
		f.ID, f.WorkerID, string(f.Status), f.RetryCount, f.NextRetryAt, f.Error, f.Now, f.ExpectedRetry)
	if err != nil {
		return fmt.Errorf("statement: record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkRerun flags a statement for re-extraction and moves it to pending.
func (r *PGRepository) MarkRerun(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE transaction_statements
SET status = 'pending', reset_before_extract = TRUE, locked_by = NULL, lease_expires_at = NULL,
    next_retry_at = NULL, retry_count = 0
WHERE id::text = $1
  AND (status IN ('pending', 'queued', 'failed', 'extracted')
    OR (status = 'processing' AND lease_expires_at < $2))`, id, now)
	if err != nil {
		return false, fmt.Errorf("statement: mark rerun: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// StaleLeases lists processing rows whose lease expired.
func (r *PGRepository) StaleLeases(ctx context.Context, now time.Time, limit int) ([]Statement, error) {
	rows, err := r.db.Query(ctx, `SELECT `+statementColumns+`
FROM transaction_statements s
WHERE s.status = 'processing' AND s.lease_expires_at < $1
ORDER BY s.lease_expires_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("statement: stale leases: %w", err)
	}
	defer rows.Close()
	var out []Statement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Reject moves an extracted statement to rejected.
func (r *PGRepository) Reject(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE transaction_statements SET status = 'rejected'
WHERE id::text = $1 AND status = 'extracted'`, id)
	if err != nil {
		return false, fmt.Errorf("statement: reject: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetItemMatch re-points one item while its statement awaits review.
func (r *PGRepository) SetItemMatch(ctx context.Context, m ItemMatch) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE transaction_statement_items i
SET matched_purchase_id = $3, matched_item_id = $4, match_method = 'manual', match_confidence = 'high'
FROM transaction_statements s
WHERE i.statement_id::text = $1 AND i.id::text = $2 AND s.id = i.statement_id AND s.status = 'extracted'`,
		m.StatementID, m.ItemID, m.PurchaseID, m.LineID)
	if err != nil {
		return false, fmt.Errorf("statement: set item match: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendCorrection inserts one correction.
func (r *PGRepository) AppendCorrection(ctx context.Context, c Correction) error {
	_, err := r.db.Exec(ctx, `INSERT INTO ocr_corrections
    (id, statement_id, statement_item_id, original_text, corrected_text, field_type, corrected_by, created_at)
VALUES ($1::uuid, NULLIF($2, '')::uuid, NULLIF($3, '')::uuid, $4, $5, $6, NULLIF($7, ''), $8)`,
		c.ID, c.StatementID, c.StatementItemID, c.OriginalText, c.CorrectedText, string(c.FieldType), c.CorrectedBy, c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s", ErrInvalidReference, pgErr.ConstraintName)
		}
		return fmt.Errorf("statement: append correction: %w", err)
	}
	return nil
}

// WithTx runs fn in a repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{db: tx, ledger: ledger.NewTxWriter(tx)})
	})
}

func (r *PGRepository) withTx(ctx context.Context, fn func(dbtx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

type txRepo struct {
	db     dbtx
	ledger *ledger.Repository
}

func (t *txRepo) LockStatement(ctx context.Context, id string) (Statement, error) {
	return getStatement(ctx, t.db, id, true)
}

func (t *txRepo) Items(ctx context.Context, statementID string) ([]Item, error) {
	return listItems(ctx, t.db, statementID)
}

func (t *txRepo) ConfirmItem(ctx context.Context, c ItemConfirmation) error {
	tag, err := t.db.Exec(ctx, `UPDATE transaction_statement_items
SET is_confirmed = TRUE, confirmed_quantity = $3, confirmed_unit_price = $4, confirmed_amount = $5,
    matched_purchase_id = $6, matched_item_id = $7, match_method = NULLIF($8, ''), match_confidence = NULLIF($9, ''),
    is_additional_item = $10, parent_item_id = NULLIF($11, '')::uuid
WHERE statement_id::text = $1 AND id::text = $2`,
		c.StatementID, c.ItemID, c.Quantity, c.UnitPrice, c.Amount,
		nullID(c.PurchaseID), nullID(c.LineID), string(c.Method), c.Confidence.String(),
		c.IsAdditional, c.ParentItemID)
	if err != nil {
		return fmt.Errorf("statement: confirm item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidReference
	}
	return nil
}

func (t *txRepo) MarkConfirmed(ctx context.Context, c Confirmation) error {
	tag, err := t.db.Exec(ctx, `UPDATE transaction_statements
SET status = 'confirmed', confirmed_at = $2, confirmed_by = $3, confirmation_fingerprint = $4, extracted_data = $5
WHERE id::text = $1 AND status = 'extracted'`, c.ID, c.At, c.By, c.Fingerprint, jsonArg(c.ExtractedData))
	if err != nil {
		return fmt.Errorf("statement: mark confirmed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

func (t *txRepo) Ledger() ledger.Writer { return t.ledger }

func scanStatement(row interface{ Scan(dest ...any) error }) (Statement, error) {
	var (
		s        Statement
		fileType string
		status   string
		raw      []byte
	)
	err := row.Scan(
		&s.ID, &s.ImageURL, &s.FileName, &fileType, &s.UploadedAt, &s.UploadedBy,
		&status, &s.QueuedAt, &s.ProcessingStartedAt, &s.ProcessingFinishedAt, &s.LockedBy,
		&s.LeaseExpiresAt, &s.RetryCount, &s.NextRetryAt, &s.LastErrorAt, &s.ExtractionError,
		&s.ResetBeforeExtract, &s.StatementDate, &s.VendorName,
		&s.TotalAmount, &s.TaxAmount, &s.GrandTotal, &raw,
		&s.ConfirmedAt, &s.ConfirmedBy, &s.ConfirmationFingerprint,
	)
	if err != nil {
		return Statement{}, err
	}
	s.FileType = extraction.FileKind(fileType)
	s.Status = Status(status)
	if len(raw) > 0 {
		s.ExtractedData = json.RawMessage(raw)
	}
	return s, nil
}

func scanItem(row interface{ Scan(dest ...any) error }) (Item, error) {
	var (
		it                     Item
		source, conf, matchLvl string
		method                 string
	)
	err := row.Scan(
		&it.ID, &it.StatementID, &it.LineNumber, &it.PrintedLineNumber, &it.ItemName, &it.Specification,
		&it.Quantity, &it.UnitPrice, &it.Amount, &it.TaxAmount, &it.PONumber,
		&it.InferredOrderNumber, &source, &it.InferredConfidence,
		&it.Remark, &conf,
		&it.MatchedPurchaseID, &it.MatchedItemID, &matchLvl, &method,
		&it.IsConfirmed, &it.ConfirmedQuantity, &it.ConfirmedUnitPrice, &it.ConfirmedAmount,
		&it.IsAdditionalItem, &it.ParentItemID,
	)
	if err != nil {
		return Item{}, err
	}
	it.InferredSource = extraction.OrderSource(source)
	it.Confidence, _ = confidence.Parse(conf)
	it.MatchConfidence, _ = confidence.Parse(matchLvl)
	it.MatchMethod = matching.Method(method)
	return it, nil
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
