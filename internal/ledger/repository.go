package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository reads and writes the ledger tables with pgx.
type Repository struct {
	db dbtx
}

// NewRepository binds the repository to a pool for reads.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// NewTxWriter binds the repository to an open transaction so ledger writes
// commit or roll back with the statement update.
func NewTxWriter(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

const lineColumns = `l.id, l.purchase_id, l.line_number, l.item_name, COALESCE(l.specification, ''),
       l.quantity, l.unit_price, l.amount, l.received_quantity,
       o.po_number, COALESCE(o.so_number, ''), COALESCE(v.name, ''), o.request_date`

const lineFrom = `FROM purchase_lines l
JOIN purchase_orders o ON o.id = l.purchase_id
LEFT JOIN vendors v ON v.id = o.vendor_id`

// LinesByOrderNumbers returns lines whose order carries any of the given PO or
// SO numbers. GroupByOrder keys them by the number that selected them.
func (r *Repository) LinesByOrderNumbers(ctx context.Context, numbers []string) ([]Line, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	query := `SELECT ` + lineColumns + `
` + lineFrom + `
WHERE o.po_number = ANY($1) OR o.so_number = ANY($1)
ORDER BY l.purchase_id, l.line_number, l.id`
	return r.queryLines(ctx, query, numbers)
}

// LinesInWindow returns lines of orders requested inside the window.
func (r *Repository) LinesInWindow(ctx context.Context, w Window) ([]Line, error) {
	query := `SELECT ` + lineColumns + `
` + lineFrom + `
WHERE o.request_date BETWEEN $1 AND $2
  AND ($3::bigint = 0 OR o.vendor_id = $3::bigint)
ORDER BY l.purchase_id, l.line_number, l.id
LIMIT 2000`
	return r.queryLines(ctx, query, w.From, w.To, w.VendorID)
}

// Vendors lists the vendor directory.
func (r *Repository) Vendors(ctx context.Context) ([]Vendor, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, COALESCE(aliases, '{}') FROM vendors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list vendors: %w", err)
	}
	defer rows.Close()
	var out []Vendor
	for rows.Next() {
		var v Vendor
		if err := rows.Scan(&v.ID, &v.Name, &v.Aliases); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Line loads one line.
func (r *Repository) Line(ctx context.Context, id int64) (Line, error) {
	return r.oneLine(ctx, `SELECT `+lineColumns+`
`+lineFrom+`
WHERE l.id = $1`, id)
}

// LockLine loads one line and locks it for the rest of the transaction.
func (r *Repository) LockLine(ctx context.Context, id int64) (Line, error) {
	return r.oneLine(ctx, `SELECT `+lineColumns+`
`+lineFrom+`
WHERE l.id = $1
FOR UPDATE OF l`, id)
}

// OrderExists reports whether a purchase order is present.
func (r *Repository) OrderExists(ctx context.Context, purchaseID int64) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE id = $1)`, purchaseID).Scan(&ok)
	return ok, err
}

// SetReceived overwrites the received quantity and confirmed price of a line.
func (r *Repository) SetReceived(ctx context.Context, rc Receipt) error {
	tag, err := r.db.Exec(ctx, `UPDATE purchase_lines
SET received_quantity = $2, unit_price = $3, amount = $4, updated_at = NOW()
WHERE id = $1`, rc.LineID, rc.Quantity, rc.UnitPrice, rc.Amount)
	if err != nil {
		return fmt.Errorf("ledger: set received: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertLine appends a line to an existing order, numbering it after the last.
func (r *Repository) InsertLine(ctx context.Context, l NewLine) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `INSERT INTO purchase_lines
    (purchase_id, line_number, item_name, specification, quantity, unit_price, amount, received_quantity)
SELECT $1, COALESCE(MAX(line_number), 0) + 1, $2, NULLIF($3, ''), $4, $5, $6, $4
FROM purchase_lines WHERE purchase_id = $1
RETURNING id`, l.PurchaseID, l.ItemName, l.Specification, l.Quantity, l.UnitPrice, l.Amount).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ledger: insert line: %w", err)
	}
	return id, nil
}

func (r *Repository) oneLine(ctx context.Context, query string, args ...any) (Line, error) {
	l, err := scanLine(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Line{}, ErrNotFound
	}
	return l, err
}

func (r *Repository) queryLines(ctx context.Context, query string, args ...any) ([]Line, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query lines: %w", err)
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLine(row interface{ Scan(dest ...any) error }) (Line, error) {
	var l Line
	err := row.Scan(
		&l.ID, &l.PurchaseID, &l.LineNumber, &l.ItemName, &l.Specification,
		&l.Quantity, &l.UnitPrice, &l.Amount, &l.ReceivedQuantity,
		&l.PONumber, &l.SONumber, &l.VendorName, &l.RequestDate,
	)
	return l, err
}

// GroupByOrder keys lines by whichever of numbers their order carries.
func GroupByOrder(lines []Line, numbers []string) map[string][]Line {
	out := make(map[string][]Line, len(numbers))
	for _, n := range numbers {
		for _, l := range lines {
			if l.PONumber == n || (l.SONumber != "" && l.SONumber == n) {
				out[n] = append(out[n], l)
			}
		}
	}
	return out
}
