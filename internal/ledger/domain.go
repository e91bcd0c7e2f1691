// Package ledger is the read model of purchase orders, their lines and the
// vendor directory, plus the narrow write-back used by confirmation.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound reports a missing purchase order or line.
var ErrNotFound = errors.New("ledger: record not found")

// Vendor is one directory entry.
type Vendor struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// PurchaseOrder is a purchase-order header.
type PurchaseOrder struct {
	ID          int64     `json:"id"`
	PONumber    string    `json:"po_number"`
	SONumber    string    `json:"so_number,omitempty"`
	VendorID    int64     `json:"vendor_id,omitempty"`
	VendorName  string    `json:"vendor_name,omitempty"`
	RequestDate time.Time `json:"request_date"`
}

// Line is a purchase line joined with its order header so matching never
// needs a second lookup.
type Line struct {
	ID               int64               `json:"id"`
	PurchaseID       int64               `json:"purchase_id"`
	LineNumber       int                 `json:"line_number"`
	ItemName         string              `json:"item_name"`
	Specification    string              `json:"specification,omitempty"`
	Quantity         decimal.Decimal     `json:"quantity"`
	UnitPrice        decimal.NullDecimal `json:"unit_price"`
	Amount           decimal.NullDecimal `json:"amount"`
	ReceivedQuantity decimal.NullDecimal `json:"received_quantity"`

	PONumber    string    `json:"po_number"`
	SONumber    string    `json:"so_number,omitempty"`
	VendorName  string    `json:"vendor_name,omitempty"`
	RequestDate time.Time `json:"request_date"`
}

// NewLine is an additional item inserted under an existing order.
type NewLine struct {
	PurchaseID    int64
	ItemName      string
	Specification string
	Quantity      decimal.Decimal
	UnitPrice     decimal.Decimal
	Amount        decimal.Decimal
}

// Receipt is the confirmed write-back for one line. Values are set, never
// added, so replaying a receipt is harmless.
type Receipt struct {
	LineID    int64
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Amount    decimal.Decimal
}

// Window selects lines by vendor and request date. VendorID zero means any
// vendor.
type Window struct {
	VendorID int64
	From     time.Time
	To       time.Time
}

// Reader is the read side used by matching.
type Reader interface {
	LinesByOrderNumbers(ctx context.Context, numbers []string) ([]Line, error)
	LinesInWindow(ctx context.Context, w Window) ([]Line, error)
	Vendors(ctx context.Context) ([]Vendor, error)
	Line(ctx context.Context, id int64) (Line, error)
}

// Writer is the write side used inside the confirmation transaction.
type Writer interface {
	LockLine(ctx context.Context, id int64) (Line, error)
	OrderExists(ctx context.Context, purchaseID int64) (bool, error)
	SetReceived(ctx context.Context, r Receipt) error
	InsertLine(ctx context.Context, l NewLine) (int64, error)
}

// Snapshot is the slice of the ledger one statement is matched against.
type Snapshot struct {
	ByOrder map[string][]Line `json:"by_order"`
	Window  []Line            `json:"window"`
	Vendors []Vendor          `json:"vendors"`
}

// Order groups the lines of one purchase order for set-level scoring.
type Order struct {
	PurchaseOrder
	Lines []Line `json:"lines"`
}

// Orders groups every distinct line in the snapshot by purchase id, keeping
// line order within each order and first-seen order across orders.
func (s Snapshot) Orders() []Order {
	index := make(map[int64]int)
	seen := make(map[int64]struct{})
	var out []Order
	add := func(l Line) {
		if _, dup := seen[l.ID]; dup {
			return
		}
		seen[l.ID] = struct{}{}
		i, ok := index[l.PurchaseID]
		if !ok {
			i = len(out)
			index[l.PurchaseID] = i
			out = append(out, Order{PurchaseOrder: PurchaseOrder{
				ID:          l.PurchaseID,
				PONumber:    l.PONumber,
				SONumber:    l.SONumber,
				VendorName:  l.VendorName,
				RequestDate: l.RequestDate,
			}})
		}
		out[i].Lines = append(out[i].Lines, l)
	}
	keys := make([]string, 0, len(s.ByOrder))
	for k := range s.ByOrder {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, l := range s.ByOrder[k] {
			add(l)
		}
	}
	for _, l := range s.Window {
		add(l)
	}
	for i := range out {
		SortLines(out[i].Lines)
	}
	return out
}

// SortLines orders lines the way the ledger lists them.
func SortLines(lines []Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].PurchaseID != lines[j].PurchaseID {
			return lines[i].PurchaseID < lines[j].PurchaseID
		}
		if lines[i].LineNumber != lines[j].LineNumber {
			return lines[i].LineNumber < lines[j].LineNumber
		}
		return lines[i].ID < lines[j].ID
	})
}
