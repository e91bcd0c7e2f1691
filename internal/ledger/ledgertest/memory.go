// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/ledger"
)

// Memory implements ledger.Reader and ledger.Writer over maps.
type Memory struct {
	mu      sync.Mutex
	orders  map[int64]ledger.PurchaseOrder
	lines   map[int64]ledger.Line
	vendors []ledger.Vendor
	nextID  int64

	// Receipts counts SetReceived calls that reached the store.
	Receipts int
	// Reads counts LinesByOrderNumbers and LinesInWindow calls.
	Reads int
}

// New returns an empty ledger.
func New() *Memory {
	return &Memory{
		orders: make(map[int64]ledger.PurchaseOrder),
		lines:  make(map[int64]ledger.Line),
		nextID: 1000,
	}
}

// AddVendor registers a vendor and returns its id.
func (m *Memory) AddVendor(name string, aliases ...string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.vendors = append(m.vendors, ledger.Vendor{ID: m.nextID, Name: name, Aliases: aliases})
	return m.nextID
}

// AddOrder registers a purchase order and returns its id.
func (m *Memory) AddOrder(po, so string, vendorID int64, requested time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o := ledger.PurchaseOrder{ID: m.nextID, PONumber: po, SONumber: so, VendorID: vendorID, RequestDate: requested}
	for _, v := range m.vendors {
		if v.ID == vendorID {
			o.VendorName = v.Name
		}
	}
	m.orders[o.ID] = o
	return o.ID
}

// AddLine appends a line to an order and returns its id.
func (m *Memory) AddLine(purchaseID int64, name, spec string, qty, price int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[purchaseID]
	m.nextID++
	number := 1
	for _, l := range m.lines {
		if l.PurchaseID == purchaseID && l.LineNumber >= number {
			number = l.LineNumber + 1
		}
	}
	q := decimal.NewFromInt(qty)
	p := decimal.NewFromInt(price)
	m.lines[m.nextID] = ledger.Line{
		ID:            m.nextID,
		PurchaseID:    purchaseID,
		LineNumber:    number,
		ItemName:      name,
		Specification: spec,
		Quantity:      q,
		UnitPrice:     decimal.NewNullDecimal(p),
		Amount:        decimal.NewNullDecimal(p.Mul(q)),
		PONumber:      o.PONumber,
		SONumber:      o.SONumber,
		VendorName:    o.VendorName,
		RequestDate:   o.RequestDate,
	}
	return m.nextID
}

// Get returns a line without error handling, for assertions.
func (m *Memory) Get(id int64) ledger.Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lines[id]
}

// LinesByOrderNumbers implements ledger.Reader.
func (m *Memory) LinesByOrderNumbers(_ context.Context, numbers []string) ([]ledger.Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	want := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		want[n] = true
	}
	var out []ledger.Line
	for _, l := range m.lines {
		if want[l.PONumber] || (l.SONumber != "" && want[l.SONumber]) {
			out = append(out, l)
		}
	}
	ledger.SortLines(out)
	return out, nil
}

// LinesInWindow implements ledger.Reader.
func (m *Memory) LinesInWindow(_ context.Context, w ledger.Window) ([]ledger.Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	var out []ledger.Line
	for _, l := range m.lines {
		o := m.orders[l.PurchaseID]
		if w.VendorID != 0 && o.VendorID != w.VendorID {
			continue
		}
		if o.RequestDate.Before(w.From) || o.RequestDate.After(w.To) {
			continue
		}
		out = append(out, l)
	}
	ledger.SortLines(out)
	return out, nil
}

// Vendors implements ledger.Reader.
func (m *Memory) Vendors(context.Context) ([]ledger.Vendor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Vendor(nil), m.vendors...), nil
}

// Line implements ledger.Reader.
func (m *Memory) Line(_ context.Context, id int64) (ledger.Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[id]
	if !ok {
		return ledger.Line{}, ledger.ErrNotFound
	}
	return l, nil
}

// LockLine implements ledger.Writer.
func (m *Memory) LockLine(ctx context.Context, id int64) (ledger.Line, error) {
	return m.Line(ctx, id)
}

// OrderExists implements ledger.Writer.
func (m *Memory) OrderExists(_ context.Context, purchaseID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orders[purchaseID]
	return ok, nil
}

// SetReceived implements ledger.Writer.
func (m *Memory) SetReceived(_ context.Context, r ledger.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[r.LineID]
	if !ok {
		return ledger.ErrNotFound
	}
	l.ReceivedQuantity = decimal.NewNullDecimal(r.Quantity)
	l.UnitPrice = decimal.NewNullDecimal(r.UnitPrice)
	l.Amount = decimal.NewNullDecimal(r.Amount)
	m.lines[r.LineID] = l
	m.Receipts++
	return nil
}

// InsertLine implements ledger.Writer.
func (m *Memory) InsertLine(ctx context.Context, nl ledger.NewLine) (int64, error) {
	if ok, _ := m.OrderExists(ctx, nl.PurchaseID); !ok {
		return 0, ledger.ErrNotFound
	}
	id := m.AddLine(nl.PurchaseID, nl.ItemName, nl.Specification, 0, 0)
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lines[id]
	l.Quantity = nl.Quantity
	l.UnitPrice = decimal.NewNullDecimal(nl.UnitPrice)
	l.Amount = decimal.NewNullDecimal(nl.Amount)
	l.ReceivedQuantity = decimal.NewNullDecimal(nl.Quantity)
	m.lines[id] = l
	return id, nil
}

// Fork copies the store so a transaction can write to the copy and Adopt it
// on commit.
func (m *Memory) Fork() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &Memory{
		orders:   make(map[int64]ledger.PurchaseOrder, len(m.orders)),
		lines:    make(map[int64]ledger.Line, len(m.lines)),
		vendors:  append([]ledger.Vendor(nil), m.vendors...),
		nextID:   m.nextID,
		Receipts: m.Receipts,
		Reads:    m.Reads,
	}
	for k, v := range m.orders {
		f.orders[k] = v
	}
	for k, v := range m.lines {
		f.lines[k] = v
	}
	return f
}

// Adopt replaces the store's contents with a committed fork.
func (m *Memory) Adopt(f *Memory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = f.orders
	m.lines = f.lines
	m.nextID = f.nextID
	m.Receipts = f.Receipts
}
