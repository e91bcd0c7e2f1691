// Package matching ties extracted statement items to purchase-order lines.
// Scoring is a pure function of an item and a ledger snapshot; only snapshot
// assembly touches the ledger.
package matching

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/ledger"
	"github.com/odyssey-erp/statement-recon/internal/orderno"
)

// DefaultWindowDays bounds the similarity search around the statement date.
const DefaultWindowDays = 45

// Request is a statement as matching sees it.
type Request struct {
	StatementDate string
	VendorName    string
	Items         []Input
}

// RequestFromExtracted adapts adapter output.
func RequestFromExtracted(data extraction.ExtractedData) Request {
	req := Request{StatementDate: data.StatementDate, VendorName: data.VendorName}
	for _, it := range data.Items {
		req.Items = append(req.Items, InputFromExtracted(it))
	}
	return req
}

// Annotation is the matching output for one statement.
type Annotation struct {
	// VendorName is the directory name when the vendor resolved, the name
	// inferred from matched items otherwise, or empty.
	VendorName string
	Vendor     *VendorMatch
	Items      []Result
	OrderSet   OrderSetResult
	Snapshot   ledger.Snapshot
}

// Engine assembles ledger snapshots and ranks statement items against them.
type Engine struct {
	reader     ledger.Reader
	vendors    *VendorMatcher
	windowDays int
	now        func() time.Time
}

// NewEngine constructs an engine. windowDays <= 0 uses DefaultWindowDays.
func NewEngine(reader ledger.Reader, vendors *VendorMatcher, windowDays int) *Engine {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if vendors == nil {
		vendors = NewVendorMatcher()
	}
	return &Engine{reader: reader, vendors: vendors, windowDays: windowDays, now: time.Now}
}

// Vendors exposes the matcher for callers that compare names directly.
func (e *Engine) Vendors() *VendorMatcher { return e.vendors }

// ResolveVendor matches an extracted vendor name against the directory.
func (e *Engine) ResolveVendor(ctx context.Context, name string) (*VendorMatch, error) {
	if name == "" {
		return nil, nil
	}
	directory, err := e.reader.Vendors(ctx)
	if err != nil {
		return nil, fmt.Errorf("matching: load vendors: %w", err)
	}
	if m, ok := e.vendors.Resolve(name, directory); ok {
		return &m, nil
	}
	return nil, nil
}

// Annotate builds the snapshot for req with at most two concurrent ledger
// reads and ranks every item against it.
func (e *Engine) Annotate(ctx context.Context, req Request, vendor *VendorMatch) (Annotation, error) {
	snap, err := e.Snapshot(ctx, req, vendor)
	if err != nil {
		return Annotation{}, err
	}

	statementVendor := req.VendorName
	if vendor != nil {
		statementVendor = vendor.Vendor.Name
	}
	out := Annotation{Vendor: vendor, Snapshot: snap, Items: make([]Result, len(req.Items))}
	for i, in := range req.Items {
		out.Items[i] = Rank(in, snap, statementVendor, e.vendors)
	}

	switch {
	case vendor != nil:
		out.VendorName = vendor.Vendor.Name
	default:
		for _, r := range out.Items {
			if top, ok := r.Top(); ok && r.Matched() && top.VendorName != "" {
				out.VendorName = top.VendorName
				break
			}
		}
	}

	out.OrderSet = BestOrderSet(req.Items, snap.Orders(), statementVendor, e.vendors, printedNumbers(req.Items))
	return out, nil
}

// Snapshot reads the lines under every printed order number and the lines in
// the vendor/date window.
func (e *Engine) Snapshot(ctx context.Context, req Request, vendor *VendorMatch) (ledger.Snapshot, error) {
	numbers := orderNumbers(req.Items)
	window := e.window(req.StatementDate, vendor)

	var byOrder, inWindow []ledger.Line
	g, gctx := errgroup.WithContext(ctx)
	if len(numbers) > 0 {
		g.Go(func() error {
			lines, err := e.reader.LinesByOrderNumbers(gctx, numbers)
			if err != nil {
				return fmt.Errorf("matching: lines by order: %w", err)
			}
			byOrder = lines
			return nil
		})
	}
	g.Go(func() error {
		lines, err := e.reader.LinesInWindow(gctx, window)
		if err != nil {
			return fmt.Errorf("matching: lines in window: %w", err)
		}
		inWindow = lines
		return nil
	})
	if err := g.Wait(); err != nil {
		return ledger.Snapshot{}, err
	}

	// Readers may share slices between callers; sort private copies.
	byOrder = append([]ledger.Line(nil), byOrder...)
	inWindow = append([]ledger.Line(nil), inWindow...)
	ledger.SortLines(byOrder)
	ledger.SortLines(inWindow)
	return ledger.Snapshot{
		ByOrder: ledger.GroupByOrder(byOrder, numbers),
		Window:  inWindow,
	}, nil
}

func (e *Engine) window(statementDate string, vendor *VendorMatch) ledger.Window {
	center := e.now().UTC()
	if t, err := time.Parse("2006-01-02", statementDate); err == nil {
		center = t
	}
	span := time.Duration(e.windowDays) * 24 * time.Hour
	w := ledger.Window{From: center.Add(-span), To: center.Add(span)}
	if vendor != nil {
		w.VendorID = vendor.Vendor.ID
	}
	return w
}

func orderNumbers(items []Input) []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range items {
		id := orderno.Normalize(it.OrderNumber)
		if orderno.IsValid(id) && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func printedNumbers(items []Input) map[string]bool {
	out := make(map[string]bool)
	for _, n := range orderNumbers(items) {
		out[n] = true
	}
	return out
}
