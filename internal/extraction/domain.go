// Package extraction turns raw statement files into a uniform ExtractedData
// record. One adapter exists per source format.
package extraction

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
)

// FileKind identifies the adapter family for a statement file.
type FileKind string

const (
	KindExcel FileKind = "excel"
	KindPDF   FileKind = "pdf"
	KindImage FileKind = "image"
)

// Valid reports whether k names a supported family.
func (k FileKind) Valid() bool {
	switch k {
	case KindExcel, KindPDF, KindImage:
		return true
	}
	return false
}

// OrderSource records how an item's order number was inferred.
type OrderSource string

const (
	SourceBracket          OrderSource = "bracket"
	SourceHandwritingRange OrderSource = "handwriting_range"
	SourceMarginRange      OrderSource = "margin_range"
	SourcePerItem          OrderSource = "per_item"
	SourceGlobal           OrderSource = "global"
)

var sourceRank = map[OrderSource]int{
	SourceBracket:          5,
	SourceHandwritingRange: 4,
	SourceMarginRange:      3,
	SourcePerItem:          2,
	SourceGlobal:           1,
}

// Outranks reports whether s takes precedence over other.
func (s OrderSource) Outranks(other OrderSource) bool {
	return sourceRank[s] > sourceRank[other]
}

var (
	// ErrDownload reports that the source file could not be fetched.
	ErrDownload = errors.New("extraction: download failed")
	// ErrParse reports that an adapter could not produce ExtractedData.
	ErrParse = errors.New("extraction: parse failed")
	// ErrSchema reports a vision reply that does not match the expected shape.
	ErrSchema = errors.New("extraction: schema violation")
	// ErrUnsupported reports a file kind without a registered adapter.
	ErrUnsupported = errors.New("extraction: unsupported file kind")
)

// ExtractedItem is one statement line as read from the source file.
type ExtractedItem struct {
	LineNumber          int                 `json:"line_number"`
	ItemName            string              `json:"item_name"`
	Specification       string              `json:"specification,omitempty"`
	Quantity            decimal.Decimal     `json:"quantity"`
	UnitPrice           decimal.Decimal     `json:"unit_price"`
	Amount              decimal.Decimal     `json:"amount"`
	TaxAmount           decimal.NullDecimal `json:"tax_amount"`
	PONumber            string              `json:"po_number,omitempty"`
	InferredOrderNumber string              `json:"inferred_po_number,omitempty"`
	InferredSource      OrderSource         `json:"inferred_po_source,omitempty"`
	InferredConfidence  float64             `json:"inferred_po_confidence,omitempty"`
	Remark              string              `json:"remark,omitempty"`
	Confidence          confidence.Level    `json:"confidence"`
}

// ExtractedData is the adapter output for a whole statement.
type ExtractedData struct {
	StatementDate      string              `json:"statement_date,omitempty"`
	VendorName         string              `json:"vendor_name,omitempty"`
	TotalAmount        decimal.NullDecimal `json:"total_amount"`
	TaxAmount          decimal.NullDecimal `json:"tax_amount"`
	GrandTotal         decimal.NullDecimal `json:"grand_total"`
	Items              []ExtractedItem     `json:"items"`
	RawText            string              `json:"raw_vision_text,omitempty"`
	FileType           FileKind            `json:"file_type,omitempty"`
	ActualReceivedDate string              `json:"actual_received_date,omitempty"`
}

// Adapter converts a byte payload of one file kind into ExtractedData.
type Adapter interface {
	Extract(ctx context.Context, payload []byte) (ExtractedData, error)
}

// AdapterFunc lets plain functions satisfy Adapter.
type AdapterFunc func(ctx context.Context, payload []byte) (ExtractedData, error)

// Extract implements Adapter.
func (f AdapterFunc) Extract(ctx context.Context, payload []byte) (ExtractedData, error) {
	return f(ctx, payload)
}
