package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
)

// Vision reads a photographed statement and replies with JSON text shaped
// like the vision schema.
type Vision interface {
	Read(ctx context.Context, mediaType string, image []byte) (string, error)
}

// ImageAdapter delegates photographed statements to a Vision collaborator.
// Without one it yields an empty item list, leaving the statement to manual
// review.
type ImageAdapter struct {
	vision Vision
}

// NewImageAdapter constructs the adapter. vision may be nil.
func NewImageAdapter(vision Vision) *ImageAdapter {
	return &ImageAdapter{vision: vision}
}

type visionItem struct {
	LineNumber    *int                `json:"line_number"`
	ItemName      string              `json:"item_name"`
	Specification *string             `json:"specification"`
	Quantity      decimal.NullDecimal `json:"quantity"`
	UnitPrice     decimal.NullDecimal `json:"unit_price"`
	Amount        decimal.NullDecimal `json:"amount"`
	TaxAmount     decimal.NullDecimal `json:"tax_amount"`
	PONumber      *string             `json:"po_number"`
	Remark        *string             `json:"remark"`
	Confidence    *string             `json:"confidence"`
}

type visionReply struct {
	StatementDate *string             `json:"statement_date"`
	VendorName    *string             `json:"vendor_name"`
	TotalAmount   decimal.NullDecimal `json:"total_amount"`
	TaxAmount     decimal.NullDecimal `json:"tax_amount"`
	GrandTotal    decimal.NullDecimal `json:"grand_total"`
	RawText       *string             `json:"raw_text"`
	Items         []visionItem        `json:"items"`
	Ranges        []RangeHint         `json:"po_ranges"`
}

// Extract implements Adapter.
func (a *ImageAdapter) Extract(ctx context.Context, payload []byte) (ExtractedData, error) {
	out := ExtractedData{FileType: KindImage}
	if a == nil || a.vision == nil {
		return out, nil
	}
	mt := mimetype.Detect(payload)
	if !strings.HasPrefix(mt.String(), "image/") {
		return out, fmt.Errorf("%w: payload is %s, not an image", ErrParse, mt.String())
	}
	mediaType := strings.SplitN(mt.String(), ";", 2)[0]

	text, err := a.vision.Read(ctx, mediaType, payload)
	if err != nil {
		return out, fmt.Errorf("%w: vision: %v", ErrParse, err)
	}
	raw := []byte(stripFence(text))
	if err := ValidateVisionJSON(raw); err != nil {
		return out, err
	}
	var reply visionReply
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&reply); err != nil {
		return out, fmt.Errorf("%w: decode vision reply: %v", ErrParse, err)
	}
	return reply.toExtracted(), nil
}

func (r visionReply) toExtracted() ExtractedData {
	out := ExtractedData{
		FileType:    KindImage,
		TotalAmount: r.TotalAmount,
		TaxAmount:   r.TaxAmount,
		GrandTotal:  r.GrandTotal,
	}
	out.StatementDate = deref(r.StatementDate)
	out.VendorName = deref(r.VendorName)
	out.RawText = deref(r.RawText)

	for i, vi := range r.Items {
		item := ExtractedItem{
			LineNumber:    i + 1,
			ItemName:      strings.TrimSpace(vi.ItemName),
			Specification: deref(vi.Specification),
			TaxAmount:     vi.TaxAmount,
			PONumber:      deref(vi.PONumber),
			Remark:        deref(vi.Remark),
			Confidence:    confidence.Low,
		}
		if vi.LineNumber != nil && *vi.LineNumber > 0 {
			item.LineNumber = *vi.LineNumber
		}
		if vi.Confidence != nil {
			if lvl, err := confidence.Parse(*vi.Confidence); err == nil && lvl.Valid() {
				item.Confidence = lvl
			}
		}
		item.Quantity = decimal.NewFromInt(1)
		if vi.Quantity.Valid && vi.Quantity.Decimal.IsPositive() {
			item.Quantity = vi.Quantity.Decimal
		}
		if vi.Amount.Valid {
			item.Amount = vi.Amount.Decimal
		}
		if vi.UnitPrice.Valid {
			item.UnitPrice = vi.UnitPrice.Decimal
		} else if !item.Amount.IsZero() {
			item.UnitPrice = item.Amount.Div(item.Quantity).Round(2)
		}
		if !vi.Amount.Valid && vi.UnitPrice.Valid {
			item.Amount = item.UnitPrice.Mul(item.Quantity)
		}
		out.Items = append(out.Items, item)
	}
	out.Items = InferOrderNumbers(out.Items, r.Ranges, out.RawText)
	return out
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
