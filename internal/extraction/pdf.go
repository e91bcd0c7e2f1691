package extraction

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
)

const minPDFText = 50

var (
	streamBody  = regexp.MustCompile(`(?s)<<(.*?)>>\s*stream\r?\n(.*?)\r?\nendstream`)
	textShow    = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)\s*Tj|\[((?:\\.|[^\]])*)\]\s*TJ|(T\*|\b(?:Td|TD|ET)\b)`)
	literalPart = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)
	pdfLine     = regexp.MustCompile(`^\s*(\d+)\s+(.+?)(?:\s+([\d,]+(?:\.\d+)?))?\s*$`)
)

// PDFAdapter reads the text layer of a PDF and picks numbered lines ending in
// an amount. Scanned PDFs without a text layer yield no items.
type PDFAdapter struct{}

// NewPDFAdapter constructs the adapter.
func NewPDFAdapter() *PDFAdapter { return &PDFAdapter{} }

// Extract implements Adapter.
func (PDFAdapter) Extract(ctx context.Context, payload []byte) (ExtractedData, error) {
	if err := ctx.Err(); err != nil {
		return ExtractedData{}, err
	}
	if !bytes.HasPrefix(bytes.TrimLeft(payload, "\x00\r\n\t "), []byte("%PDF")) {
		return ExtractedData{}, ErrParse
	}
	text := PDFText(payload)
	out := ExtractedData{FileType: KindPDF, RawText: text}
	if len(strings.TrimSpace(text)) < minPDFText {
		return out, nil
	}

	lineNumber := 0
	for _, line := range strings.Split(text, "\n") {
		m := pdfLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[2])
		if name == "" {
			continue
		}
		lineNumber++
		amount := decimal.Zero
		if m[3] != "" {
			amount, _ = ParseAmount(m[3])
		}
		out.Items = append(out.Items, ExtractedItem{
			LineNumber: lineNumber,
			ItemName:   name,
			Quantity:   decimal.NewFromInt(1),
			UnitPrice:  amount,
			Amount:     amount,
			Confidence: confidence.Med,
		})
	}
	out.Items = InferOrderNumbers(out.Items, nil, text)
	return out, nil
}

// PDFText concatenates the shown strings of every content stream, inflating
// FlateDecode streams. Text positioning operators start a new line.
func PDFText(payload []byte) string {
	var b strings.Builder
	for _, m := range streamBody.FindAllSubmatch(payload, -1) {
		dict, body := m[1], m[2]
		if bytes.Contains(dict, []byte("/FlateDecode")) {
			inflated, err := inflate(body)
			if err != nil {
				continue
			}
			body = inflated
		}
		writeShownText(&b, body)
	}
	return strings.TrimSpace(b.String())
}

func writeShownText(b *strings.Builder, content []byte) {
	lineHasText := false
	for _, m := range textShow.FindAllSubmatch(content, -1) {
		switch {
		case m[1] != nil:
			b.WriteString(unescapePDF(string(m[1])))
			lineHasText = true
		case m[2] != nil:
			for _, part := range literalPart.FindAllSubmatch(m[2], -1) {
				b.WriteString(unescapePDF(string(part[1])))
			}
			lineHasText = true
		default:
			if lineHasText {
				b.WriteByte('\n')
				lineHasText = false
			}
		}
	}
	if lineHasText {
		b.WriteByte('\n')
	}
}

func inflate(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

var pdfEscapes = strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "", `\t`, " ")

func unescapePDF(s string) string {
	return pdfEscapes.Replace(s)
}
