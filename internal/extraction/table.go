package extraction

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/orderno"
)

const (
	headerScanRows    = 15
	fallbackHeaderRow = 4
	perItemHighRatio  = 0.85
)

var titleMonth = regexp.MustCompile(`(\d{4})\s*년?\s*(\d{1,2})\s*월`)

type columnMap struct {
	lineNumber int
	model      int
	spec       int
	quantity   int
	unitPrice  int
	amount     int
	order      int
	remark     int
}

// parseTable reads a monthly statement laid out as a header row followed by
// numbered data rows. xlsx and xls readers both feed it.
func parseTable(rows [][]string) (ExtractedData, error) {
	if len(rows) == 0 {
		return ExtractedData{}, fmt.Errorf("%w: workbook has no rows", ErrParse)
	}
	headerIdx := findHeaderRow(rows)
	var header []string
	if headerIdx < len(rows) {
		header = rows[headerIdx]
	}
	cols := detectColumns(header)

	out := ExtractedData{FileType: KindExcel}
	for i := 0; i < headerIdx && i < len(rows); i++ {
		line := strings.Join(rows[i], " ")
		if m := titleMonth.FindStringSubmatch(line); m != nil {
			out.StatementDate = fmt.Sprintf("%s-%s-01", m[1], zeroPad2(m[2]))
		}
		if out.VendorName == "" {
			out.VendorName = vendorFromTitle(rows[i])
		}
	}

	var grandTotal decimal.NullDecimal
	sum := decimal.Zero
	for i := headerIdx + 1; i < len(rows); i++ {
		row := rows[i]
		model := strings.TrimSpace(cell(row, cols.model))
		if model == "" {
			continue
		}
		lower := strings.ToLower(model)
		if isTotalLabel(lower) {
			if amt, ok := ParseAmount(cell(row, cols.amount)); ok && amt.IsPositive() {
				grandTotal = nullable(amt)
			}
			continue
		}
		if strings.Contains(lower, "기  타") || strings.Contains(lower, "기타(jig)") {
			continue
		}
		lineNo, ok := positiveInt(cell(row, cols.lineNumber))
		if !ok {
			continue
		}

		item := ExtractedItem{
			LineNumber:    lineNo,
			ItemName:      model,
			Specification: strings.TrimSpace(cell(row, cols.spec)),
			Remark:        strings.TrimSpace(cell(row, cols.remark)),
			Confidence:    confidence.High,
		}
		amount, _ := ParseAmount(cell(row, cols.amount))
		qty, qtyOK := ParseAmount(cell(row, cols.quantity))
		if cols.quantity < 0 || !qtyOK || !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
		price, priceOK := ParseAmount(cell(row, cols.unitPrice))
		if cols.unitPrice < 0 || !priceOK || price.IsZero() {
			price = amount.Div(qty).Round(2)
		}
		if amount.IsZero() && price.IsPositive() {
			amount = price.Mul(qty)
		}
		item.Quantity = qty
		item.UnitPrice = price
		item.Amount = amount

		orderCell := strings.TrimSpace(cell(row, cols.order))
		if orderCell != "" {
			item.PONumber = orderCell
			if found := orderno.Find(orderCell); len(found) > 0 {
				item.InferredOrderNumber = found[0]
				item.InferredSource = SourcePerItem
				item.InferredConfidence = perItemHighRatio
			}
		}
		sum = sum.Add(amount)
		out.Items = append(out.Items, item)
	}

	if !grandTotal.Valid && len(out.Items) > 0 {
		grandTotal = nullable(sum)
	}
	out.TotalAmount = grandTotal
	out.GrandTotal = grandTotal
	return out, nil
}

func findHeaderRow(rows [][]string) int {
	for i := 0; i < len(rows) && i < headerScanRows; i++ {
		text := strings.ToLower(strings.Join(rows[i], " "))
		korean := strings.Contains(text, "번호") &&
			(strings.Contains(text, "모델") || strings.Contains(text, "품목") || strings.Contains(text, "품명"))
		english := strings.Contains(text, "no") &&
			(strings.Contains(text, "model") || strings.Contains(text, "item") || strings.Contains(text, "description"))
		if korean || english {
			return i
		}
	}
	return fallbackHeaderRow
}

func detectColumns(header []string) columnMap {
	cols := columnMap{lineNumber: -1, model: -1, spec: -1, quantity: -1, unitPrice: -1, amount: -1, order: -1, remark: -1}
	for i, raw := range header {
		col := strings.ToLower(strings.Join(strings.Fields(raw), ""))
		switch {
		case col == "":
			continue
		case containsAny(col, "발주", "수주") || col == "po" || strings.HasPrefix(col, "pono") || strings.HasPrefix(col, "po#"):
			cols.order = i
		case strings.Contains(col, "번호") || col == "no" || col == "no.":
			if cols.lineNumber == -1 {
				cols.lineNumber = i
			}
		case containsAny(col, "모델", "품목", "품명", "내역", "description", "model", "item"):
			cols.model = i
		case containsAny(col, "규격", "프레임", "size", "spec", "두께"):
			cols.spec = i
		case containsAny(col, "수량", "qty", "quantity"):
			cols.quantity = i
		case containsAny(col, "단가", "unitprice", "price"):
			cols.unitPrice = i
		case containsAny(col, "금액", "amount"):
			cols.amount = i
		case containsAny(col, "비고", "remark", "note"):
			cols.remark = i
		}
	}
	if cols.lineNumber == -1 {
		cols.lineNumber = 0
	}
	if cols.model == -1 {
		cols.model = 1
	}
	if cols.amount == -1 {
		cols.amount = 6
	}
	if cols.order == -1 {
		// Remarks carry the order number on most supplier templates.
		if cols.remark == -1 {
			cols.remark = 7
		}
		cols.order = cols.remark
	}
	return cols
}

var vendorLabels = []string{"거래처", "공급자", "업체명", "상호", "vendor", "supplier"}

func vendorFromTitle(row []string) string {
	for i, c := range row {
		label := strings.ToLower(strings.TrimSpace(c))
		if !containsAny(label, vendorLabels...) {
			continue
		}
		if j := strings.IndexAny(c, ":："); j >= 0 {
			if v := strings.TrimSpace(strings.TrimLeft(c[j:], ":：")); v != "" {
				return v
			}
		}
		for _, next := range row[i+1:] {
			if v := strings.TrimSpace(next); v != "" {
				return v
			}
		}
	}
	return ""
}

func isTotalLabel(lower string) bool {
	return containsAny(lower, "소계", "총계", "합계", "total")
}

func positiveInt(raw string) (int, bool) {
	d, ok := ParseAmount(raw)
	if !ok || strings.TrimSpace(raw) == "" || !d.IsPositive() || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return int(d.IntPart()), true
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func zeroPad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
