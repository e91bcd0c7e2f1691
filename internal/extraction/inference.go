package extraction

import (
	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/orderno"
)

const (
	globalRatio           = 0.55
	marginRangeRatio      = 0.7
	handwritingRangeRatio = 0.75
	bracketMinRatio       = 0.5
	bracketMaxRatio       = 0.95
)

// RangeHint assigns one order number to a run of statement lines, as read from
// a bracket, a handwritten range or a margin note.
type RangeHint struct {
	OrderNumber string      `json:"po_number"`
	FromLine    int         `json:"from_line"`
	ToLine      int         `json:"to_line"`
	Source      OrderSource `json:"source"`
	Confidence  float64     `json:"confidence"`
}

// InferOrderNumbers resolves one order number per item. Range hints outrank
// per-item readings, which outrank numbers found only in the surrounding text.
func InferOrderNumbers(items []ExtractedItem, hints []RangeHint, rawText string) []ExtractedItem {
	out := make([]ExtractedItem, len(items))
	copy(out, items)

	for i := range out {
		if out[i].InferredOrderNumber != "" || out[i].PONumber == "" {
			continue
		}
		id := orderno.Normalize(orderno.FixOCRDigits(out[i].PONumber))
		if !orderno.IsValid(id) {
			if found := orderno.Find(out[i].PONumber); len(found) > 0 {
				id = found[0]
			} else {
				continue
			}
		}
		out[i].InferredOrderNumber = id
		out[i].InferredSource = SourcePerItem
		out[i].InferredConfidence = perItemRatio(out[i].Confidence)
	}

	for _, h := range hints {
		id := orderno.Normalize(orderno.FixOCRDigits(h.OrderNumber))
		if !orderno.IsValid(id) || h.FromLine <= 0 || h.ToLine < h.FromLine {
			continue
		}
		ratio := hintRatio(h)
		for i := range out {
			ln := out[i].LineNumber
			if ln < h.FromLine || ln > h.ToLine {
				continue
			}
			if out[i].InferredOrderNumber != "" && !h.Source.Outranks(out[i].InferredSource) {
				continue
			}
			out[i].InferredOrderNumber = id
			out[i].InferredSource = h.Source
			out[i].InferredConfidence = ratio
		}
	}

	numbers := orderno.Find(rawText)
	switch {
	case len(numbers) == 1:
		for i := range out {
			if out[i].InferredOrderNumber == "" {
				assignGlobal(&out[i], numbers[0])
			}
		}
	case len(numbers) > 1 && len(numbers) == len(out):
		for i := range out {
			if out[i].InferredOrderNumber == "" {
				assignGlobal(&out[i], numbers[i])
			}
		}
	}
	return out
}

func assignGlobal(item *ExtractedItem, id string) {
	item.InferredOrderNumber = id
	item.InferredSource = SourceGlobal
	item.InferredConfidence = globalRatio
}

func perItemRatio(level confidence.Level) float64 {
	switch level {
	case confidence.High:
		return perItemHighRatio
	case confidence.Med:
		return 0.7
	}
	return 0.55
}

func hintRatio(h RangeHint) float64 {
	switch h.Source {
	case SourceBracket:
		return clamp(h.Confidence, bracketMinRatio, bracketMaxRatio)
	case SourceHandwritingRange:
		if h.Confidence > 0 {
			return clamp(h.Confidence, bracketMinRatio, bracketMaxRatio)
		}
		return handwritingRangeRatio
	case SourceMarginRange:
		return marginRangeRatio
	}
	return globalRatio
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
