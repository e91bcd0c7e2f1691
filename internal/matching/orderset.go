package matching

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/ledger"
)

const (
	setItemNameWeight = 0.6
	setItemMin        = 40
	setKeepMin        = 30
)

// ItemPairing ties one statement item to one ledger line within an order.
type ItemPairing struct {
	ItemIndex  int     `json:"item_index"`
	LineID     int64   `json:"system_item_id"`
	LineName   string  `json:"system_item_name"`
	Similarity float64 `json:"similarity"`
}

// OrderSetMatch scores a whole purchase order against the statement.
type OrderSetMatch struct {
	PurchaseID   int64            `json:"purchase_id"`
	PONumber     string           `json:"purchase_order_number"`
	SONumber     string           `json:"sales_order_number,omitempty"`
	VendorName   string           `json:"vendor_name,omitempty"`
	Score        int              `json:"match_score"`
	MatchedCount int              `json:"matched_item_count"`
	TotalCount   int              `json:"total_item_count"`
	Confidence   confidence.Level `json:"confidence"`
	Pairings     []ItemPairing    `json:"item_matches,omitempty"`
}

// OrderSetResult is the best order plus the runners-up.
type OrderSetResult struct {
	Best       *OrderSetMatch  `json:"best_match"`
	Candidates []OrderSetMatch `json:"candidates"`
}

// BestOrderSet ranks purchase orders by how well their lines cover the
// statement items. Orders selected by an order number printed on the
// statement are kept regardless of score.
func BestOrderSet(items []Input, orders []ledger.Order, statementVendor string, vendors *VendorMatcher, printed map[string]bool) OrderSetResult {
	vs := newVendorScorer(statementVendor, vendors)
	var scored []OrderSetMatch
	for _, o := range orders {
		if _, ok := vs.score(o.VendorName); !ok {
			continue
		}
		m := scoreOrderSet(items, o)
		if m.Score < setKeepMin && !printed[o.PONumber] && !(o.SONumber != "" && printed[o.SONumber]) {
			continue
		}
		scored = append(scored, m)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	out := OrderSetResult{Candidates: []OrderSetMatch{}}
	if len(scored) == 0 {
		return out
	}
	best := scored[0]
	out.Best = &best
	for i, m := range scored {
		if i == maxCandidates {
			break
		}
		m.Pairings = nil
		out.Candidates = append(out.Candidates, m)
	}
	return out
}

func scoreOrderSet(items []Input, o ledger.Order) OrderSetMatch {
	m := OrderSetMatch{
		PurchaseID: o.ID,
		PONumber:   o.PONumber,
		SONumber:   o.SONumber,
		VendorName: o.VendorName,
		TotalCount: len(items),
	}
	if len(items) == 0 || len(o.Lines) == 0 {
		m.Confidence = confidence.Low
		return m
	}
	used := make(map[int64]bool)
	total := 0.0
	for i, it := range items {
		var best *ItemPairing
		for _, l := range o.Lines {
			if used[l.ID] {
				continue
			}
			sim := float64(NameSimilarity(it.Name, l.ItemName))*setItemNameWeight + quantityBonus(it.Quantity, l.Quantity)
			if best == nil || sim > best.Similarity {
				best = &ItemPairing{ItemIndex: i, LineID: l.ID, LineName: l.ItemName, Similarity: sim}
			}
		}
		if best != nil && best.Similarity >= setItemMin {
			used[best.LineID] = true
			total += best.Similarity
			m.Pairings = append(m.Pairings, *best)
		}
	}
	m.MatchedCount = len(m.Pairings)
	avg := 0.0
	if m.MatchedCount > 0 {
		avg = total / float64(m.MatchedCount)
	}
	ratio := float64(m.MatchedCount) / float64(len(items))
	m.Score = min(100, int(math.Round(ratio*50+avg*0.5)))
	m.Confidence = confidence.FromScore(float64(m.Score))
	return m
}

func quantityBonus(a, b decimal.Decimal) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	if a.Equal(b) {
		return 40
	}
	hi := decimal.Max(a.Abs(), b.Abs())
	r, _ := a.Sub(b).Abs().Div(hi).Float64()
	switch {
	case r < 0.1:
		return 30
	case r < 0.2:
		return 20
	}
	return 0
}
