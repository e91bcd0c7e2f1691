package matching

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/statement-recon/internal/confidence"
	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/ledger"
	"github.com/odyssey-erp/statement-recon/internal/orderno"
)

const (
	orderBaseScore     = 50
	orderNameWeight    = 0.3
	orderQtyBonus      = 20
	nameWeight         = 0.5
	nameMinSimilarity  = 50
	nameQtyBonus       = 30
	candidateMinScore  = 30
	maxCandidates      = 10
	vendorSameBonus    = 10
	vendorSimilarBonus = 5
)

// Method records how a statement item was tied to a ledger line.
type Method string

const (
	MethodNone       Method = ""
	MethodPONumber   Method = "po_number"
	MethodSimilarity Method = "item_similarity"
	MethodManual     Method = "manual"
)

// Input is the part of a statement item that matching looks at.
type Input struct {
	Name        string
	Quantity    decimal.Decimal
	OrderNumber string
}

// InputFromExtracted prefers the inferred order number over the raw reading.
func InputFromExtracted(it extraction.ExtractedItem) Input {
	order := it.InferredOrderNumber
	if order == "" {
		order = it.PONumber
	}
	return Input{Name: it.ItemName, Quantity: it.Quantity, OrderNumber: order}
}

// Candidate is one ledger line a statement item may correspond to. It is
// recomputed on demand and never stored.
type Candidate struct {
	PurchaseID    int64               `json:"purchase_id"`
	PONumber      string              `json:"purchase_order_number"`
	SONumber      string              `json:"sales_order_number,omitempty"`
	ItemID        int64               `json:"item_id"`
	ItemName      string              `json:"item_name"`
	Specification string              `json:"specification,omitempty"`
	Quantity      decimal.Decimal     `json:"quantity"`
	UnitPrice     decimal.NullDecimal `json:"unit_price"`
	VendorName    string              `json:"vendor_name,omitempty"`
	Score         float64             `json:"score"`
	Reasons       []string            `json:"match_reasons"`
}

// Result is the ranking outcome for one item.
type Result struct {
	Method     Method           `json:"match_method,omitempty"`
	Confidence confidence.Level `json:"match_confidence"`
	PurchaseID int64            `json:"matched_purchase_id,omitempty"`
	ItemID     int64            `json:"matched_item_id,omitempty"`
	Ambiguous  bool             `json:"ambiguous,omitempty"`
	Candidates []Candidate      `json:"match_candidates"`
}

// Matched reports whether a winner was chosen.
func (r Result) Matched() bool { return r.ItemID != 0 }

// Top returns the best candidate.
func (r Result) Top() (Candidate, bool) {
	if len(r.Candidates) == 0 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// Rank scores an item against a snapshot. statementVendor may be empty, in
// which case no candidate is excluded on vendor grounds.
func Rank(in Input, snap ledger.Snapshot, statementVendor string, vendors *VendorMatcher) Result {
	vs := newVendorScorer(statementVendor, vendors)
	seen := make(map[int64]struct{})

	var byOrder []Candidate
	if id := orderno.Normalize(in.OrderNumber); orderno.IsValid(id) {
		for _, l := range snap.ByOrder[id] {
			sim, ok := vs.score(l.VendorName)
			if !ok {
				continue
			}
			byOrder = append(byOrder, scoreOrderLine(in, l, sim))
			seen[l.ID] = struct{}{}
		}
	}

	var byName []Candidate
	if in.Name != "" {
		for _, l := range snap.Window {
			if _, dup := seen[l.ID]; dup {
				continue
			}
			sim, ok := vs.score(l.VendorName)
			if !ok {
				continue
			}
			if c, keep := scoreNameLine(in, l, sim); keep {
				byName = append(byName, c)
				seen[l.ID] = struct{}{}
			}
		}
	}

	cands := append(byOrder, byName...)
	if len(cands) == 0 {
		return Result{Confidence: confidence.Low, Candidates: []Candidate{}}
	}
	sortCandidates(cands)
	if len(cands) > maxCandidates {
		cands = cands[:maxCandidates]
	}
	winner := cands[0]
	res := Result{
		Method:     MethodSimilarity,
		Confidence: confidence.FromScore(winner.Score),
		PurchaseID: winner.PurchaseID,
		ItemID:     winner.ItemID,
		Candidates: cands,
	}
	// A lone order-number hit is trusted only when it also ranks first.
	if len(byOrder) == 1 && winner.ItemID == byOrder[0].ItemID {
		res.Method = MethodPONumber
		res.Confidence = confidence.High
	}
	if len(cands) > 1 && cands[1].Score == winner.Score {
		res.Ambiguous = true
		res.Confidence = confidence.Low
	}
	return res
}

func scoreOrderLine(in Input, l ledger.Line, vendorSim int) Candidate {
	c := candidateFrom(l)
	c.Reasons = append(c.Reasons, "order number match")
	score := float64(orderBaseScore) + vendorBonus(vendorSim, &c)
	if in.Name != "" && l.ItemName != "" {
		sim := NameSimilarity(in.Name, l.ItemName)
		score += float64(sim) * orderNameWeight
		if sim >= 80 {
			c.Reasons = append(c.Reasons, "item name match")
		}
	}
	if sameQuantity(in.Quantity, l.Quantity) {
		score += orderQtyBonus
		c.Reasons = append(c.Reasons, "quantity match")
	}
	c.Score = capScore(score)
	return c
}

func scoreNameLine(in Input, l ledger.Line, vendorSim int) (Candidate, bool) {
	c := candidateFrom(l)
	score := vendorBonus(vendorSim, &c)
	sim := NameSimilarity(in.Name, l.ItemName)
	if sim >= nameMinSimilarity {
		score += float64(sim) * nameWeight
		if sim >= 80 {
			c.Reasons = append(c.Reasons, "item name match")
		} else {
			c.Reasons = append(c.Reasons, "item name similar")
		}
	}
	if sameQuantity(in.Quantity, l.Quantity) {
		score += nameQtyBonus
		c.Reasons = append(c.Reasons, "quantity match")
	}
	if id := orderno.Normalize(in.OrderNumber); orderno.IsValid(id) && id != l.PONumber && id != l.SONumber {
		c.Reasons = append(c.Reasons, "ledger order "+firstNonEmpty(l.PONumber, l.SONumber))
	}
	c.Score = capScore(score)
	return c, c.Score >= candidateMinScore
}

func candidateFrom(l ledger.Line) Candidate {
	return Candidate{
		PurchaseID:    l.PurchaseID,
		PONumber:      l.PONumber,
		SONumber:      l.SONumber,
		ItemID:        l.ID,
		ItemName:      l.ItemName,
		Specification: l.Specification,
		Quantity:      l.Quantity,
		UnitPrice:     l.UnitPrice,
		VendorName:    l.VendorName,
		Reasons:       []string{},
	}
}

func vendorBonus(sim int, c *Candidate) float64 {
	switch {
	case sim >= vendorSame:
		c.Reasons = append(c.Reasons, "vendor match")
		return vendorSameBonus
	case sim >= vendorSimilar:
		c.Reasons = append(c.Reasons, "vendor similar")
		return vendorSimilarBonus
	}
	return 0
}

// sortCandidates orders by score, keeping ledger order among equals.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].Score > c[j].Score })
}

func sameQuantity(a, b decimal.Decimal) bool {
	return !a.IsZero() && !b.IsZero() && a.Equal(b)
}

func capScore(s float64) float64 {
	s = math.Round(s*100) / 100
	if s > 100 {
		return 100
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// vendorScorer memoizes vendor similarity per ledger vendor name.
type vendorScorer struct {
	statement string
	matcher   *VendorMatcher
	memo      map[string]int
}

func newVendorScorer(statement string, m *VendorMatcher) *vendorScorer {
	return &vendorScorer{statement: statement, matcher: m, memo: make(map[string]int)}
}

// score returns the similarity and whether the line may be a candidate. An
// unknown statement vendor passes every line at full similarity.
func (v *vendorScorer) score(ledgerVendor string) (int, bool) {
	if v.statement == "" {
		return 100, true
	}
	sim, ok := v.memo[ledgerVendor]
	if !ok {
		sim = v.matcher.Similarity(v.statement, ledgerVendor)
		v.memo[ledgerVendor] = sim
	}
	return sim, sim >= vendorKeepMin
}
