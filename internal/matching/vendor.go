package matching

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/statement-recon/internal/ledger"
)

const (
	vendorResolveMin = 60
	vendorKeepMin    = 70
	vendorSimilar    = 70
	vendorSame       = 90
	aliasScore       = 85
	containScore     = 90
)

//go:embed aliases.yaml
var defaultAliases []byte

var companyAffix = regexp.MustCompile(`\(주\)|주식회사|㈜|주\)|co\.|co,|ltd\.?|inc\.?|corp\.?|company|컴퍼니`)

// AliasFile is the on-disk shape of the vendor alias list.
type AliasFile struct {
	Transliterations [][]string          `yaml:"transliterations"`
	Vendors          map[string][]string `yaml:"vendors"`
}

// ParseAliases decodes an alias file.
func ParseAliases(data []byte) (AliasFile, error) {
	var f AliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return AliasFile{}, fmt.Errorf("matching: parse aliases: %w", err)
	}
	return f, nil
}

// VendorMatcher compares vendor names after stripping company affixes and
// punctuation.
type VendorMatcher struct {
	translit [][]string
	groups   [][]string
	canon    *strings.Replacer
}

// NewVendorMatcher merges the built-in alias list with extra files.
func NewVendorMatcher(extra ...AliasFile) *VendorMatcher {
	m := &VendorMatcher{}
	base, err := ParseAliases(defaultAliases)
	if err == nil {
		m.add(base)
	}
	for _, f := range extra {
		m.add(f)
	}
	m.canon = canonicalizer(m.translit)
	return m
}

func canonicalizer(groups [][]string) *strings.Replacer {
	type pair struct{ from, to string }
	var pairs []pair
	for _, g := range groups {
		for _, member := range g[1:] {
			pairs = append(pairs, pair{from: member, to: g[0]})
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	// Longer spellings first so a prefix never shadows a whole word.
	sort.SliceStable(pairs, func(i, j int) bool {
		return utf8.RuneCountInString(pairs[i].from) > utf8.RuneCountInString(pairs[j].from)
	})
	args := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		args = append(args, p.from, p.to)
	}
	return strings.NewReplacer(args...)
}

// LoadVendorMatcher reads an optional alias file from path.
func LoadVendorMatcher(path string) (*VendorMatcher, error) {
	if path == "" {
		return NewVendorMatcher(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("matching: read aliases: %w", err)
	}
	f, err := ParseAliases(data)
	if err != nil {
		return nil, err
	}
	return NewVendorMatcher(f), nil
}

func (m *VendorMatcher) add(f AliasFile) {
	for _, g := range f.Transliterations {
		var folded []string
		for _, s := range g {
			if v := strings.ToLower(strings.TrimSpace(s)); v != "" {
				folded = append(folded, v)
			}
		}
		if len(folded) > 1 {
			m.translit = append(m.translit, folded)
		}
	}
	for name, aliases := range f.Vendors {
		group := []string{NormalizeVendor(name)}
		for _, a := range aliases {
			if n := NormalizeVendor(a); n != "" {
				group = append(group, n)
			}
		}
		if len(group) > 1 {
			m.groups = append(m.groups, group)
		}
	}
}

// NormalizeVendor folds case and width, drops company affixes and keeps
// letters and digits only.
func NormalizeVendor(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	s = companyAffix.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// Similarity scores two vendor names from 0 to 100.
func (m *VendorMatcher) Similarity(a, b string) int {
	n1, n2 := NormalizeVendor(a), NormalizeVendor(b)
	switch {
	case n1 == "" || n2 == "":
		return 0
	case n1 == n2:
		return 100
	case strings.Contains(n1, n2) || strings.Contains(n2, n1):
		return containScore
	}
	if m != nil && (m.aliased(n1, n2) || m.transliterated(n1, n2)) {
		return aliasScore
	}
	return ratio(n1, n2)
}

func (m *VendorMatcher) aliased(n1, n2 string) bool {
	for _, g := range m.groups {
		if contains(g, n1) && contains(g, n2) {
			return true
		}
	}
	return false
}

// transliterated rewrites every spelling-group member to the group's first
// member on both sides and compares the results.
func (m *VendorMatcher) transliterated(n1, n2 string) bool {
	if m.canon == nil {
		return false
	}
	c1, c2 := m.canon.Replace(n1), m.canon.Replace(n2)
	if c1 == n1 && c2 == n2 {
		return false
	}
	return c1 == c2 || strings.Contains(c1, c2) || strings.Contains(c2, c1)
}

// VendorMatch is the directory entry chosen for a statement vendor.
type VendorMatch struct {
	Vendor     ledger.Vendor `json:"vendor"`
	Similarity int           `json:"similarity"`
}

// Resolve finds the directory vendor most similar to name, if any reaches the
// resolution threshold. Earlier directory entries win ties.
func (m *VendorMatcher) Resolve(name string, directory []ledger.Vendor) (VendorMatch, bool) {
	if strings.TrimSpace(name) == "" {
		return VendorMatch{}, false
	}
	var best VendorMatch
	found := false
	for _, v := range directory {
		score := m.Similarity(name, v.Name)
		for _, a := range v.Aliases {
			if s := min(m.Similarity(name, a), aliasScore); s > score {
				score = s
			}
		}
		if score >= vendorResolveMin && (!found || score > best.Similarity) {
			best = VendorMatch{Vendor: v, Similarity: score}
			found = true
		}
	}
	return best, found
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
