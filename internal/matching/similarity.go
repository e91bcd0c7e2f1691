package matching

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	positionTag = regexp.MustCompile(`(?i)\(\s*(?:top\s*/\s*bot|top|bot)\s*\)`)
	bracketNote = regexp.MustCompile(`\[[^\]]*\]`)
)

var unitCost = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// NameSimilarity scores two item names from 0 to 100. Mounting-side tags and
// bracketed notes are ignored.
func NameSimilarity(a, b string) int {
	ca, cb := foldName(a), foldName(b)
	switch {
	case ca == "" || cb == "":
		return 0
	case ca == cb:
		return 100
	case strings.Contains(ca, cb) || strings.Contains(cb, ca):
		return 80
	}
	return ratio(ca, cb)
}

func foldName(s string) string {
	s = positionTag.ReplaceAllString(s, "")
	s = bracketNote.ReplaceAllString(s, "")
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// ratio is the share of the longer string left untouched by the edit script.
func ratio(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.DistanceForStrings(ra, rb, unitCost)
	return int(math.Round(float64(longest-d) / float64(longest) * 100))
}
