// Package orderno canonicalizes purchase-order and sales-order numbers read
// from noisy statement text.
//
// Purchase orders look like F20251008_001 (F + yyyymmdd + _ + 3 digits) and
// sales orders look like HS251201-01 (HS + yymmdd + - + 2 digits).
package orderno

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	poPattern = regexp.MustCompile(`^F\d{8}_\d{3}$`)
	soPattern = regexp.MustCompile(`^HS\d{6}-\d{2}$`)

	poVariant = regexp.MustCompile(`^F(\d{8})_(\d{1,3})$`)
	// Dash instead of underscore, with an OCR-ambiguous date segment.
	poDashVariant = regexp.MustCompile(`^F(\d{6,8})[-_](\d{1,3})$`)
	soVariant     = regexp.MustCompile(`^HS(\d{6})[-_](\d{1,2})$`)

	eightDigits = regexp.MustCompile(`\d{8}`)
	sixDigits   = regexp.MustCompile(`\d{6}`)

	poInText = regexp.MustCompile(`\bF[0-9OILSBZ]{6,8}\s?[-_]\s?[0-9OILSBZ]{1,3}\b`)
	soInText = regexp.MustCompile(`\bH[S5][0-9OILSBZ]{6}\s?[-_]\s?[0-9OILSBZ]{1,2}\b`)
)

// Kind distinguishes the two identifier families.
type Kind string

const (
	KindNone     Kind = ""
	KindPurchase Kind = "po"
	KindSales    Kind = "so"
)

// Normalize canonicalizes s. Canonical input is returned unchanged and the
// function is idempotent. A normalized value is not necessarily valid.
func Normalize(s string) string {
	if s == "" {
		return s
	}
	s = clean(s)

	if poPattern.MatchString(s) || soPattern.MatchString(s) {
		return s
	}
	if m := poVariant.FindStringSubmatch(s); m != nil {
		return "F" + m[1] + "_" + pad(m[2], 3)
	}
	if m := poDashVariant.FindStringSubmatch(s); m != nil {
		return "F" + m[1] + "_" + pad(m[2], 3)
	}
	if m := soVariant.FindStringSubmatch(s); m != nil {
		return "HS" + m[1] + "-" + pad(m[2], 2)
	}
	return s
}

// IsValidPO reports whether s is a canonical purchase-order number.
func IsValidPO(s string) bool { return poPattern.MatchString(s) }

// IsValidSO reports whether s is a canonical sales-order number.
func IsValidSO(s string) bool { return soPattern.MatchString(s) }

// IsValid reports whether s is either canonical identifier.
func IsValid(s string) bool { return IsValidPO(s) || IsValidSO(s) }

// KindOf classifies a canonical identifier.
func KindOf(s string) Kind {
	switch {
	case IsValidPO(s):
		return KindPurchase
	case IsValidSO(s):
		return KindSales
	}
	return KindNone
}

// ExtractDate pulls the embedded date out of an identifier and formats it as
// YYYY-MM-DD. Sales-order dates are yymmdd and are read as 20yy.
func ExtractDate(s string) (string, bool) {
	s = clean(s)
	var t time.Time
	var err error
	switch {
	case strings.HasPrefix(s, "HS"):
		run := sixDigits.FindString(s)
		if run == "" {
			return "", false
		}
		t, err = time.Parse("20060102", "20"+run)
	default:
		run := eightDigits.FindString(s)
		if run == "" {
			return "", false
		}
		t, err = time.Parse("20060102", run)
	}
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

// FixOCRDigits repairs letters that OCR commonly confuses with digits inside
// the numeric part of an identifier.
func FixOCRDigits(s string) string {
	s = clean(s)
	if strings.HasPrefix(s, "H5") {
		s = "HS" + s[2:]
	}
	var prefix string
	switch {
	case strings.HasPrefix(s, "HS"):
		prefix = "HS"
	case strings.HasPrefix(s, "F"):
		prefix = "F"
	default:
		return s
	}
	rest := []rune(s[len(prefix):])
	for i, r := range rest {
		if d, ok := confusable[r]; ok {
			rest[i] = d
		}
	}
	return prefix + string(rest)
}

var confusable = map[rune]rune{
	'O': '0',
	'I': '1',
	'L': '1',
	'S': '5',
	'B': '8',
	'Z': '2',
}

// Find returns every valid identifier found in free text, normalized and in
// first-seen order without duplicates.
func Find(text string) []string {
	text = strings.ToUpper(norm.NFKC.String(text))
	var out []string
	seen := make(map[string]struct{})
	collect := func(re *regexp.Regexp) {
		for _, raw := range re.FindAllString(text, -1) {
			if digitCount(raw) < 4 {
				continue
			}
			id := Normalize(FixOCRDigits(raw))
			if !IsValid(id) {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	collect(poInText)
	collect(soInText)
	return out
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// clean folds width, case and whitespace. Upper-casing can leave text that
// NFKC rewrites again (dotless i with a combining mark, ligatures), and
// dropping a space can let a combining mark join the previous letter, so the
// steps repeat until nothing changes.
func clean(s string) string {
	for i := 0; i < maxCleanPasses; i++ {
		next := strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, strings.ToUpper(norm.NFKC.String(s)))
		if next == s {
			break
		}
		s = next
	}
	return s
}

const maxCleanPasses = 8

func pad(num string, width int) string {
	if len(num) >= width {
		return num
	}
	return strings.Repeat("0", width-len(num)) + num
}
