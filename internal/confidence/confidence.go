// Package confidence models the coarse trust tiers attached to extracted values
// and ledger matches.
package confidence

import (
	"errors"
	"fmt"
	"strings"
)

// Level is an ordered trust tier. The zero value is Unknown and sorts below Low.
type Level int

const (
	Unknown Level = iota
	Low
	Med
	High
)

// ErrInvalidLevel reports an unrecognised tier label.
var ErrInvalidLevel = errors.New("confidence: invalid level")

// Parse maps a wire label onto a Level. "medium" is accepted as an alias of "med".
func Parse(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "med", "medium":
		return Med, nil
	case "high":
		return High, nil
	case "":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Med:
		return "med"
	case High:
		return "high"
	}
	return ""
}

// Valid reports whether l is one of the three defined tiers.
func (l Level) Valid() bool {
	return l >= Low && l <= High
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool {
	return l >= other
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// FromRatio maps a 0..1 inference confidence onto a tier.
func FromRatio(v float64) Level {
	switch {
	case v >= 0.8:
		return High
	case v >= 0.6:
		return Med
	}
	return Low
}

// FromScore maps a 0..100 match score onto a tier.
func FromScore(score float64) Level {
	switch {
	case score >= 80:
		return High
	case score >= 50:
		return Med
	}
	return Low
}

// Min returns the lower of two tiers.
func Min(a, b Level) Level {
	if a < b {
		return a
	}
	return b
}
