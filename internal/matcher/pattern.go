package matcher

import (
	"errors"
	"regexp"
	"strings"
)

// ErrEmptyPattern is returned when no usable alternative is supplied.
var ErrEmptyPattern = errors.New("pattern must contain at least one non-empty alternative")

// Pattern is a case-insensitive set of literal alternatives. An element
// matches when its text contains any one of them.
type Pattern struct {
	alternatives []string
	source       string
	re           *regexp.Regexp
}

// Compile builds a Pattern from literal alternatives. Surrounding whitespace
// is trimmed and duplicates (ignoring case) are dropped.
func Compile(alternatives []string) (Pattern, error) {
	seen := make(map[string]struct{}, len(alternatives))
	var kept []string
	var quoted []string
	for _, alt := range alternatives {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		key := strings.ToLower(alt)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, alt)
		quoted = append(quoted, regexp.QuoteMeta(alt))
	}
	if len(kept) == 0 {
		return Pattern{}, ErrEmptyPattern
	}

	// QuoteMeta output is also valid JavaScript regex syntax, so the same
	// source drives both the in-page scan and local matching.
	source := strings.Join(quoted, "|")
	re, err := regexp.Compile("(?i)(?:" + source + ")")
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{alternatives: kept, source: source, re: re}, nil
}

// MustCompile is Compile that panics on error. Tests only.
func MustCompile(alternatives ...string) Pattern {
	p, err := Compile(alternatives)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether text contains any alternative, ignoring case.
func (p Pattern) Match(text string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(text)
}

// Source is the alternation to be compiled in-page with the "i" flag.
func (p Pattern) Source() string { return p.source }

// Alternatives returns a copy of the normalized alternatives.
func (p Pattern) Alternatives() []string {
	return append([]string(nil), p.alternatives...)
}

// IsZero reports whether p was never compiled.
func (p Pattern) IsZero() bool { return p.re == nil }

func (p Pattern) String() string { return p.source }
