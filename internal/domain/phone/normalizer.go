// Package phone turns free-text Indonesian phone numbers into a canonical
// form or a rejection reason.
package phone

import (
	"fmt"
	"strings"
	"unicode"
)

// Format selects how a canonical number is rendered.
type Format string

const (
	International Format = "international" // +628123456789
	National      Format = "national"      // 08123456789
)

// ParseFormat maps configuration text to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case International:
		return International, nil
	case National:
		return National, nil
	}
	return "", fmt.Errorf("unknown phone format %q (want %q or %q)", s, International, National)
}

// Reason explains why an input was rejected.
type Reason string

const (
	ReasonEmpty      Reason = "empty"
	ReasonNonDigit   Reason = "non_digit"
	ReasonLength     Reason = "length"
	ReasonBadPrefix  Reason = "bad_prefix"
	ReasonNumberPlan Reason = "number_plan"
)

const (
	CountryCode   = "62"
	countryPrefix = "+" + CountryCode
	trunkPrefix   = "0"

	minDigits      = 10
	maxDigits      = 15
	minLocalDigits = 9
	maxLocalDigits = 13
)

// Result is the outcome of normalizing one input. Raw is always the
// untouched input; Reason is set iff Valid is false.
type Result struct {
	Raw    string `json:"raw"`
	Value  string `json:"value,omitempty"`
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
}

// Normalizer is implemented by every normalization strategy.
type Normalizer interface {
	Normalize(raw string, f Format) Result
}

// Standard applies the prefix rules of Normalize and nothing else.
type Standard struct{}

func (Standard) Normalize(raw string, f Format) Result {
	return Normalize(raw, f)
}

func rejected(raw string, r Reason) Result {
	return Result{Raw: raw, Reason: r}
}

// Normalize validates raw and renders it in format f. The first matching
// prefix rule decides; a commit to a branch is never revisited.
func Normalize(raw string, f Format) Result {
	s := strings.TrimSpace(raw)
	if s == "" {
		return rejected(raw, ReasonEmpty)
	}
	s = stripSeparators(s)

	var canonical string
	switch {
	case strings.HasPrefix(s, "+"):
		rest := s[1:]
		if !allDigits(rest) {
			return rejected(raw, ReasonNonDigit)
		}
		canonical = "+" + rest
	case strings.HasPrefix(s, CountryCode):
		rest := s[len(CountryCode):]
		if !allDigits(rest) {
			return rejected(raw, ReasonNonDigit)
		}
		canonical = countryPrefix + rest
	case strings.HasPrefix(s, trunkPrefix):
		rest := s[len(trunkPrefix):]
		if !allDigits(rest) {
			return rejected(raw, ReasonNonDigit)
		}
		canonical = countryPrefix + rest
	default:
		if !allDigits(s) {
			return rejected(raw, ReasonNonDigit)
		}
		if len(s) < minLocalDigits || len(s) > maxLocalDigits {
			return rejected(raw, ReasonLength)
		}
		canonical = countryPrefix + s
	}

	if !strings.HasPrefix(canonical, countryPrefix) {
		return rejected(raw, ReasonBadPrefix)
	}
	if n := len(canonical) - 1; n < minDigits || n > maxDigits {
		return rejected(raw, ReasonLength)
	}

	return Result{Raw: raw, Value: Render(canonical, f), Valid: true}
}

// Render projects an international canonical value (+62...) onto f.
func Render(canonical string, f Format) string {
	if f == National && strings.HasPrefix(canonical, countryPrefix) {
		return trunkPrefix + canonical[len(countryPrefix):]
	}
	return canonical
}

// stripSeparators drops whitespace, dashes, parentheses, dots and slashes,
// and every '+' except a single leading one. Letters and other symbols are
// kept so the digit checks can reject them.
func stripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '+':
			if b.Len() == 0 {
				b.WriteRune(r)
			}
			continue
		case unicode.IsSpace(r), r == '-', r == '(', r == ')', r == '.', r == '/':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
