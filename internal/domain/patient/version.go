package patient

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// FallbackVersionSuffix is appended to version tags that are not of the
// form v<digits>.
const FallbackVersionSuffix = "-1"

// NextVersionTag bumps a v<digits> tag keeping its zero padding
// (v010 -> v011, v099 -> v100). An empty tag starts at v1; any other tag
// gets FallbackVersionSuffix appended.
func NextVersionTag(tag string) string {
	if tag == "" {
		return "v1"
	}
	digits := tag[1:]
	if tag[0] != 'v' || digits == "" || !isDigits(digits) {
		return tag + FallbackVersionSuffix
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return tag + FallbackVersionSuffix
	}
	return fmt.Sprintf("v%0*d", len(digits), n+1)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Stamper renders lastUpdated values. Now and Filler are injected so tests
// get byte-exact output.
type Stamper struct {
	// Now returns the current instant; its location decides the offset.
	Now func() time.Time
	// Filler returns the low three fractional digits, 0-999.
	Filler func() int
}

// NewStamper stamps with the wall clock in loc and random filler digits.
func NewStamper(loc *time.Location) *Stamper {
	if loc == nil {
		loc = time.Local
	}
	return &Stamper{
		Now:    func() time.Time { return time.Now().In(loc) },
		Filler: func() int { return rand.Intn(1000) },
	}
}

// Stamp returns YYYY-MM-DDTHH:MM:SS.ffffff±HH:MM where the first three
// fractional digits are milliseconds and the last three come from Filler.
func (s *Stamper) Stamp() string {
	t := s.Now()
	ms := t.Nanosecond() / int(time.Millisecond)
	filler := s.Filler() % 1000
	if filler < 0 {
		filler = -filler
	}
	return fmt.Sprintf("%s.%03d%03d%s", t.Format("2006-01-02T15:04:05"), ms, filler, t.Format("-07:00"))
}
