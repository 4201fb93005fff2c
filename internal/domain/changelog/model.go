// Package changelog reads phone change events and puts them in processing
// order.
package changelog

import (
	"strconv"
	"strings"
	"time"
)

// Row is one observed phone update. DisplayName is carried for audit and
// never interpreted.
type Row struct {
	ObservedDate string `json:"date"`
	Identifier   string `json:"nik"`
	DisplayName  string `json:"name,omitempty"`
	RawPhone     string `json:"phone"`
	// Line is the 1-based line in the source, 0 when not file-backed.
	Line int `json:"-"`
}

// ParseObservedDate parses a day-month-year date separated by '-' or '/'.
// Day and month may have one or two digits; the year has four and is at
// least 0001.
func ParseObservedDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	var sep string
	switch {
	case strings.Contains(s, "-"):
		sep = "-"
	case strings.Contains(s, "/"):
		sep = "/"
	default:
		return time.Time{}, false
	}

	parts := strings.Split(s, sep)
	if len(parts) != 3 || len(parts[0]) > 2 || len(parts[1]) > 2 || len(parts[2]) != 4 {
		return time.Time{}, false
	}
	var nums [3]int
	for i, p := range parts {
		if p == "" || !isNumeric(p) {
			return time.Time{}, false
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		nums[i] = n
	}

	day, month, year := nums[0], nums[1], nums[2]
	// Year 0 would sort before the zero time unparsable rows get.
	if year < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes 31-02 into March; reject instead.
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
