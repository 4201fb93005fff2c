package changelog

import (
	"sort"
	"time"
)

// Order returns rows sorted by ascending observed date. The sort is stable,
// so rows on the same date keep their input order. Rows with an unparsable
// date sort as the oldest; none are dropped. The input slice is not
// modified.
func Order(rows []Row) []Row {
	keyed := make([]keyedRow, len(rows))
	for i, r := range rows {
		t, _ := ParseObservedDate(r.ObservedDate)
		keyed[i] = keyedRow{row: r, at: t}
	}
	sort.SliceStable(keyed, func(i, j int) bool {
		return keyed[i].at.Before(keyed[j].at)
	})

	out := make([]Row, len(keyed))
	for i, k := range keyed {
		out[i] = k.row
	}
	return out
}

type keyedRow struct {
	row Row
	at  time.Time
}

// Conflict is a set of rows for one identifier on one date that carry
// different valid phone values. Their relative order comes only from the
// input.
type Conflict struct {
	Identifier string
	Date       time.Time
	Rows       []Row
}

// Canonical maps a raw phone to its canonical value; ok is false for
// rejected input.
type Canonical func(raw string) (value string, ok bool)

// Conflicts reports same-identifier, same-date groups holding at least two
// distinct canonical values, in first-seen order. Rejected rows never
// conflict, and spellings of one number agree. Unparsable dates are
// grouped together as the zero date. Rows holds the valid rows of a group.
func Conflicts(rows []Row, canonical Canonical) []Conflict {
	type groupKey struct {
		id string
		at time.Time
	}
	type group struct {
		rows   []Row
		values map[string]bool
	}
	groups := make(map[groupKey]*group)
	var keys []groupKey
	for _, r := range rows {
		value, ok := canonical(r.RawPhone)
		if !ok {
			continue
		}
		t, _ := ParseObservedDate(r.ObservedDate)
		k := groupKey{id: r.Identifier, at: t}
		g, seen := groups[k]
		if !seen {
			g = &group{values: make(map[string]bool)}
			groups[k] = g
			keys = append(keys, k)
		}
		g.rows = append(g.rows, r)
		g.values[value] = true
	}

	var out []Conflict
	for _, k := range keys {
		g := groups[k]
		if len(g.values) < 2 {
			continue
		}
		out = append(out, Conflict{Identifier: k.id, Date: k.at, Rows: g.rows})
	}
	return out
}
