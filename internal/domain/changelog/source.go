package changelog

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptySource is returned when a change-log holds no lines at all, not
// even a header.
var ErrEmptySource = errors.New("change log is empty")

// Source produces the unordered rows of one change-log.
type Source interface {
	Rows(ctx context.Context) ([]Row, error)
}

// SliceSource serves rows already in memory.
type SliceSource []Row

func (s SliceSource) Rows(_ context.Context) ([]Row, error) {
	out := make([]Row, len(s))
	copy(out, s)
	return out, nil
}

type column int

const (
	colDate column = iota
	colIdentifier
	colName
	colPhone
	numColumns
)

var headerAliases = map[string]column{
	"date":          colDate,
	"tanggal":       colDate,
	"observed_date": colDate,
	"tgl":           colDate,
	"nik":           colIdentifier,
	"identifier":    colIdentifier,
	"national_id":   colIdentifier,
	"no_ktp":        colIdentifier,
	"name":          colName,
	"nama":          colName,
	"display_name":  colName,
	"phone":         colPhone,
	"no_hp":         colPhone,
	"whatsapp":      colPhone,
	"no_wa":         colPhone,
	"telepon":       colPhone,
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.ReplaceAll(h, " ", "_")
}

// headerIndex maps each known column to its position in header. ok is false
// when no cell of header is a recognized alias.
func headerIndex(header []string) (idx [numColumns]int, ok bool) {
	for i := range idx {
		idx[i] = -1
	}
	for pos, cell := range header {
		c, known := headerAliases[normalizeHeader(cell)]
		if !known || idx[c] >= 0 {
			continue
		}
		idx[c] = pos
		ok = true
	}
	return idx, ok
}

// dateColumn returns the position of the date column rowsFromTable will
// use, or -1 for an empty table.
func dateColumn(table [][]string) int {
	start := firstNonBlank(table)
	if start < 0 {
		return -1
	}
	if idx, ok := headerIndex(table[start]); ok {
		return idx[colDate]
	}
	return 0
}

// rowsFromTable turns a table of cells into rows. When the first line is a
// recognizable header its aliases decide the columns; otherwise columns are
// positional (date, identifier, name, phone) and the first line is data.
// Missing cells become empty strings. Blank lines are skipped.
func rowsFromTable(table [][]string) ([]Row, error) {
	start := firstNonBlank(table)
	if start < 0 {
		return nil, ErrEmptySource
	}

	idx, hasHeader := headerIndex(table[start])
	if hasHeader {
		start++
	} else {
		idx = [numColumns]int{0, 1, 2, 3}
	}

	var rows []Row
	for i := start; i < len(table); i++ {
		line := table[i]
		if isBlank(line) {
			continue
		}
		rows = append(rows, Row{
			ObservedDate: cell(line, idx[colDate]),
			Identifier:   cell(line, idx[colIdentifier]),
			DisplayName:  cell(line, idx[colName]),
			RawPhone:     cell(line, idx[colPhone]),
			Line:         i + 1,
		})
	}
	return rows, nil
}

// cell keeps the phone text as written except for surrounding whitespace;
// the normalizer owns everything else.
func cell(line []string, pos int) string {
	if pos < 0 || pos >= len(line) {
		return ""
	}
	return strings.TrimSpace(line[pos])
}

func firstNonBlank(table [][]string) int {
	for i, line := range table {
		if !isBlank(line) {
			return i
		}
	}
	return -1
}

func isBlank(line []string) bool {
	for _, v := range line {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
