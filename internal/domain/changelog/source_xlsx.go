package changelog

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXSource reads a change-log from a spreadsheet. Sheet names the
// worksheet; empty means the first one.
type XLSXSource struct {
	Path  string
	Sheet string
}

func (s XLSXSource) Rows(_ context.Context) ([]Row, error) {
	f, err := excelize.OpenFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open change log %s: %w", s.Path, err)
	}
	defer f.Close()

	rows, err := readWorkbook(f, s.Sheet)
	if err != nil {
		return nil, fmt.Errorf("change log %s: %w", s.Path, err)
	}
	return rows, nil
}

// ReadXLSX parses change rows from a workbook stream.
func ReadXLSX(r io.Reader, sheet string) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse workbook: %w", err)
	}
	defer f.Close()
	return readWorkbook(f, sheet)
}

func readWorkbook(f *excelize.File, sheet string) ([]Row, error) {
	if sheet == "" {
		sheet = f.GetSheetName(0)
		if sheet == "" {
			return nil, fmt.Errorf("workbook has no sheets")
		}
	}
	// Raw values keep numeric phones unformatted and give date cells as
	// serial numbers instead of locale display text.
	table, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}
	if col := dateColumn(table); col >= 0 {
		for _, line := range table {
			if col < len(line) {
				line[col] = serialToDate(line[col], date1904)
			}
		}
	}
	return rowsFromTable(table)
}

// serialToDate renders a spreadsheet date serial as DD-MM-YYYY. Anything
// that is not a positive number is returned unchanged.
func serialToDate(v string, date1904 bool) string {
	serial, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || serial < 1 {
		return v
	}
	t, err := excelize.ExcelDateToTime(serial, date1904)
	if err != nil {
		return v
	}
	return t.Format("02-01-2006")
}
