package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/phonesync/internal/domain/patient"
	"github.com/ehr/phonesync/internal/platform/fhir"
)

// Record output formats.
const (
	FormatBundle = "bundle"
	FormatNDJSON = "ndjson"
)

// Output file names inside a DirSink directory.
const (
	RecordsFile       = "patients_updated.json"
	RecordsNDJSONFile = "patients_updated.ndjson"
	StatsFile         = "stats.json"
	RejectedFile      = "rejected.csv"
	RejectedXLSXFile  = "rejected.xlsx"
)

var rejectedHeader = []string{"nik", "raw_phone", "reason"}

// DirSink writes artifacts as files under Dir, creating it when needed.
// Dir may be reused across runs: WriteRecords removes the records file of
// the other format, and WriteStats removes earlier rejection reports, which
// WriteRejected recreates when the run has rejections. Reporter calls them
// in that order.
type DirSink struct {
	Dir string
	// RecordsFormat is FormatBundle (default) or FormatNDJSON.
	RecordsFormat string
	// RejectedXLSX additionally writes the rejections as a spreadsheet.
	RejectedXLSX bool
	// BundleID becomes the id of the output Bundle.
	BundleID string
	// Now stamps the Bundle; nil leaves the timestamp out.
	Now func() time.Time
}

func (d DirSink) path(name string) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return filepath.Join(d.Dir, name), nil
}

// removeStale deletes artifacts of an earlier run that this run does not
// write.
func (d DirSink) removeStale(names ...string) error {
	for _, name := range names {
		err := os.Remove(filepath.Join(d.Dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", name, err)
		}
	}
	return nil
}

func (d DirSink) WriteRecords(_ context.Context, records []*patient.Record) error {
	if d.RecordsFormat == FormatNDJSON {
		if err := d.removeStale(RecordsFile); err != nil {
			return err
		}
		return d.writeNDJSON(records)
	}
	if err := d.removeStale(RecordsNDJSONFile); err != nil {
		return err
	}

	var ts *time.Time
	if d.Now != nil {
		now := d.Now()
		ts = &now
	}
	data, err := patient.EncodeBundle(d.BundleID, records, ts)
	if err != nil {
		return err
	}
	path, err := d.path(RecordsFile)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (d DirSink) writeNDJSON(records []*patient.Record) error {
	path, err := d.path(RecordsNDJSONFile)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := fhir.NewNDJSONWriter(f)
	for _, r := range records {
		if err := w.WriteResource(r); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func (d DirSink) WriteStats(_ context.Context, stats Stats) error {
	if err := d.removeStale(RejectedFile, RejectedXLSXFile); err != nil {
		return err
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	path, err := d.path(StatsFile)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (d DirSink) WriteRejected(_ context.Context, rejected []Rejection) error {
	if err := d.writeRejectedCSV(rejected); err != nil {
		return err
	}
	if d.RejectedXLSX {
		return d.writeRejectedXLSX(rejected)
	}
	return nil
}

func (d DirSink) writeRejectedCSV(rejected []Rejection) error {
	path, err := d.path(RejectedFile)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(rejectedHeader); err != nil {
		return fmt.Errorf("rejected csv: write header: %w", err)
	}
	for _, r := range rejected {
		if err := cw.Write([]string{r.Identifier, r.RawPhone, r.Reason}); err != nil {
			return fmt.Errorf("rejected csv: write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return f.Close()
}

const rejectedSheet = "Rejected"

func (d DirSink) writeRejectedXLSX(rejected []Rejection) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(rejectedSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	header := make([]interface{}, len(rejectedHeader))
	for i, h := range rejectedHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(rejectedSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, r := range rejected {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		// Strings keep leading zeros and '+' of raw phones and NIKs.
		row := []interface{}{r.Identifier, r.RawPhone, r.Reason}
		if err := f.SetSheetRow(rejectedSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(rejectedSheet, "A", "C", 22); err != nil {
		return err
	}

	path, err := d.path(RejectedXLSXFile)
	if err != nil {
		return err
	}
	return f.SaveAs(path)
}
