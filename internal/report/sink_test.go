package report

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/phonesync/internal/domain/patient"
)

func testRecords() []*patient.Record {
	return []*patient.Record{{ID: "a"}, {ID: "b"}}
}

func TestDirSink_WriteRecordsBundle(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	d := DirSink{Dir: dir, BundleID: "run-1", Now: func() time.Time { return ts }}

	if err := d.WriteRecords(context.Background(), testRecords()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, RecordsFile))
	if err != nil {
		t.Fatal(err)
	}
	var b struct {
		ResourceType string    `json:"resourceType"`
		ID           string    `json:"id"`
		Type         string    `json:"type"`
		Timestamp    time.Time `json:"timestamp"`
		Entry        []struct {
			Resource map[string]interface{} `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.ResourceType != "Bundle" || b.ID != "run-1" || b.Type != "collection" {
		t.Errorf("unexpected bundle header %+v", b)
	}
	if !b.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, b.Timestamp)
	}
	if len(b.Entry) != 2 || b.Entry[0].Resource["id"] != "a" {
		t.Errorf("unexpected entries %+v", b.Entry)
	}

	recs, err := patient.FileSource{Path: filepath.Join(dir, RecordsFile)}.Load(context.Background())
	if err != nil || len(recs) != 2 {
		t.Errorf("output should load back as records: %v %d", err, len(recs))
	}
}

func TestDirSink_WriteRecordsNDJSON(t *testing.T) {
	dir := t.TempDir()
	d := DirSink{Dir: dir, RecordsFormat: FormatNDJSON}

	if err := d.WriteRecords(context.Background(), testRecords()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := os.Open(filepath.Join(dir, RecordsNDJSONFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		ids = append(ids, m["id"].(string))
	}
	if strings.Join(ids, ",") != "a,b" {
		t.Errorf("expected a,b got %v", ids)
	}
}

func TestDirSink_WriteStats(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	d := DirSink{Dir: dir}
	stats := Stats{TotalRows: 5, Updated: 2, Unchanged: 1, InvalidFormat: 1, MissingPatient: 1}

	if err := d.WriteStats(context.Background(), stats); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, StatsFile))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"total_rows": 5, "updated": 2, "unchanged": 1, "invalid_format": 1, "missing_patient": 1}
	if len(m) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), m)
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s: expected %d, got %d", k, v, m[k])
		}
	}
}

var sampleRejections = []Rejection{
	{Identifier: "3201", RawPhone: "62abc123", Reason: "non_digit"},
	{Identifier: "9999", RawPhone: "+6281234567890", Reason: ReasonPatientNotFound},
}

func TestDirSink_WriteRejectedCSV(t *testing.T) {
	dir := t.TempDir()
	d := DirSink{Dir: dir}

	if err := d.WriteRejected(context.Background(), sampleRejections); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := os.Open(filepath.Join(dir, RejectedFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	table, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(table))
	}
	if strings.Join(table[0], ",") != "nik,raw_phone,reason" {
		t.Errorf("unexpected header %v", table[0])
	}
	if strings.Join(table[2], ",") != "9999,+6281234567890,patient_not_found" {
		t.Errorf("unexpected row %v", table[2])
	}
	if _, err := os.Stat(filepath.Join(dir, RejectedXLSXFile)); !os.IsNotExist(err) {
		t.Error("xlsx should not be written unless enabled")
	}
}

func TestDirSink_WriteRejectedXLSX(t *testing.T) {
	dir := t.TempDir()
	d := DirSink{Dir: dir, RejectedXLSX: true}

	if err := d.WriteRejected(context.Background(), sampleRejections); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := excelize.OpenFile(filepath.Join(dir, RejectedXLSXFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(rejectedSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[1][1] != "62abc123" || rows[2][1] != "+6281234567890" {
		t.Errorf("unexpected phone cells %v %v", rows[1], rows[2])
	}
}

type errSink struct {
	MemorySink
	err error
}

func (e *errSink) WriteRecords(context.Context, []*patient.Record) error { return e.err }

func TestTee(t *testing.T) {
	a, b := &MemorySink{}, &MemorySink{}
	sink := Tee(a, b)
	if err := sink.WriteStats(context.Background(), Stats{TotalRows: 1}); err != nil {
		t.Fatal(err)
	}
	if a.Stats == nil || b.Stats == nil {
		t.Error("expected both sinks to receive stats")
	}

	boom := errors.New("boom")
	c := &MemorySink{}
	if err := Tee(&errSink{err: boom}, c).WriteRecords(context.Background(), testRecords()); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if c.Records != nil {
		t.Error("sinks after a failure must not be written")
	}
}

type fakeSaver struct {
	saved []*patient.Record
}

func (f *fakeSaver) Save(_ context.Context, records []*patient.Record) error {
	f.saved = records
	return nil
}

func TestPersistRecords(t *testing.T) {
	saver := &fakeSaver{}
	sink := PersistRecords(saver)
	if err := sink.WriteRecords(context.Background(), testRecords()); err != nil {
		t.Fatal(err)
	}
	if len(saver.saved) != 2 {
		t.Errorf("expected 2 saved records, got %d", len(saver.saved))
	}
	if err := sink.WriteStats(context.Background(), Stats{}); err != nil {
		t.Error(err)
	}
	if err := sink.WriteRejected(context.Background(), sampleRejections); err != nil {
		t.Error(err)
	}
}
