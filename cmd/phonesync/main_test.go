package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/phonesync/internal/config"
	"github.com/ehr/phonesync/internal/domain/changelog"
	"github.com/ehr/phonesync/internal/domain/patient"
	"github.com/ehr/phonesync/internal/domain/phone"
	"github.com/ehr/phonesync/internal/report"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		Env:                 "production",
		LogLevel:            "info",
		Port:                "8000",
		PhoneFormat:         "international",
		PhoneValidation:     "basic",
		NationalIDSystem:    patient.DefaultKeySystem,
		Timezone:            "Asia/Jakarta",
		RecordSource:        "file",
		OutputDir:           filepath.Join(dir, "out"),
		OutputRecordsFormat: "bundle",
		DBMaxConns:          10,
		DBMinConns:          1,
	}
}

// ---------------------------------------------------------------------------
// newLogger
// ---------------------------------------------------------------------------

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			cfg.LogLevel = tt.level
			if got := newLogger(cfg, io.Discard).GetLevel(); got != tt.want {
				t.Errorf("newLogger(%q) level = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestNewLogger_JSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(testConfig(t.TempDir()), &buf)
	logger.Info().Str("run_id", "r1").Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["run_id"] != "r1" || entry["message"] != "hello" {
		t.Errorf("unexpected entry %v", entry)
	}
}

// ---------------------------------------------------------------------------
// rowSource
// ---------------------------------------------------------------------------

func TestRowSource_ByExtension(t *testing.T) {
	if _, ok := rowSource("changes.xlsx", "Mei").(changelog.XLSXSource); !ok {
		t.Error("expected XLSXSource for .xlsx")
	}
	if src, ok := rowSource("CHANGES.XLSX", "").(changelog.XLSXSource); !ok || src.Path != "CHANGES.XLSX" {
		t.Error("expected XLSXSource for upper-case extension")
	}
	if _, ok := rowSource("changes.csv", "").(changelog.CSVSource); !ok {
		t.Error("expected CSVSource for .csv")
	}
	if _, ok := rowSource("changes", "").(changelog.CSVSource); !ok {
		t.Error("expected CSVSource without extension")
	}
}

// ---------------------------------------------------------------------------
// normalize command
// ---------------------------------------------------------------------------

func TestPrintNormalized(t *testing.T) {
	var buf bytes.Buffer
	printNormalized(&buf, phone.Standard{}, phone.National, []string{"+62 812-3456-7890", "890123"})

	want := "+62 812-3456-7890\t081234567890\n890123\tinvalid: length\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestNormalizeCmd(t *testing.T) {
	t.Setenv("PHONE_FORMAT", "international")
	t.Setenv("PHONE_VALIDATION", "basic")
	t.Setenv("TIMEZONE", "Asia/Jakarta")

	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"normalize", "--format", "national", "0812 3456 7890", "62abc123"})

	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "0812 3456 7890\t081234567890\n62abc123\tinvalid: non_digit\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestNormalizeCmd_BadFormat(t *testing.T) {
	t.Setenv("TIMEZONE", "Asia/Jakarta")

	root := rootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"normalize", "--format", "e164", "0812"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunJob_WritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.RecordsPath = filepath.Join(dir, "patients.json")
	cfg.ChangesPath = filepath.Join(dir, "changes.csv")

	writeFile(t, cfg.RecordsPath, `[{"resourceType":"Patient","id":"p1","identifier":[{"system":"`+
		patient.DefaultKeySystem+`","value":"3201"}],"name":[{"text":"Budi"}]}]`)
	writeFile(t, cfg.ChangesPath, "tanggal,nik,nama,no_hp\n"+
		"01-01-2024,3201,Budi,0812-3456-7890\n"+
		"02-01-2024,9999,Siti,0811111111\n")

	if err := runJob(context.Background(), cfg, zerolog.Nop()); err != nil {
		t.Fatalf("runJob: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, report.StatsFile))
	if err != nil {
		t.Fatal(err)
	}
	var stats report.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatal(err)
	}
	want := report.Stats{TotalRows: 2, Updated: 1, MissingPatient: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	records, err := patient.FileSource{Path: filepath.Join(cfg.OutputDir, report.RecordsFile)}.Load(context.Background())
	if err != nil {
		t.Fatalf("load output bundle: %v", err)
	}
	if len(records) != 1 || len(records[0].Telecom) != 1 || records[0].Telecom[0].Value != "+6281234567890" {
		t.Errorf("unexpected output records %+v", records)
	}
	if _, ok := records[0].Extra["name"]; !ok {
		t.Error("expected unmodelled members to be preserved")
	}

	rejected, err := os.ReadFile(filepath.Join(cfg.OutputDir, report.RejectedFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(rejected), "9999,0811111111,patient_not_found") {
		t.Errorf("unexpected rejected.csv %q", rejected)
	}
}

func TestRunJob_RequiresInputs(t *testing.T) {
	cfg := testConfig(t.TempDir())
	if err := runJob(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected error without a change log")
	}

	cfg.ChangesPath = "changes.csv"
	if err := runJob(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected error without a records file")
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func TestNewServer_Routes(t *testing.T) {
	e, err := newServer(testConfig(t.TempDir()), zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/health/db without a database: expected 404, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/phone/$normalize", strings.NewReader(`{"phone":"081234567890"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("normalize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
	var res phone.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Value != "+6281234567890" {
		t.Errorf("unexpected result %+v", res)
	}
}
