package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phonesync/internal/domain/patient"
	"github.com/ehr/phonesync/internal/domain/phone"
	"github.com/ehr/phonesync/internal/report"
)

func newTestHandler() (*Handler, *echo.Echo) {
	h := NewHandler(phone.Standard{}, phone.International, patient.DefaultKeySystem, testStamper(), zerolog.Nop())
	return h, echo.New()
}

func postJSON(e *echo.Echo, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_Normalize(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		code   int
		valid  bool
		value  string
		reason string
	}{
		{"default format", `{"phone":"+62 812-3456-7890"}`, http.StatusOK, true, "+6281234567890", ""},
		{"national", `{"phone":"+62 812-3456-7890","format":"national"}`, http.StatusOK, true, "081234567890", ""},
		{"rejected", `{"phone":"890123"}`, http.StatusOK, false, "", "length"},
		{"bad format", `{"phone":"0812","format":"e164"}`, http.StatusBadRequest, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler()
			c, rec := postJSON(e, "/api/v1/phone/$normalize", tt.body)

			if err := h.Normalize(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var res phone.Result
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatal(err)
			}
			if res.Valid != tt.valid || res.Value != tt.value || string(res.Reason) != tt.reason {
				t.Errorf("unexpected result %+v", res)
			}
		})
	}
}

const reconcileBody = `{
  "records": {
    "resourceType": "Bundle",
    "type": "collection",
    "entry": [
      {"resource": {"resourceType": "Patient", "id": "p1",
        "identifier": [{"system": "https://fhir.kemkes.go.id/id/nik", "value": "3201"}],
        "name": [{"text": "Budi"}]}}
    ]
  },
  "changes": [
    {"date": "01-01-2024", "nik": "3201", "name": "Budi", "phone": "0812-3456-7890"},
    {"date": "01-01-2024", "nik": "4040", "name": "X", "phone": "0812-3456-7890"}
  ]
}`

func TestHandler_Reconcile(t *testing.T) {
	h, e := newTestHandler()
	c, rec := postJSON(e, "/api/v1/reconcile", reconcileBody)

	if err := h.Reconcile(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		RunID    string             `json:"run_id"`
		Records  json.RawMessage    `json:"records"`
		Stats    report.Stats       `json:"stats"`
		Rejected []report.Rejection `json:"rejected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := report.Stats{TotalRows: 2, Updated: 1, MissingPatient: 1}
	if resp.Stats != want {
		t.Errorf("expected %+v, got %+v", want, resp.Stats)
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].Identifier != "4040" {
		t.Errorf("unexpected rejections %+v", resp.Rejected)
	}

	records, err := patient.DecodeCollection(resp.Records)
	if err != nil {
		t.Fatalf("records should be a Bundle: %v", err)
	}
	if len(records) != 1 || len(records[0].Telecom) != 1 || records[0].Telecom[0].Value != "+6281234567890" {
		t.Errorf("unexpected records %+v", records)
	}
	if _, ok := records[0].Extra["name"]; !ok {
		t.Error("unknown members must be passed through")
	}
}

func TestHandler_Reconcile_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"no records", `{"changes":[]}`, http.StatusBadRequest},
		{"malformed records", `{"records":{"id":"x"},"changes":[]}`, http.StatusBadRequest},
		{"bad format", `{"records":[],"changes":[],"format":"short"}`, http.StatusBadRequest},
		{"duplicate nik", `{"records":[
			{"id":"a","identifier":[{"system":"https://fhir.kemkes.go.id/id/nik","value":"1"}]},
			{"id":"b","identifier":[{"system":"https://fhir.kemkes.go.id/id/nik","value":"1"}]}
		],"changes":[]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler()
			c, rec := postJSON(e, "/api/v1/reconcile", tt.body)
			if err := h.Reconcile(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

type failingSink struct{ report.MemorySink }

func (*failingSink) WriteStats(context.Context, report.Stats) error {
	return errors.New("write /var/lib/phonesync/out/stats.json: disk quota exceeded")
}

func TestHandler_Reconcile_SinkFailure(t *testing.T) {
	var logs bytes.Buffer
	h := NewHandler(phone.Standard{}, phone.International, patient.DefaultKeySystem, testStamper(), zerolog.New(&logs))
	h.newSink = func() report.Sink { return &failingSink{} }
	e := echo.New()
	c, rec := postJSON(e, "/api/v1/reconcile", reconcileBody)

	if err := h.Reconcile(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk quota") || strings.Contains(rec.Body.String(), "/var/lib") {
		t.Errorf("response leaks internal error: %s", rec.Body.String())
	}

	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Severity string `json:"severity"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 || outcome.Issue[0].Severity != "error" {
		t.Errorf("unexpected outcome %s", rec.Body.String())
	}
	if !strings.Contains(logs.String(), "disk quota exceeded") || !strings.Contains(logs.String(), `"run_id"`) {
		t.Errorf("expected the failure in the log, got %q", logs.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	routePaths := make(map[string]bool)
	for _, r := range e.Routes() {
		routePaths[r.Method+":"+r.Path] = true
	}
	for _, path := range []string{"POST:/api/v1/phone/$normalize", "POST:/api/v1/reconcile"} {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}
