package patient

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/phonesync/internal/platform/fhir"
)

// DefaultKeySystem is the identifier system of the Indonesian national ID
// (NIK), used as the lookup key.
const DefaultKeySystem = "https://fhir.kemkes.go.id/id/nik"

const (
	SystemPhone = "phone"
	UseMobile   = "mobile"
)

// Record is a Patient resource. Only the members the reconciliation reads
// or writes are modelled; everything else (name, birthDate, resourceType,
// extensions...) is held in Extra and written back verbatim.
type Record struct {
	ID         string              `json:"id,omitempty"`
	Identifier []fhir.Identifier   `json:"identifier,omitempty"`
	Telecom    []fhir.ContactPoint `json:"telecom,omitempty"`
	Meta       *fhir.Meta          `json:"meta,omitempty"`
	Extra      fhir.Extras         `json:"-"`
}

// Key returns the value of the first identifier with the given system.
func (r *Record) Key(system string) (string, bool) {
	for _, id := range r.Identifier {
		if id.System == system {
			return id.Value, true
		}
	}
	return "", false
}

// MobilePhone returns the index of the tracked mobile channel, or -1.
func (r *Record) MobilePhone() int {
	for i, cp := range r.Telecom {
		if cp.System == SystemPhone && cp.Use == UseMobile {
			return i
		}
	}
	return -1
}

func (r *Record) UnmarshalJSON(data []byte) error {
	m, err := fhir.DecodeObject(data)
	if err != nil {
		return fmt.Errorf("patient record: %w", err)
	}
	*r = Record{}
	if err := fhir.TakeMember(m, "id", &r.ID); err != nil {
		return err
	}
	if err := fhir.TakeMember(m, "identifier", &r.Identifier); err != nil {
		return err
	}
	if err := fhir.TakeMember(m, "telecom", &r.Telecom); err != nil {
		return err
	}
	if err := fhir.TakeMember(m, "meta", &r.Meta); err != nil {
		return err
	}
	if len(m) > 0 {
		r.Extra = fhir.Extras(m)
	}
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	known := map[string]interface{}{}
	if r.ID != "" {
		known["id"] = r.ID
	}
	if r.Identifier != nil {
		known["identifier"] = r.Identifier
	}
	if r.Telecom != nil {
		known["telecom"] = r.Telecom
	}
	if r.Meta != nil {
		known["meta"] = r.Meta
	}
	return fhir.EncodeObject(known, r.Extra)
}

// DecodeRecord parses a single resource.
func DecodeRecord(raw json.RawMessage) (*Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
