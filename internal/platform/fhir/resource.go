package fhir

import (
	"encoding/json"
	"fmt"
)

// Extras holds the members of a JSON object that this package does not
// model. They are carried through decode/encode untouched.
type Extras map[string]json.RawMessage

// Identifier is a business identifier (system + value). Use, type, period
// and any other members travel in Extra.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Extra  Extras `json:"-"`
}

// ContactPoint is a telecom entry. Rank is a pointer so that an absent rank
// stays absent when an untouched channel is written back.
type ContactPoint struct {
	System string `json:"system,omitempty"`
	Use    string `json:"use,omitempty"`
	Value  string `json:"value,omitempty"`
	Rank   *int   `json:"rank,omitempty"`
	Extra  Extras `json:"-"`
}

// Meta is resource metadata. LastUpdated is kept as text: the exact
// rendering is part of the output contract and must not round-trip through
// time.Time.
type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
	Extra       Extras `json:"-"`
}

// DecodeObject splits a JSON object into its members.
func DecodeObject(data []byte) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("expected JSON object, got null")
	}
	return m, nil
}

// TakeMember decodes members[key] into dst and removes it from members.
// A missing key leaves dst untouched.
func TakeMember(members map[string]json.RawMessage, key string, dst interface{}) error {
	raw, ok := members[key]
	if !ok {
		return nil
	}
	delete(members, key)
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("member %q: %w", key, err)
	}
	return nil
}

// EncodeObject merges known members over extra and marshals the result.
// Known members win on a name clash.
func EncodeObject(known map[string]interface{}, extra Extras) ([]byte, error) {
	out := make(map[string]interface{}, len(known)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range known {
		out[k] = v
	}
	return json.Marshal(out)
}

func restOf(members map[string]json.RawMessage) Extras {
	if len(members) == 0 {
		return nil
	}
	return Extras(members)
}

func (i *Identifier) UnmarshalJSON(data []byte) error {
	m, err := DecodeObject(data)
	if err != nil {
		return fmt.Errorf("identifier: %w", err)
	}
	*i = Identifier{}
	if err := TakeMember(m, "system", &i.System); err != nil {
		return err
	}
	if err := TakeMember(m, "value", &i.Value); err != nil {
		return err
	}
	i.Extra = restOf(m)
	return nil
}

func (i Identifier) MarshalJSON() ([]byte, error) {
	known := map[string]interface{}{}
	if i.System != "" {
		known["system"] = i.System
	}
	if i.Value != "" {
		known["value"] = i.Value
	}
	return EncodeObject(known, i.Extra)
}

func (c *ContactPoint) UnmarshalJSON(data []byte) error {
	m, err := DecodeObject(data)
	if err != nil {
		return fmt.Errorf("contact point: %w", err)
	}
	*c = ContactPoint{}
	for key, dst := range map[string]*string{"system": &c.System, "use": &c.Use, "value": &c.Value} {
		if err := TakeMember(m, key, dst); err != nil {
			return err
		}
	}
	if err := TakeMember(m, "rank", &c.Rank); err != nil {
		return err
	}
	c.Extra = restOf(m)
	return nil
}

func (c ContactPoint) MarshalJSON() ([]byte, error) {
	known := map[string]interface{}{}
	if c.System != "" {
		known["system"] = c.System
	}
	if c.Use != "" {
		known["use"] = c.Use
	}
	if c.Value != "" {
		known["value"] = c.Value
	}
	if c.Rank != nil {
		known["rank"] = *c.Rank
	}
	return EncodeObject(known, c.Extra)
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	members, err := DecodeObject(data)
	if err != nil {
		return fmt.Errorf("meta: %w", err)
	}
	*m = Meta{}
	if err := TakeMember(members, "versionId", &m.VersionID); err != nil {
		return err
	}
	if err := TakeMember(members, "lastUpdated", &m.LastUpdated); err != nil {
		return err
	}
	m.Extra = restOf(members)
	return nil
}

func (m Meta) MarshalJSON() ([]byte, error) {
	known := map[string]interface{}{}
	if m.VersionID != "" {
		known["versionId"] = m.VersionID
	}
	if m.LastUpdated != "" {
		known["lastUpdated"] = m.LastUpdated
	}
	return EncodeObject(known, m.Extra)
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "invalid", diagnostics)
}
