package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry wraps exactly one resource.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewCollectionBundle creates a collection Bundle holding one entry per
// resource. Resources are marshalled in the given order; fullUrl is derived
// from resourceType and id when both are present.
func NewCollectionBundle(id string, resources []interface{}, timestamp *time.Time) (*Bundle, error) {
	entries := make([]BundleEntry, 0, len(resources))
	for i, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		entries = append(entries, BundleEntry{
			FullURL:  extractFullURL(raw),
			Resource: raw,
		})
	}

	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         "collection",
		Total:        &total,
		Timestamp:    timestamp,
		Entry:        entries,
	}, nil
}

// Resources returns the raw resource of every entry, skipping entries that
// carry none.
func (b *Bundle) Resources() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		out = append(out, e.Resource)
	}
	return out
}

// extractFullURL builds "<resourceType>/<id>" from a marshalled resource.
func extractFullURL(raw json.RawMessage) string {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if head.ResourceType != "" && head.ID != "" {
		return FormatReference(head.ResourceType, head.ID)
	}
	return ""
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
