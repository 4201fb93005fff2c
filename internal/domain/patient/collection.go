package patient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ehr/phonesync/internal/platform/fhir"
)

// DecodeCollection parses either a FHIR Bundle (records in entry[].resource)
// or a plain JSON array of records.
func DecodeCollection(data []byte) ([]*Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedRecords)
	}

	var raws []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecords, err)
		}
	case '{':
		var b fhir.Bundle
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecords, err)
		}
		if b.ResourceType != "Bundle" && b.Entry == nil {
			return nil, fmt.Errorf("%w: object is not a Bundle", ErrMalformedRecords)
		}
		raws = b.Resources()
	default:
		return nil, fmt.Errorf("%w: expected a Bundle or an array", ErrMalformedRecords)
	}

	return decodeAll(raws)
}

// DecodeNDJSON parses one record per line, the bulk-export layout written
// by the ndjson output format.
func DecodeNDJSON(r io.Reader) ([]*Record, error) {
	raws, err := fhir.ReadNDJSON(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecords, err)
	}
	return decodeAll(raws)
}

func decodeAll(raws []json.RawMessage) ([]*Record, error) {
	records := make([]*Record, 0, len(raws))
	for i, raw := range raws {
		r, err := DecodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedRecords, i, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// EncodeBundle renders records as an indented collection Bundle. A nil
// timestamp is omitted so that output stays reproducible.
func EncodeBundle(id string, records []*Record, timestamp *time.Time) ([]byte, error) {
	resources := make([]interface{}, len(records))
	for i, r := range records {
		resources[i] = r
	}
	b, err := fhir.NewCollectionBundle(id, resources, timestamp)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(b, "", "  ")
}

// FileSource reads a record collection from a JSON file, or from an NDJSON
// file when the path ends in .ndjson.
type FileSource struct {
	Path string
}

func (s FileSource) Load(_ context.Context) ([]*Record, error) {
	if strings.EqualFold(filepath.Ext(s.Path), ".ndjson") {
		f, err := os.Open(s.Path)
		if err != nil {
			return nil, fmt.Errorf("read records %s: %w", s.Path, err)
		}
		defer f.Close()
		records, err := DecodeNDJSON(f)
		if err != nil {
			return nil, fmt.Errorf("records %s: %w", s.Path, err)
		}
		return records, nil
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read records %s: %w", s.Path, err)
	}
	records, err := DecodeCollection(data)
	if err != nil {
		return nil, fmt.Errorf("records %s: %w", s.Path, err)
	}
	return records, nil
}

// SliceSource serves records already in memory.
type SliceSource []*Record

func (s SliceSource) Load(_ context.Context) ([]*Record, error) {
	return s, nil
}
