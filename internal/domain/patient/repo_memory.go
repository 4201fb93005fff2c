package patient

import (
	"fmt"
	"strings"

	"github.com/ehr/phonesync/internal/platform/fhir"
)

// MemoryStore holds the whole record set for the length of one run. It is
// not safe for concurrent use.
type MemoryStore struct {
	records []*Record
	byKey   map[string]*Record
	stamper *Stamper
}

// NewMemoryStore indexes records by the value of their keySystem
// identifier. Two records sharing a key is a structural error. Records
// without a key stay listed but cannot be found.
func NewMemoryStore(records []*Record, keySystem string, stamper *Stamper) (*MemoryStore, error) {
	s := &MemoryStore{
		records: records,
		byKey:   make(map[string]*Record, len(records)),
		stamper: stamper,
	}
	for i, r := range records {
		key, ok := r.Key(keySystem)
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if prev, dup := s.byKey[key]; dup {
			return nil, fmt.Errorf("record %d (id %q) and id %q: %w", i, r.ID, prev.ID, ErrDuplicateKey)
		}
		s.byKey[key] = r
	}
	return s, nil
}

func (s *MemoryStore) FindByKey(key string) (*Record, bool) {
	r, ok := s.byKey[strings.TrimSpace(key)]
	return r, ok
}

// ListAll returns the records in load order.
func (s *MemoryStore) ListAll() []*Record {
	return s.records
}

// Len returns the number of loaded records.
func (s *MemoryStore) Len() int {
	return len(s.records)
}

// ApplyPhone sets the mobile channel of r to value. It reports false and
// leaves r untouched when the channel already holds exactly value. On
// change the channel and the metadata are updated together.
func (s *MemoryStore) ApplyPhone(r *Record, value string) bool {
	idx := r.MobilePhone()
	if idx >= 0 && r.Telecom[idx].Value == value {
		return false
	}

	meta := fhir.Meta{}
	if r.Meta != nil {
		meta = *r.Meta
	}
	meta.VersionID = NextVersionTag(meta.VersionID)
	meta.LastUpdated = s.stamper.Stamp()

	rank := 1
	if idx >= 0 {
		r.Telecom[idx].Value = value
		r.Telecom[idx].Rank = &rank
	} else {
		r.Telecom = append(r.Telecom, fhir.ContactPoint{
			System: SystemPhone,
			Use:    UseMobile,
			Value:  value,
			Rank:   &rank,
		})
	}
	r.Meta = &meta
	return true
}
