package patient

import (
	"context"
	"errors"
)

var (
	ErrDuplicateKey     = errors.New("duplicate national identifier")
	ErrMalformedRecords = errors.New("malformed record collection")
)

// Store is the record set a reconciliation run mutates.
type Store interface {
	FindByKey(key string) (*Record, bool)
	ListAll() []*Record
	ApplyPhone(r *Record, value string) bool
}

// Source loads the initial record collection.
type Source interface {
	Load(ctx context.Context) ([]*Record, error)
}

// Saver persists a final record collection.
type Saver interface {
	Save(ctx context.Context, records []*Record) error
}
