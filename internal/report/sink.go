package report

import (
	"context"
	"sync"

	"github.com/ehr/phonesync/internal/domain/patient"
)

// Sink receives the artifacts of a run.
type Sink interface {
	WriteRecords(ctx context.Context, records []*patient.Record) error
	WriteStats(ctx context.Context, stats Stats) error
	WriteRejected(ctx context.Context, rejected []Rejection) error
}

// MemorySink keeps the artifacts of one run in memory.
type MemorySink struct {
	mu       sync.Mutex
	Records  []*patient.Record
	Stats    *Stats
	Rejected []Rejection
}

func (m *MemorySink) WriteRecords(_ context.Context, records []*patient.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = records
	return nil
}

func (m *MemorySink) WriteStats(_ context.Context, stats Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stats = &stats
	return nil
}

func (m *MemorySink) WriteRejected(_ context.Context, rejected []Rejection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejected = rejected
	return nil
}

type tee []Sink

// Tee writes every artifact to each sink in turn and stops at the first
// error.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

func (t tee) WriteRecords(ctx context.Context, records []*patient.Record) error {
	for _, s := range t {
		if err := s.WriteRecords(ctx, records); err != nil {
			return err
		}
	}
	return nil
}

func (t tee) WriteStats(ctx context.Context, stats Stats) error {
	for _, s := range t {
		if err := s.WriteStats(ctx, stats); err != nil {
			return err
		}
	}
	return nil
}

func (t tee) WriteRejected(ctx context.Context, rejected []Rejection) error {
	for _, s := range t {
		if err := s.WriteRejected(ctx, rejected); err != nil {
			return err
		}
	}
	return nil
}

type recordPersister struct {
	saver patient.Saver
}

// PersistRecords returns a sink that saves the final records through saver
// and ignores stats and rejections.
func PersistRecords(saver patient.Saver) Sink {
	return recordPersister{saver: saver}
}

func (p recordPersister) WriteRecords(ctx context.Context, records []*patient.Record) error {
	return p.saver.Save(ctx, records)
}

func (recordPersister) WriteStats(context.Context, Stats) error           { return nil }
func (recordPersister) WriteRejected(context.Context, []Rejection) error { return nil }
