// Package report accumulates the outcome of a reconciliation run and writes
// its artifacts.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/phonesync/internal/domain/changelog"
	"github.com/ehr/phonesync/internal/domain/patient"
)

// ReasonPatientNotFound is the rejection reason for rows whose identifier
// matches no record. It never collides with a phone.Reason.
const ReasonPatientNotFound = "patient_not_found"

// ErrOutputsWritten is returned by a second WriteOutputs call.
var ErrOutputsWritten = errors.New("outputs already written")

// Stats is the counter snapshot of one run.
type Stats struct {
	TotalRows      int `json:"total_rows"`
	Updated        int `json:"updated"`
	Unchanged      int `json:"unchanged"`
	InvalidFormat  int `json:"invalid_format"`
	MissingPatient int `json:"missing_patient"`
}

// Balanced reports whether every row landed in exactly one outcome.
func (s Stats) Balanced() bool {
	return s.TotalRows == s.Updated+s.Unchanged+s.InvalidFormat+s.MissingPatient
}

// Rejection is one audited row that was not applied.
type Rejection struct {
	Identifier string `json:"nik"`
	RawPhone   string `json:"raw_phone"`
	Reason     string `json:"reason"`
}

// Reporter owns the counters and the audit list of a run. It is not safe
// for concurrent use.
type Reporter struct {
	sink       Sink
	logger     zerolog.Logger
	stats      Stats
	rejections []Rejection
	written    bool
}

func New(sink Sink, logger zerolog.Logger) *Reporter {
	return &Reporter{sink: sink, logger: logger}
}

func (r *Reporter) IncTotal()     { r.stats.TotalRows++ }
func (r *Reporter) IncUpdated()   { r.stats.Updated++ }
func (r *Reporter) IncUnchanged() { r.stats.Unchanged++ }

// RecordInvalid audits row and counts it as a missing patient when reason
// is ReasonPatientNotFound, and as an invalid format otherwise.
func (r *Reporter) RecordInvalid(row changelog.Row, reason string) {
	if reason == ReasonPatientNotFound {
		r.stats.MissingPatient++
	} else {
		r.stats.InvalidFormat++
	}
	r.rejections = append(r.rejections, Rejection{
		Identifier: row.Identifier,
		RawPhone:   row.RawPhone,
		Reason:     reason,
	})
}

func (r *Reporter) BuildStats() Stats {
	return r.stats
}

// Rejections returns a copy of the audit list in recording order.
func (r *Reporter) Rejections() []Rejection {
	out := make([]Rejection, len(r.rejections))
	copy(out, r.rejections)
	return out
}

// WriteOutputs hands the final records, the stats and, when there is at
// least one, the rejection list to the sink. It may be called once.
func (r *Reporter) WriteOutputs(ctx context.Context, records []*patient.Record) error {
	if r.written {
		return ErrOutputsWritten
	}
	r.written = true

	stats := r.BuildStats()
	if !stats.Balanced() {
		r.logger.Error().Interface("stats", stats).Msg("row outcomes do not add up to total")
	}

	if err := r.sink.WriteRecords(ctx, records); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if err := r.sink.WriteStats(ctx, stats); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if len(r.rejections) > 0 {
		if err := r.sink.WriteRejected(ctx, r.Rejections()); err != nil {
			return fmt.Errorf("write rejected rows: %w", err)
		}
	}

	r.logger.Info().
		Int("total_rows", stats.TotalRows).
		Int("updated", stats.Updated).
		Int("unchanged", stats.Unchanged).
		Int("invalid_format", stats.InvalidFormat).
		Int("missing_patient", stats.MissingPatient).
		Int("records", len(records)).
		Msg("reconciliation outputs written")
	return nil
}
