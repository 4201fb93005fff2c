// Package reconcile replays a change-log against a record store.
package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/phonesync/internal/domain/changelog"
	"github.com/ehr/phonesync/internal/domain/patient"
	"github.com/ehr/phonesync/internal/domain/phone"
	"github.com/ehr/phonesync/internal/report"
)

// Reporter receives the outcome of every row and writes the run artifacts.
type Reporter interface {
	IncTotal()
	IncUpdated()
	IncUnchanged()
	RecordInvalid(row changelog.Row, reason string)
	WriteOutputs(ctx context.Context, records []*patient.Record) error
}

// Loop is one single-pass reconciliation. It holds no state of its own
// between runs.
type Loop struct {
	Normalizer phone.Normalizer
	Format     phone.Format
	Store      patient.Store
	Reporter   Reporter
	Logger     zerolog.Logger
}

// Run applies rows in the order given; callers sort them with
// changelog.Order first. Per-row problems are reported, never returned.
// Once every row is processed the reporter writes its outputs, and that
// error is the only one Run returns.
func (l *Loop) Run(ctx context.Context, rows []changelog.Row) error {
	for _, row := range rows {
		l.apply(row)
	}
	return l.Reporter.WriteOutputs(ctx, l.Store.ListAll())
}

func (l *Loop) apply(row changelog.Row) {
	l.Reporter.IncTotal()
	log := l.Logger.With().Int("line", row.Line).Str("nik", row.Identifier).Logger()

	res := l.Normalizer.Normalize(row.RawPhone, l.Format)
	if !res.Valid {
		l.Reporter.RecordInvalid(row, string(res.Reason))
		log.Debug().Str("raw_phone", row.RawPhone).Str("reason", string(res.Reason)).Msg("phone rejected")
		return
	}

	rec, ok := l.Store.FindByKey(row.Identifier)
	if !ok {
		l.Reporter.RecordInvalid(row, report.ReasonPatientNotFound)
		log.Debug().Msg("patient not found")
		return
	}

	if l.Store.ApplyPhone(rec, res.Value) {
		l.Reporter.IncUpdated()
		log.Debug().Str("record", rec.ID).Str("phone", res.Value).Msg("phone updated")
		return
	}
	l.Reporter.IncUnchanged()
	log.Debug().Str("record", rec.ID).Msg("phone unchanged")
}
