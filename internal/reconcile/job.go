package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phonesync/internal/domain/changelog"
	"github.com/ehr/phonesync/internal/domain/patient"
	"github.com/ehr/phonesync/internal/domain/phone"
	"github.com/ehr/phonesync/internal/report"
)

// Job wires the sources, the store and the reporter for one run.
type Job struct {
	RunID      string
	Rows       changelog.Source
	Records    patient.Source
	KeySystem  string
	Stamper    *patient.Stamper
	Normalizer phone.Normalizer
	Format     phone.Format
	Sink       report.Sink
	Logger     zerolog.Logger
}

// Result summarizes a finished run.
type Result struct {
	RunID      string             `json:"run_id"`
	Stats      report.Stats       `json:"stats"`
	Rejections []report.Rejection `json:"rejected"`
	Records    []*patient.Record  `json:"-"`
}

// Execute loads both inputs, orders the rows, runs the loop and writes the
// outputs. Load failures abort before anything is written.
func (j *Job) Execute(ctx context.Context) (*Result, error) {
	runID := j.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := j.Logger.With().Str("run_id", runID).Logger()

	rows, err := j.Rows.Rows(ctx)
	if err != nil {
		return nil, fmt.Errorf("load change log: %w", err)
	}
	records, err := j.Records.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	keySystem := j.KeySystem
	if keySystem == "" {
		keySystem = patient.DefaultKeySystem
	}
	stamper := j.Stamper
	if stamper == nil {
		stamper = patient.NewStamper(time.Local)
	}
	store, err := patient.NewMemoryStore(records, keySystem, stamper)
	if err != nil {
		return nil, fmt.Errorf("index records: %w", err)
	}

	normalizer := j.Normalizer
	if normalizer == nil {
		normalizer = phone.Standard{}
	}
	format := j.Format
	if format == "" {
		format = phone.International
	}

	canonical := func(raw string) (string, bool) {
		res := normalizer.Normalize(raw, format)
		return res.Value, res.Valid
	}
	for _, c := range changelog.Conflicts(rows, canonical) {
		lines := make([]int, len(c.Rows))
		for i, r := range c.Rows {
			lines[i] = r.Line
		}
		logger.Warn().
			Str("nik", c.Identifier).
			Ints("lines", lines).
			Msg("different phone numbers on the same date, input order decides")
	}

	logger.Info().Int("rows", len(rows)).Int("records", store.Len()).Msg("reconciliation started")

	rep := report.New(j.Sink, logger)
	loop := &Loop{
		Normalizer: normalizer,
		Format:     format,
		Store:      store,
		Reporter:   rep,
		Logger:     logger,
	}
	if err := loop.Run(ctx, changelog.Order(rows)); err != nil {
		return nil, err
	}

	return &Result{
		RunID:      runID,
		Stats:      rep.BuildStats(),
		Rejections: rep.Rejections(),
		Records:    store.ListAll(),
	}, nil
}
