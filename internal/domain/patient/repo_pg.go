package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PGRepository keeps records as jsonb documents in the patient_record
// table. It is both a Source and a Saver.
type PGRepository struct {
	pool      *pgxpool.Pool
	keySystem string
}

func NewPGRepository(pool *pgxpool.Pool, keySystem string) *PGRepository {
	return &PGRepository{pool: pool, keySystem: keySystem}
}

// Load returns every record in insertion order.
func (r *PGRepository) Load(ctx context.Context) ([]*Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, resource FROM patient_record ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query patient records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan patient record: %w", err)
		}
		rec, err := DecodeRecord(json.RawMessage(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: row %s: %v", ErrMalformedRecords, id, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patient records: %w", err)
	}
	return records, nil
}

// Save upserts all records in one transaction. Records without an id are
// assigned a new UUID first.
func (r *PGRepository) Save(ctx context.Context, records []*Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		key := nationalID(rec, r.keySystem)
		var version *string
		if rec.Meta != nil && rec.Meta.VersionID != "" {
			version = &rec.Meta.VersionID
		}
		batch.Queue(`
			INSERT INTO patient_record (id, national_id, version_id, resource)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				national_id = EXCLUDED.national_id,
				version_id  = EXCLUDED.version_id,
				resource    = EXCLUDED.resource,
				updated_at  = NOW()`,
			rec.ID, key, version, raw,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("save record %s: %w", records[i].ID, ErrDuplicateKey)
			}
			return fmt.Errorf("save record %s: %w", records[i].ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	return tx.Commit(ctx)
}

// nationalID returns the trimmed lookup key stored in the national_id
// column, or nil when rec has none. It matches the key MemoryStore indexes.
func nationalID(rec *Record, system string) *string {
	k, ok := rec.Key(system)
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return nil
	}
	return &k
}
