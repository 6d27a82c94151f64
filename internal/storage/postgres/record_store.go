package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// RecordStore keeps one row per index key and merges with a conditional
// upsert, so concurrent lanes never overwrite each other's keys.
type RecordStore struct {
	pool  querier
	table string
	clock crawler.Clock
}

// NewRecordStore wraps a pool (a *pgxpool.Pool or a pgxmock pool).
func NewRecordStore(pool querier, table string, clock crawler.Clock) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "permits")
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	index_key    TEXT PRIMARY KEY,
	period       INTEGER NOT NULL,
	category     INTEGER NOT NULL,
	sequence     INTEGER NOT NULL,
	revision     INTEGER NOT NULL,
	attributes   JSONB NOT NULL,
	completeness INTEGER NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Merge upserts every valid record. A stored row is replaced only when the
// incoming record is not less complete, and on equal completeness not older.
func (s *RecordStore) Merge(ctx context.Context, batch []crawler.Record) (crawler.MergeResult, error) {
	var result crawler.MergeResult
	query := fmt.Sprintf(`
WITH prev AS (SELECT attributes FROM %[1]s WHERE index_key = $1)
INSERT INTO %[1]s AS t (index_key, period, category, sequence, revision, attributes, completeness, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (index_key) DO UPDATE SET
	attributes = EXCLUDED.attributes,
	completeness = EXCLUDED.completeness,
	fetched_at = EXCLUDED.fetched_at
WHERE EXCLUDED.completeness > t.completeness
	OR (EXCLUDED.completeness = t.completeness AND EXCLUDED.fetched_at >= t.fetched_at)
RETURNING (SELECT attributes FROM prev) IS NULL, COALESCE((SELECT attributes FROM prev), '{}'::jsonb)`, s.table)

	for _, rec := range batch {
		if !rec.Valid() {
			result.Skipped++
			continue
		}
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return result, fmt.Errorf("marshal attributes for %s: %w", rec.IndexKey, err)
		}
		var (
			inserted bool
			previous []byte
		)
		err = s.pool.QueryRow(ctx, query,
			rec.Key.String(),
			rec.Key.Period,
			rec.Key.Category,
			rec.Key.Sequence,
			rec.Key.Revision,
			attrs,
			rec.Completeness,
			rec.FetchedAt,
		).Scan(&inserted, &previous)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			result.Skipped++
		case err != nil:
			return result, fmt.Errorf("upsert %s: %w", rec.IndexKey, err)
		case inserted:
			result.Added++
		default:
			var old map[string]string
			if err := json.Unmarshal(previous, &old); err != nil {
				return result, fmt.Errorf("decode previous attributes for %s: %w", rec.IndexKey, err)
			}
			if maps.Equal(old, rec.Attributes) {
				result.Skipped++
			} else {
				result.Updated++
			}
		}
	}
	return result, nil
}

// Snapshot materializes every row into the canonical snapshot layout.
func (s *RecordStore) Snapshot(ctx context.Context) (crawler.Snapshot, error) {
	query := fmt.Sprintf(`
SELECT period, category, sequence, revision, attributes, completeness, fetched_at
FROM %s
ORDER BY period DESC, sequence DESC, category DESC, revision DESC`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	snap := crawler.Snapshot{PeriodCounts: map[int]int{}}
	for rows.Next() {
		var (
			rec   crawler.Record
			attrs []byte
		)
		if err := rows.Scan(&rec.Key.Period, &rec.Key.Category, &rec.Key.Sequence, &rec.Key.Revision,
			&attrs, &rec.Completeness, &rec.FetchedAt); err != nil {
			return crawler.Snapshot{}, fmt.Errorf("scan %s: %w", s.table, err)
		}
		if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
			return crawler.Snapshot{}, fmt.Errorf("decode attributes: %w", err)
		}
		rec.IndexKey = rec.Key.String()
		rec.FetchedAt = rec.FetchedAt.UTC()
		snap.Records = append(snap.Records, rec)
		snap.PeriodCounts[rec.Key.Period]++
	}
	if err := rows.Err(); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("iterate %s: %w", s.table, err)
	}
	snap.TotalCount = len(snap.Records)
	snap.LastUpdate = s.now()
	crawler.SortRecords(snap.Records)
	return snap, nil
}

func (s *RecordStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
