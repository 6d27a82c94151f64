package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// CheckpointStore keeps one checkpoint row per lane.
type CheckpointStore struct {
	pool  querier
	table string
}

// NewCheckpointStore wraps a pool (a *pgxpool.Pool or a pgxmock pool).
func NewCheckpointStore(pool querier, table string) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "lane_checkpoints")
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the checkpoint table when missing.
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lane       TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Save overwrites the lane's checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp crawler.Checkpoint) error {
	if cp.Lane == "" {
		return fmt.Errorf("checkpoint lane is required")
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (lane, payload, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (lane) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, cp.Lane, payload, cp.UpdatedAt); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Lane, err)
	}
	return nil
}

// Load returns the lane's checkpoint, or nil when none was saved.
func (s *CheckpointStore) Load(ctx context.Context, lane string) (*crawler.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE lane = $1`, s.table)
	var payload []byte
	err := s.pool.QueryRow(ctx, query, lane).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", lane, err)
	}
	var cp crawler.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", lane, err)
	}
	return &cp, nil
}
