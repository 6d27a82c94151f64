// Package checkpoint persists per-lane resume points through an object store.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Store implements crawler.CheckpointStore as one JSON object per lane.
type Store struct {
	objects crawler.ObjectStore
	prefix  string
}

// NewStore builds a Store writing under prefix.
func NewStore(objects crawler.ObjectStore, prefix string) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if prefix == "" {
		prefix = "checkpoints"
	}
	return &Store{objects: objects, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

// Path returns the object path of a lane's checkpoint.
func (s *Store) Path(lane string) string {
	return path.Join(s.prefix, lane+".json")
}

// Save overwrites the lane's checkpoint.
func (s *Store) Save(ctx context.Context, cp crawler.Checkpoint) error {
	if cp.Lane == "" || strings.ContainsAny(cp.Lane, `/\`) {
		return fmt.Errorf("invalid checkpoint lane %q", cp.Lane)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.Lane, err)
	}
	if err := s.objects.Put(ctx, s.Path(cp.Lane), data); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Lane, err)
	}
	return nil
}

// Load returns the lane's checkpoint, or nil when none was saved.
func (s *Store) Load(ctx context.Context, lane string) (*crawler.Checkpoint, error) {
	data, _, err := s.objects.Get(ctx, s.Path(lane))
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", lane, err)
	}
	var cp crawler.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", lane, err)
	}
	return &cp, nil
}
