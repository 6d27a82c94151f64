package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/clock"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
)

const defaultMaxAttempts = 5

// Config locates the canonical snapshot.
type Config struct {
	// Path is the object path of the canonical snapshot.
	Path string
	// MirrorPaths receive a copy of every published snapshot.
	MirrorPaths []string
	// MaxAttempts bounds reload-and-retry after a version mismatch.
	MaxAttempts int
}

// Store owns read-modify-write access to the canonical snapshot.
type Store struct {
	objects crawler.ObjectStore
	cfg     Config
	clock   crawler.Clock
	logger  *zap.Logger
	latest  atomic.Pointer[crawler.Snapshot]
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for LastUpdate.
func WithClock(c crawler.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore builds a Store over objects.
func NewStore(objects crawler.ObjectStore, cfg Config, opts ...Option) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.Path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	s := &Store{objects: objects, cfg: cfg, clock: clock.System{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Path returns the canonical snapshot path.
func (s *Store) Path() string {
	return s.cfg.Path
}

// Load reads the canonical snapshot. A missing object is an empty snapshot
// with an empty version.
func (s *Store) Load(ctx context.Context) (crawler.Snapshot, error) {
	data, version, err := s.objects.Get(ctx, s.cfg.Path)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.Snapshot{PeriodCounts: map[int]int{}}, nil
	}
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	snap, err := Decode(data)
	if err != nil {
		return crawler.Snapshot{}, err
	}
	snap.Version = version
	return snap, nil
}

// Merge applies batch to the canonical snapshot and publishes it with a
// version precondition, reloading and retrying on concurrent modification.
func (s *Store) Merge(ctx context.Context, batch []crawler.Record) (crawler.MergeResult, error) {
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return crawler.MergeResult{}, fmt.Errorf("merge: %w", err)
		}
		current, err := s.Load(ctx)
		if err != nil {
			return crawler.MergeResult{}, err
		}
		next, result, changed := apply(current, batch, s.clock.Now())
		if !changed {
			s.latest.Store(&next)
			metrics.ObserveMerge(result.Added, result.Updated, result.Skipped)
			return result, nil
		}
		data, err := Encode(next)
		if err != nil {
			return crawler.MergeResult{}, err
		}
		err = s.objects.PutIf(ctx, s.cfg.Path, data, current.Version)
		if errors.Is(err, crawler.ErrVersionMismatch) {
			metrics.ObserveMergeConflict()
			s.logger.Info("snapshot changed underneath merge, retrying",
				zap.String("path", s.cfg.Path),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return crawler.MergeResult{}, fmt.Errorf("publish snapshot: %w", err)
		}
		next.Version = ""
		s.latest.Store(&next)
		s.mirror(ctx, data)
		metrics.ObserveMerge(result.Added, result.Updated, result.Skipped)
		s.logger.Info("snapshot merged",
			zap.Int("added", result.Added),
			zap.Int("updated", result.Updated),
			zap.Int("skipped", result.Skipped),
			zap.Int("total", next.TotalCount),
		)
		return result, nil
	}
	return crawler.MergeResult{}, fmt.Errorf("merge %s after %d attempts: %w", s.cfg.Path, s.cfg.MaxAttempts, crawler.ErrMergeConflict)
}

// Latest returns the snapshot last published by this process, or nil.
func (s *Store) Latest() *crawler.Snapshot {
	return s.latest.Load()
}

func (s *Store) mirror(ctx context.Context, data []byte) {
	for _, p := range s.cfg.MirrorPaths {
		if p == "" || p == s.cfg.Path {
			continue
		}
		if err := s.objects.Put(ctx, p, data); err != nil {
			s.logger.Warn("mirror snapshot failed", zap.String("path", p), zap.Error(err))
		}
	}
}

// Encode serializes a snapshot in the published layout.
func Encode(snap crawler.Snapshot) ([]byte, error) {
	if snap.PeriodCounts == nil {
		snap.PeriodCounts = map[int]int{}
	}
	if snap.Records == nil {
		snap.Records = []crawler.Record{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// ErrUnrecognizedSnapshot marks a snapshot document in neither the published
// nor the legacy permit layout. Such a document is never overwritten.
var ErrUnrecognizedSnapshot = errors.New("unrecognized snapshot layout")

// Decode parses a published snapshot. Documents in the legacy permit layout
// are converted; anything else that is not empty fails with ErrUnrecognizedSnapshot.
func Decode(data []byte) (crawler.Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if len(fields) == 0 {
		return crawler.Snapshot{PeriodCounts: map[int]int{}}, nil
	}
	if _, ok := fields["records"]; !ok {
		if _, legacy := fields["permits"]; legacy {
			return decodeLegacy(data)
		}
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot: no records field: %w", ErrUnrecognizedSnapshot)
	}

	var snap crawler.Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot: %v: %w", err, ErrUnrecognizedSnapshot)
	}
	if snap.PeriodCounts == nil {
		snap.PeriodCounts = map[int]int{}
	}
	return snap, nil
}
