package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/checkpoint"
	"github.com/JakeFAU/permit-crawler/internal/clock"
	"github.com/JakeFAU/permit-crawler/internal/config"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/merge"
	pubsubpublisher "github.com/JakeFAU/permit-crawler/internal/publisher/pubsub"
	badgerstore "github.com/JakeFAU/permit-crawler/internal/storage/badger"
	"github.com/JakeFAU/permit-crawler/internal/storage/gcs"
	"github.com/JakeFAU/permit-crawler/internal/storage/local"
	"github.com/JakeFAU/permit-crawler/internal/storage/memory"
	"github.com/JakeFAU/permit-crawler/internal/storage/postgres"
)

// services holds the persistence and notification backends of one command.
type services struct {
	cfg    config.Config
	logger *zap.Logger

	objects     crawler.ObjectStore
	checkpoints crawler.CheckpointStore
	merger      crawler.Merger
	// snapshots is set for the snapshot record backend.
	snapshots *merge.Store
	// records is set for the postgres record backend.
	records   *postgres.RecordStore
	publisher crawler.Publisher

	closers []func()
}

func buildServices(ctx context.Context, cfg config.Config, logger *zap.Logger) (*services, error) {
	s := &services{cfg: cfg, logger: logger}
	if err := s.openObjects(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openRecords(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openPublisher(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *services) openObjects(ctx context.Context) error {
	switch s.cfg.Store.Backend {
	case config.BackendMemory:
		s.objects = memory.NewObjectStore()
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: s.cfg.Store.BaseDir})
		if err != nil {
			return fmt.Errorf("local store: %w", err)
		}
		s.objects = store
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: s.cfg.Store.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs store: %w", err)
		}
		s.objects = store
	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Config{Dir: s.cfg.Store.BadgerDir})
		if err != nil {
			return fmt.Errorf("badger store: %w", err)
		}
		s.closers = append(s.closers, func() {
			if err := store.Close(); err != nil {
				s.logger.Warn("close badger store", zap.Error(err))
			}
		})
		s.objects = store
	default:
		return fmt.Errorf("unknown store backend %q", s.cfg.Store.Backend)
	}
	return nil
}

func (s *services) openRecords(ctx context.Context) error {
	if s.cfg.Store.Records == config.RecordsPostgres {
		connectCtx, cancel := context.WithTimeout(ctx, s.cfg.Store.ConnectTimeout)
		defer cancel()
		pool, err := postgres.NewPool(connectCtx, postgres.PoolConfig{
			DSN:      s.cfg.Store.PostgresDSN,
			MaxConns: s.cfg.Store.PostgresMaxConns,
		})
		if err != nil {
			return err
		}
		records, err := postgres.NewRecordStore(pool, s.cfg.Store.RecordsTable, clock.System{})
		if err != nil {
			pool.Close()
			return err
		}
		s.closers = append(s.closers, records.Close)
		if err := records.EnsureSchema(connectCtx); err != nil {
			return err
		}
		checkpoints, err := postgres.NewCheckpointStore(pool, s.cfg.Store.CheckpointsTable)
		if err != nil {
			return err
		}
		if err := checkpoints.EnsureSchema(connectCtx); err != nil {
			return err
		}
		s.records, s.merger, s.checkpoints = records, records, checkpoints
		return nil
	}

	store, err := merge.NewStore(s.objects, merge.Config{
		Path:        s.cfg.Store.SnapshotPath,
		MirrorPaths: s.cfg.Store.MirrorPaths,
		MaxAttempts: s.cfg.Store.MergeMaxAttempts,
	}, merge.WithLogger(s.logger.Named("merge")))
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.NewStore(s.objects, s.cfg.Store.CheckpointPrefix)
	if err != nil {
		return err
	}
	s.snapshots, s.merger, s.checkpoints = store, store, checkpoints
	return nil
}

func (s *services) openPublisher(ctx context.Context) error {
	if s.cfg.PubSub.ProjectID == "" || s.cfg.PubSub.Topic == "" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, s.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	s.closers = append(s.closers, func() {
		pub.Close()
		_ = client.Close()
	})
	s.publisher = pub
	return nil
}

// snapshot returns the current canonical dataset from whichever backend holds it.
func (s *services) snapshot(ctx context.Context) (crawler.Snapshot, error) {
	if s.records != nil {
		return s.records.Snapshot(ctx)
	}
	return s.snapshots.Load(ctx)
}

// exportSnapshot writes the postgres dataset to the snapshot path and its
// mirrors so readers of the published file see the same records.
func (s *services) exportSnapshot(ctx context.Context) error {
	if s.records == nil {
		return nil
	}
	snap, err := s.records.Snapshot(ctx)
	if err != nil {
		return err
	}
	data, err := merge.Encode(snap)
	if err != nil {
		return err
	}
	for _, path := range append([]string{s.cfg.Store.SnapshotPath}, s.cfg.Store.MirrorPaths...) {
		if err := s.objects.Put(ctx, path, data); err != nil {
			return fmt.Errorf("export snapshot to %s: %w", path, err)
		}
	}
	return nil
}

// backup copies the snapshot aside. A missing snapshot is not an error.
func (s *services) backup(ctx context.Context) (string, error) {
	path, err := merge.Backup(ctx, s.objects, s.cfg.Store.SnapshotPath, s.cfg.Store.BackupPrefix, time.Now())
	if errors.Is(err, crawler.ErrNotFound) {
		return "", nil
	}
	return path, err
}

// ready reports whether the record backend answers.
func (s *services) ready(ctx context.Context) error {
	if s.records != nil {
		_, err := s.records.Snapshot(ctx)
		return err
	}
	_, _, err := s.objects.Get(ctx, s.cfg.Store.SnapshotPath)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil
	}
	return err
}

// Close releases backends in reverse order of opening.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
