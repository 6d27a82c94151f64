// Package badger implements an embedded, transactional ObjectStore on BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Config controls where the database lives.
type Config struct {
	Dir      string
	InMemory bool
}

// ObjectStore keeps objects as badger keys. The commit timestamp of the last
// write is the version; badger's conflict detection rejects racing
// conditional writes.
type ObjectStore struct {
	db     *badger.DB
	prefix string
	owned  bool
}

// Open opens (or creates) a badger database and wraps it.
func Open(cfg Config) (*ObjectStore, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(cfg.Dir) != "":
		opts = badger.DefaultOptions(cfg.Dir)
	default:
		return nil, errors.New("badger dir is required")
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &ObjectStore{db: db, prefix: "objects:", owned: true}, nil
}

// New wraps an existing database; Close leaves it open.
func New(db *badger.DB) (*ObjectStore, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &ObjectStore{db: db, prefix: "objects:"}, nil
}

// Close closes the database when the store opened it.
func (s *ObjectStore) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// Get returns the object and its commit version.
func (s *ObjectStore) Get(_ context.Context, path string) ([]byte, string, error) {
	var (
		data    []byte
		version string
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(path))
		if err != nil {
			return err
		}
		version = strconv.FormatUint(item.Version(), 10)
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, "", fmt.Errorf("get %s: %w", path, crawler.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", path, err)
	}
	return data, version, nil
}

// Put overwrites the object.
func (s *ObjectStore) Put(_ context.Context, path string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(path), data)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

// PutIf overwrites the object inside a transaction that first checks its version.
func (s *ObjectStore) PutIf(_ context.Context, path string, data []byte, version string) error {
	key := s.key(path)
	err := s.db.Update(func(txn *badger.Txn) error {
		current := ""
		item, err := txn.Get(key)
		switch {
		case err == nil:
			current = strconv.FormatUint(item.Version(), 10)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if current != version {
			return crawler.ErrVersionMismatch
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = crawler.ErrVersionMismatch
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (s *ObjectStore) key(path string) []byte {
	return []byte(s.prefix + path)
}
