// Package memory stores objects in-memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

type object struct {
	data       []byte
	generation int64
}

// ObjectStore implements crawler.ObjectStore with per-path generations.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]object
	nextGen int64
}

// NewObjectStore creates an empty in-memory store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]object)}
}

// Get returns a copy of the object and its generation.
func (s *ObjectStore) Get(_ context.Context, path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", fmt.Errorf("get %s: %w", path, crawler.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), strconv.FormatInt(obj.generation, 10), nil
}

// Put stores a copy of data.
func (s *ObjectStore) Put(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(path, data)
	return nil
}

// PutIf stores data only when the current generation equals version.
func (s *ObjectStore) PutIf(_ context.Context, path string, data []byte, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := ""
	if obj, ok := s.objects[path]; ok {
		current = strconv.FormatInt(obj.generation, 10)
	}
	if current != version {
		return fmt.Errorf("put %s at version %q (current %q): %w", path, version, current, crawler.ErrVersionMismatch)
	}
	s.store(path, data)
	return nil
}

// Paths returns the stored paths, mainly for tests.
func (s *ObjectStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	return out
}

func (s *ObjectStore) store(path string, data []byte) {
	s.nextGen++
	s.objects[path] = object{data: append([]byte(nil), data...), generation: s.nextGen}
}
