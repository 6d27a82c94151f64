// Package storagetest holds the behavioral contract every crawler.ObjectStore must satisfy.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Run exercises get, put and conditional put semantics against a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) crawler.ObjectStore) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		_, _, err := store.Get(context.Background(), "snapshots/missing.json")
		require.ErrorIs(t, err, crawler.ErrNotFound)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "a/b.json", []byte("one")))
		data, v1, err := store.Get(ctx, "a/b.json")
		require.NoError(t, err)
		require.Equal(t, "one", string(data))
		require.NotEmpty(t, v1)

		require.NoError(t, store.Put(ctx, "a/b.json", []byte("two")))
		data, v2, err := store.Get(ctx, "a/b.json")
		require.NoError(t, err)
		require.Equal(t, "two", string(data))
		require.NotEqual(t, v1, v2)
	})

	t.Run("PutIfCreate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.PutIf(ctx, "snap.json", []byte("first"), ""))
		err := store.PutIf(ctx, "snap.json", []byte("second"), "")
		require.ErrorIs(t, err, crawler.ErrVersionMismatch)

		data, _, err := store.Get(ctx, "snap.json")
		require.NoError(t, err)
		require.Equal(t, "first", string(data))
	})

	t.Run("PutIfStaleVersion", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "snap.json", []byte("v1")))
		_, stale, err := store.Get(ctx, "snap.json")
		require.NoError(t, err)

		require.NoError(t, store.PutIf(ctx, "snap.json", []byte("v2"), stale))
		err = store.PutIf(ctx, "snap.json", []byte("v3"), stale)
		require.ErrorIs(t, err, crawler.ErrVersionMismatch)

		data, current, err := store.Get(ctx, "snap.json")
		require.NoError(t, err)
		require.Equal(t, "v2", string(data))
		require.NoError(t, store.PutIf(ctx, "snap.json", []byte("v3"), current))
	})

	t.Run("PutIfMissingWithVersion", func(t *testing.T) {
		store := newStore(t)
		err := store.PutIf(context.Background(), "nothing.json", []byte("x"), "12345")
		require.ErrorIs(t, err, crawler.ErrVersionMismatch)
	})

	t.Run("ConcurrentPutIfSingleWinner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "race.json", []byte("base")))
		_, base, err := store.Get(ctx, "race.json")
		require.NoError(t, err)

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.PutIf(ctx, "race.json", []byte(fmt.Sprintf("writer-%d", i)), base)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				if !errors.Is(err, crawler.ErrVersionMismatch) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins, "exactly one conditional write may win")
	})
}
