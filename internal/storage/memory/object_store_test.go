package memory

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/storage/storagetest"
)

func TestObjectStoreContract(t *testing.T) {
	storagetest.Run(t, func(_ *testing.T) crawler.ObjectStore {
		return NewObjectStore()
	})
}

func TestObjectStoreCopiesData(t *testing.T) {
	t.Parallel()

	store := NewObjectStore()
	ctx := context.Background()
	data := []byte("abc")
	require.NoError(t, store.Put(ctx, "x", data))
	data[0] = 'z'

	got, _, err := store.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))

	got[0] = 'q'
	again, _, err := store.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, "abc", string(again))

	require.NoError(t, store.Put(ctx, "y", nil))
	paths := store.Paths()
	sort.Strings(paths)
	require.Equal(t, []string{"x", "y"}, paths)
}
