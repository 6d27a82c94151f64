// Package local_test tests the local filesystem object store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/storage/local"
	"github.com/JakeFAU/permit-crawler/internal/storage/storagetest"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestObjectStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) crawler.ObjectStore {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		return store
	})
}

func TestPutWritesFileAtomically(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/b/c/permits.json", []byte(`{"totalCount":0}`)))

	// #nosec G304 -- test reads from the controlled temp directory.
	readData, err := os.ReadFile(filepath.Join(tempDir, "a/b/c/permits.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"totalCount":0}`, string(readData))

	entries, err := os.ReadDir(filepath.Join(tempDir, "a/b/c"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestRejectsTraversalAndEmptyPath(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, store.Put(ctx, "../escape.json", []byte("x")))
	assert.Error(t, store.Put(ctx, "", []byte("x")))
	_, _, err = store.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)
}
