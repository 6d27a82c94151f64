package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/storage/memory"
)

func TestBackupCopiesSnapshot(t *testing.T) {
	t.Parallel()

	objects := memory.NewObjectStore()
	ctx := context.Background()
	require.NoError(t, objects.Put(ctx, snapshotPath, []byte(`{"totalCount":1}`)))

	now := time.Date(2025, 7, 4, 13, 5, 9, 0, time.UTC)
	dst, err := Backup(ctx, objects, snapshotPath, "backups", now)
	require.NoError(t, err)
	assert.Equal(t, "backups/permits_backup_20250704_130509.json", dst)

	data, _, err := objects.Get(ctx, dst)
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalCount":1}`, string(data))
}

func TestBackupMissingSnapshot(t *testing.T) {
	t.Parallel()

	_, err := Backup(context.Background(), memory.NewObjectStore(), snapshotPath, "backups", time.Now())
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
