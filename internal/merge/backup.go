package merge

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

const backupLayout = "20060102_150405"

// BackupPath names the backup object taken at now.
func BackupPath(prefix string, now time.Time) string {
	return path.Join(prefix, "permits_backup_"+now.UTC().Format(backupLayout)+".json")
}

// Backup copies the snapshot at snapshotPath under prefix and returns the
// backup path. It wraps crawler.ErrNotFound when there is nothing to copy.
func Backup(ctx context.Context, objects crawler.ObjectStore, snapshotPath, prefix string, now time.Time) (string, error) {
	data, _, err := objects.Get(ctx, snapshotPath)
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", snapshotPath, err)
	}
	dst := BackupPath(prefix, now)
	if err := objects.Put(ctx, dst, data); err != nil {
		return "", fmt.Errorf("write backup %s: %w", dst, err)
	}
	return dst, nil
}
