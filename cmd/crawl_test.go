package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/config"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/merge"
)

// permitEndpoint publishes records for sequences up to last and reports
// every later key as not issued.
func permitEndpoint(t *testing.T, last int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := crawler.DecodeKey(r.URL.Query().Get("INDEX_KEY"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if key.Sequence > last {
			fmt.Fprint(w, "<html><body>查無此案件編號資料</body></html>")
			return
		}
		fmt.Fprintf(w, "<html><table><tr><td>建築執照號碼</td><td>%s</td></tr><tr><td>地址</td><td>台中市 %d 號</td></tr></table></html>",
			key.String(), key.Sequence)
	}))
}

func writeConfig(t *testing.T, endpoint, dataDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`
logging:
  level: error
endpoint:
  base_url: %s/query
  charset: utf-8
  warmup_delay: 0s
  warmup_jitter: 0s
  extra_warmups: 0
  max_retries: 0
  min_body_bytes: 0
crawler:
  request_delay: 1ms
  empty_threshold: 2
  batch_size: 2
  lanes:
    - name: recent
      period: 114
      category: 1
      start_sequence: 1
store:
  backend: local
  base_dir: %s
`, endpoint, dataDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlThenStatus(t *testing.T) {
	server := permitEndpoint(t, 3)
	defer server.Close()
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, server.URL, dataDir)

	out, err := runRoot(t, "crawl", "--config", cfgPath)
	require.NoError(t, err, out)

	var reports []crawler.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "recent", reports[0].Lane)
	assert.Equal(t, crawler.StateStoppedEmpty, reports[0].StopReason)
	assert.Equal(t, 5, reports[0].Attempted)
	assert.Equal(t, 3, reports[0].Added)

	data, err := os.ReadFile(filepath.Join(dataDir, "permits.json"))
	require.NoError(t, err)
	snap, err := merge.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.TotalCount)
	assert.Equal(t, map[int]int{114: 3}, snap.PeriodCounts)

	out, err = runRoot(t, "status", "--config", cfgPath)
	require.NoError(t, err, out)
	var status statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 3, status.TotalCount)
	require.Len(t, status.Lanes, 1)
	require.NotNil(t, status.Lanes[0].Checkpoint)
	assert.Equal(t, 5, status.Lanes[0].Checkpoint.LastAttemptedKey.Sequence)
	assert.Equal(t, "11410000600", status.Lanes[0].NextKey)

	// A second crawl backs up the snapshot first and resumes after the checkpoint.
	out, err = runRoot(t, "crawl", "--config", cfgPath)
	require.NoError(t, err, out)
	backups, err := filepath.Glob(filepath.Join(dataDir, "backups", "permits_backup_*.json"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestBackupWithoutSnapshot(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1", t.TempDir())

	out, err := runRoot(t, "backup", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no snapshot to back up")
}

func TestSelectLanes(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Crawler: config.CrawlerConfig{
		EmptyThreshold:   5,
		FailureThreshold: 3,
		BatchSize:        10,
		Lanes:            []crawler.Lane{{Name: "configured", Period: 113, Category: 1, StartSequence: 1}},
	}}

	lanes, err := selectLanes(cfg, laneFlags{})
	require.NoError(t, err)
	require.Len(t, lanes, 1)
	assert.Equal(t, "configured", lanes[0].ID())

	lanes, err = selectLanes(cfg, laneFlags{period: 114, category: 2, start: 40, end: 60})
	require.NoError(t, err)
	require.Len(t, lanes, 1)
	assert.Equal(t, 114, lanes[0].Period)
	assert.Equal(t, 60, lanes[0].EndSequence)
	assert.Equal(t, 5, lanes[0].EmptyThreshold)

	_, err = selectLanes(cfg, laneFlags{period: 114, category: 1, start: 10, end: 5})
	assert.Error(t, err)
}
