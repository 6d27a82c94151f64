package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/gaps"
	"github.com/JakeFAU/permit-crawler/internal/merge"
)

// detailEndpoint publishes records with an applicant and an address for
// sequences up to last.
func detailEndpoint(t *testing.T, last int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := crawler.DecodeKey(r.URL.Query().Get("INDEX_KEY"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if key.Sequence > last {
			fmt.Fprint(w, "<html><body>查無任何資訊</body></html>")
			return
		}
		fmt.Fprintf(w, `<html><table>
<tr><td>建築執照號碼</td><td>%s</td></tr>
<tr><td>起造人</td><td>姓名</td><td>王%d</td></tr>
<tr><td>地址</td><td>台中市 %d 號</td></tr>
</table></html>`, key.String(), key.Sequence, key.Sequence)
	}))
}

func seedSnapshot(t *testing.T, dataDir string, records ...crawler.Record) {
	t.Helper()
	snap, _ := merge.Apply(crawler.Snapshot{}, records, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	data, err := merge.Encode(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "permits.json"), data, 0o600))
}

func storedRecord(seq int, attrs map[string]string) crawler.Record {
	return crawler.NewRecord(crawler.Key{Period: 114, Category: 1, Sequence: seq}, attrs, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
}

func completeAttrs(seq int) map[string]string {
	return map[string]string{
		"permitNumber":  fmt.Sprintf("1141%05d00", seq),
		"applicantName": fmt.Sprintf("王%d", seq),
		"siteAddress":   fmt.Sprintf("台中市 %d 號", seq),
	}
}

func readSnapshot(t *testing.T, dataDir string) crawler.Snapshot {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dataDir, "permits.json"))
	require.NoError(t, err)
	snap, err := merge.Decode(data)
	require.NoError(t, err)
	return snap
}

func TestGapsDryRunPlansMissingRanges(t *testing.T) {
	dataDir := t.TempDir()
	seedSnapshot(t, dataDir,
		storedRecord(1, completeAttrs(1)),
		storedRecord(2, completeAttrs(2)),
		storedRecord(5, completeAttrs(5)),
		storedRecord(9, completeAttrs(9)),
	)
	cfgPath := writeConfig(t, "http://127.0.0.1:1", dataDir)

	out, err := runRoot(t, "gaps", "--dry-run", "--config", cfgPath)
	require.NoError(t, err, out)

	var lanes []crawler.Lane
	require.NoError(t, json.Unmarshal([]byte(out), &lanes))
	require.Len(t, lanes, 2)
	assert.Equal(t, "gap-114-1-00003-00004", lanes[0].ID())
	assert.Equal(t, "gap-114-1-00006-00008", lanes[1].ID())
	assert.True(t, lanes[0].OneShot)

	out, err = runRoot(t, "gaps", "--dry-run", "--period", "114", "--category", "1", "--through", "11", "--config", cfgPath)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &lanes))
	require.Len(t, lanes, 3)
	assert.Equal(t, 10, lanes[2].StartSequence)
	assert.Equal(t, 11, lanes[2].EndSequence)
}

func TestGapsFillsMissingSequences(t *testing.T) {
	server := detailEndpoint(t, 5)
	defer server.Close()
	dataDir := t.TempDir()
	seedSnapshot(t, dataDir,
		storedRecord(1, completeAttrs(1)),
		storedRecord(2, completeAttrs(2)),
		storedRecord(5, completeAttrs(5)),
	)
	cfgPath := writeConfig(t, server.URL, dataDir)

	out, err := runRoot(t, "gaps", "--no-backup", "--config", cfgPath)
	require.NoError(t, err, out)

	var reports []crawler.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "gap-114-1-00003-00004", reports[0].Lane)
	assert.Equal(t, crawler.StateStoppedRangeEnd, reports[0].StopReason)
	assert.Equal(t, 2, reports[0].Attempted)
	assert.Equal(t, 2, reports[0].Added)

	snap := readSnapshot(t, dataDir)
	assert.Equal(t, 5, snap.TotalCount)

	checkpoints, err := filepath.Glob(filepath.Join(dataDir, "checkpoints", "*.json"))
	require.NoError(t, err)
	assert.Empty(t, checkpoints, "gap lanes keep no checkpoint")

	out, err = runRoot(t, "gaps", "--dry-run", "--config", cfgPath)
	require.NoError(t, err, out)
	assert.JSONEq(t, "[]", out)
}

func TestRefreshRefetchesIncompleteRecords(t *testing.T) {
	server := detailEndpoint(t, 5)
	defer server.Close()
	dataDir := t.TempDir()
	noApplicant := completeAttrs(2)
	delete(noApplicant, "applicantName")
	noAddress := completeAttrs(3)
	noAddress["siteAddress"] = " "
	seedSnapshot(t, dataDir,
		storedRecord(1, completeAttrs(1)),
		storedRecord(2, noApplicant),
		storedRecord(3, noAddress),
		storedRecord(4, completeAttrs(4)),
	)
	cfgPath := writeConfig(t, server.URL, dataDir)

	out, err := runRoot(t, "refresh", "--dry-run", "--config", cfgPath)
	require.NoError(t, err, out)
	var lanes []crawler.Lane
	require.NoError(t, json.Unmarshal([]byte(out), &lanes))
	require.Len(t, lanes, 1)
	assert.Equal(t, "refresh-114-1-00002-00003", lanes[0].ID())

	out, err = runRoot(t, "refresh", "--no-backup", "--config", cfgPath)
	require.NoError(t, err, out)
	var reports []crawler.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Attempted)
	assert.Equal(t, 2, reports[0].Updated)
	assert.Zero(t, reports[0].Added)

	snap := readSnapshot(t, dataDir)
	assert.Equal(t, 4, snap.TotalCount)
	for _, rec := range snap.Records {
		assert.NotEmpty(t, rec.Attributes["applicantName"], rec.IndexKey)
		assert.NotEmpty(t, rec.Attributes["siteAddress"], rec.IndexKey)
	}

	out, err = runRoot(t, "refresh", "--dry-run", "--config", cfgPath)
	require.NoError(t, err, out)
	assert.JSONEq(t, "[]", out)
}

func TestRefreshMinCompletenessFlag(t *testing.T) {
	dataDir := t.TempDir()
	seedSnapshot(t, dataDir,
		storedRecord(1, completeAttrs(1)),
		storedRecord(2, completeAttrs(2)),
	)
	cfgPath := writeConfig(t, "http://127.0.0.1:1", dataDir)

	out, err := runRoot(t, "refresh", "--dry-run", "--min-completeness", "4", "--config", cfgPath)
	require.NoError(t, err, out)
	var lanes []crawler.Lane
	require.NoError(t, json.Unmarshal([]byte(out), &lanes))
	require.Len(t, lanes, 1)
	assert.Equal(t, 1, lanes[0].StartSequence)
	assert.Equal(t, 2, lanes[0].EndSequence)
}

func TestGapsThroughNeedsPeriod(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1", t.TempDir())

	_, err := runRoot(t, "gaps", "--dry-run", "--through", "10", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--through needs --period")
}

func TestSelectPartitions(t *testing.T) {
	t.Parallel()

	snap := crawler.Snapshot{Records: []crawler.Record{
		storedRecord(1, completeAttrs(1)),
		crawler.NewRecord(crawler.Key{Period: 113, Category: 2, Sequence: 1}, completeAttrs(1), time.Now()),
	}}

	assert.Len(t, selectPartitions(snap, gapFlags{category: -1}), 2)
	assert.Equal(t, []gaps.Partition{{Period: 113, Category: 2}}, selectPartitions(snap, gapFlags{period: 113, category: -1}))
	assert.Equal(t, []gaps.Partition{{Period: 112, Category: 1}}, selectPartitions(snap, gapFlags{period: 112, category: 1}))
	assert.Empty(t, selectPartitions(snap, gapFlags{period: 112, category: -1}))
}
