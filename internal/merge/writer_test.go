package merge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/storage/memory"
)

// exclusiveMerger fails the test if two merges ever overlap.
type exclusiveMerger struct {
	t       *testing.T
	next    crawler.Merger
	running atomic.Int32
}

func (m *exclusiveMerger) Merge(ctx context.Context, batch []crawler.Record) (crawler.MergeResult, error) {
	if m.running.Add(1) != 1 {
		m.t.Errorf("concurrent merge detected")
	}
	defer m.running.Add(-1)
	return m.next.Merge(ctx, batch)
}

func TestWriterSerializesConcurrentLanes(t *testing.T) {
	t.Parallel()

	s := newStore(t, memory.NewObjectStore(), Config{MaxAttempts: 1})
	w := NewWriter(&exclusiveMerger{t: t, next: s})
	defer w.Close()
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		added atomic.Int64
	)
	for lane := 1; lane <= 2; lane++ {
		wg.Add(1)
		go func(category int) {
			defer wg.Done()
			for seq := 1; seq <= 25; seq++ {
				r := crawler.NewRecord(crawler.Key{Period: 114, Category: category, Sequence: seq},
					map[string]string{"permitNumber": "p"}, t0)
				result, err := w.Merge(ctx, []crawler.Record{r})
				assert.NoError(t, err)
				added.Add(int64(result.Added))
			}
		}(lane)
	}
	wg.Wait()

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, snap.TotalCount)
	assert.EqualValues(t, 50, added.Load())
}

func TestWriterRejectsAfterClose(t *testing.T) {
	t.Parallel()

	w := NewWriter(newStore(t, memory.NewObjectStore(), Config{}))
	w.Close()
	w.Close()

	_, err := w.Merge(context.Background(), nil)
	require.ErrorIs(t, err, ErrWriterClosed)
}
