package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultInterval: 100 * time.Millisecond})
	ctx := context.Background()

	// First call should be immediate.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "lane-a"))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	// Next one should wait ~100ms.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "lane-a"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_DifferentLanes(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultInterval: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "lane-a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "lane-b"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "lanes must not share a bucket")
}

func TestLimiter_ZeroIntervalIsUnlimited(t *testing.T) {
	t.Parallel()

	lane := New(Config{}).For("lane-a", 0)
	start := time.Now()
	for range 50 {
		require.NoError(t, lane.Wait(context.Background()))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_ContextCanceled(t *testing.T) {
	t.Parallel()

	lane := New(Config{}).For("lane-a", time.Hour)
	require.NoError(t, lane.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, lane.Wait(ctx))
}
