package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyRetriesTransientOnly(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2, 10*time.Millisecond, 40*time.Millisecond)
	failure := TransientFailure("status %d", 503)

	assert.True(t, p.ShouldRetry(failure, 1))
	assert.True(t, p.ShouldRetry(failure, 2))
	assert.False(t, p.ShouldRetry(failure, 3))
	assert.False(t, p.ShouldRetry(NotYetIssued(), 1))
	assert.False(t, p.ShouldRetry(Fetched([]byte("x")), 1))
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestTimerPauserHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := TimerPauser{}.Pause(ctx, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second, "pause should exit immediately when context is done")
}

func TestJitterWithinLimit(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Jitter(0))
	for range 20 {
		j := Jitter(time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, time.Millisecond)
	}
}
