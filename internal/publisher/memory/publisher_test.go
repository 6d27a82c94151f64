package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsByTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "lane-runs", map[string]int{"attempted": 3})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "other", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	assert.Len(t, pub.Messages(""), 2)
	runs := pub.Messages("lane-runs")
	require.Len(t, runs, 1)
	var got map[string]int
	require.NoError(t, json.Unmarshal(runs[0].Data, &got))
	assert.Equal(t, 3, got["attempted"])

	runs[0].Topic = "modified"
	assert.Equal(t, "lane-runs", pub.Messages("lane-runs")[0].Topic)
}

func TestPublisherRejectsUnencodable(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)
	assert.Empty(t, New().Messages(""))
}
