package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

func TestEnqueueDequeue(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	task := queue.Task{Kind: queue.KindSplitPDF, JobID: "j1"}
	require.NoError(t, q.Enqueue(ctx, task))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", d.Task.JobID)
	d.Ack()
	assert.Equal(t, 0, q.Len())
}

func TestNackRedelivers(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.Task{Kind: queue.KindMerge, JobID: "j1"}))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d.Nack()

	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", redelivered.Task.JobID)
}

func TestDequeueRespectsContext(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.Error(t, err)
}

func TestTaskRouting(t *testing.T) {
	assert.Equal(t, queue.QueueConversion, queue.Task{Kind: queue.KindSplitPDF}.QueueName())
	assert.Equal(t, queue.QueueConversion, queue.Task{Kind: queue.KindConvertPage}.QueueName())
	assert.Equal(t, queue.QueueConversion, queue.Task{Kind: queue.KindMerge}.QueueName())
	assert.Equal(t, queue.QueueCrawler, queue.Task{Kind: queue.KindExecuteCrawler}.QueueName())
}

func TestTaskExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	fresh := queue.Task{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, fresh.Expired(now))
	assert.True(t, fresh.Expired(now.Add(2*time.Minute)))
	assert.False(t, queue.Task{}.Expired(now), "zero expiry never expires")
}
