package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	"github.com/geda-valentim/ingestify-to-ai/internal/index"
	indexmemory "github.com/geda-valentim/ingestify-to-ai/internal/index/memory"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	storememory "github.com/geda-valentim/ingestify-to-ai/internal/store/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func setup(t *testing.T) (*Engine, *storememory.Store, *indexmemory.Sink, string) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	store := storememory.New(clock)
	sink := indexmemory.New()
	writer := index.NewWriter(index.WriterConfig{MaxBatchDocs: 1, MaxBatchWait: 10 * time.Millisecond}, sink)
	t.Cleanup(func() { _ = writer.Close(context.Background()) })

	execution := &jobs.Job{
		ID:         "exec-1",
		UserID:     "u1",
		Type:       jobs.TypeMain,
		Status:     jobs.StatusProcessing,
		SourceType: jobs.SourceCrawler,
	}
	require.NoError(t, store.Put(context.Background(), execution))

	eng := New(store, clock, writer, nil)
	eng.sleep = func(context.Context, time.Duration) error { return nil }
	return eng, store, sink, execution.ID
}

func strategy3() []jobs.RetryStep {
	return []jobs.RetryStep{
		{Attempt: 0, Engine: jobs.EngineHTMLParser, UseProxy: false},
		{Attempt: 1, Engine: jobs.EngineHTMLParser, UseProxy: true, DelaySeconds: 1},
		{Attempt: 2, Engine: jobs.EngineHeadless, UseProxy: false, DelaySeconds: 2},
	}
}

func TestEngineFallbackThirdAttemptSucceeds(t *testing.T) {
	eng, store, _, execID := setup(t)
	ctx := context.Background()

	calls := 0
	err := eng.Run(ctx, execID, strategy3(), func(_ context.Context, step jobs.RetryStep) error {
		calls++
		switch step.Attempt {
		case 0:
			return &engine.HTTPError{StatusCode: 403, URL: "https://example.com"}
		case 1:
			return context.DeadlineExceeded
		default:
			return nil
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	execution, err := store.Get(ctx, execID)
	require.NoError(t, err)
	require.Len(t, execution.RetryHistory, 3)
	assert.Equal(t, jobs.AttemptFailed, execution.RetryHistory[0].Status)
	assert.Equal(t, jobs.ErrHTTP4xx, execution.RetryHistory[0].ErrorType)
	assert.Equal(t, jobs.AttemptFailed, execution.RetryHistory[1].Status)
	assert.Equal(t, jobs.ErrTimeout, execution.RetryHistory[1].ErrorType)
	assert.Equal(t, jobs.AttemptSuccess, execution.RetryHistory[2].Status)
	assert.Equal(t, jobs.EngineHeadless, execution.EngineUsed)
	assert.False(t, execution.ProxyUsed)
}

func TestSingleEntryTerminalFailure(t *testing.T) {
	eng, store, _, execID := setup(t)
	ctx := context.Background()

	strategy := []jobs.RetryStep{{Attempt: 0, Engine: jobs.EngineHTMLParser, UseProxy: false}}
	cause := &engine.HTTPError{StatusCode: 500, URL: "https://example.com"}
	err := eng.Run(ctx, execID, strategy, func(context.Context, jobs.RetryStep) error {
		return cause
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 500")

	execution, getErr := store.Get(ctx, execID)
	require.NoError(t, getErr)
	require.Len(t, execution.RetryHistory, 1)
	assert.Equal(t, jobs.AttemptFailed, execution.RetryHistory[0].Status)
	assert.Equal(t, jobs.EngineHTMLParser, execution.EngineUsed)
	assert.False(t, execution.ProxyUsed)
}

func TestAllAttemptsFailedSummarizesEveryAttempt(t *testing.T) {
	eng, store, _, execID := setup(t)
	ctx := context.Background()

	err := eng.Run(ctx, execID, strategy3(), func(_ context.Context, step jobs.RetryStep) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.Contains(t, err.Error(), "attempt 2")

	execution, getErr := store.Get(ctx, execID)
	require.NoError(t, getErr)
	require.Len(t, execution.RetryHistory, 3)
	for _, entry := range execution.RetryHistory {
		assert.Equal(t, jobs.AttemptFailed, entry.Status)
	}
	// Terminal failure pins engine_used to the last attempted configuration.
	assert.Equal(t, jobs.EngineHeadless, execution.EngineUsed)
}

func TestCancellationBetweenAttempts(t *testing.T) {
	eng, store, _, execID := setup(t)
	ctx := context.Background()

	calls := 0
	err := eng.Run(ctx, execID, strategy3(), func(context.Context, jobs.RetryStep) error {
		calls++
		// Cancel the execution after the first failed attempt.
		_, updateErr := store.Update(ctx, execID, func(j *jobs.Job) error {
			j.Status = jobs.StatusCancelled
			return nil
		})
		require.NoError(t, updateErr)
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, jobs.KindCancelled, jobs.KindOf(err))
	assert.Equal(t, 1, calls)

	execution, getErr := store.Get(ctx, execID)
	require.NoError(t, getErr)
	require.Len(t, execution.RetryHistory, 2)
	assert.Equal(t, jobs.AttemptFailed, execution.RetryHistory[0].Status)
	assert.Equal(t, jobs.AttemptCancelled, execution.RetryHistory[1].Status)
}

func TestEmptyStrategyRejected(t *testing.T) {
	eng, _, _, execID := setup(t)
	err := eng.Run(context.Background(), execID, nil, func(context.Context, jobs.RetryStep) error {
		return nil
	})
	assert.Equal(t, jobs.KindInvalidInput, jobs.KindOf(err))
}

func TestRetryMetricsEmitted(t *testing.T) {
	eng, _, sink, execID := setup(t)
	err := eng.Run(context.Background(), execID,
		[]jobs.RetryStep{{Attempt: 0, Engine: jobs.EngineHTMLParser}},
		func(context.Context, jobs.RetryStep) error { return nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.ByStream(index.StreamRetryMetrics)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	docs := sink.ByStream(index.StreamRetryMetrics)
	assert.Equal(t, execID, docs[0].JobID)
	assert.Equal(t, "success", docs[0].Fields["status"])
}
