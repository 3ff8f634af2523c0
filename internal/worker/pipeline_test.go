package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

func enqueueSplit(t *testing.T, e *env, mainID string) {
	t.Helper()
	require.NoError(t, e.conv.Enqueue(context.Background(), queue.Task{
		Kind:  queue.KindSplitPDF,
		JobID: mainID,
	}))
}

func TestSinglePagePDFConversion(t *testing.T) {
	e := newEnv(t, noopFactory)
	ctx := context.Background()

	e.uploadMain(t, "Hello")
	enqueueSplit(t, e, "main-1")
	e.drain(t)

	main, err := e.store.Get(ctx, "main-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, main.Status)
	assert.Equal(t, 1, main.TotalPages)
	assert.Equal(t, 1, main.PagesCompleted)
	assert.Equal(t, 0, main.PagesFailed)
	assert.Equal(t, 100, main.Progress)

	pages, err := e.store.GetPages(ctx, "main-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, jobs.StatusCompleted, pages[0].Status)
	assert.Contains(t, pages[0].Markdown, "Hello")

	// One split, one merge child alongside the pages.
	children, err := e.store.ListChildren(ctx, "main-1")
	require.NoError(t, err)
	types := map[jobs.Type]int{}
	for _, c := range children {
		types[c.Type]++
		assert.Equal(t, jobs.StatusCompleted, c.Status)
	}
	assert.Equal(t, 1, types[jobs.TypeSplit])
	assert.Equal(t, 1, types[jobs.TypeMerge])

	result, err := e.blobs.Get(ctx, jobs.BucketResults, main.ResultPath)
	require.NoError(t, err)
	assert.Contains(t, string(result), "Hello")
}

func TestMultiPageWithFailureThenRetry(t *testing.T) {
	e := newEnv(t, noopFactory)
	ctx := context.Background()

	e.uploadMain(t, "one\ntwo\nthree")
	e.convert.failOnce("two")
	enqueueSplit(t, e, "main-1")
	e.drain(t)

	main, err := e.store.Get(ctx, "main-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, main.Status, "partial page failure never fails the main")
	assert.Equal(t, 2, main.PagesCompleted)
	assert.Equal(t, 1, main.PagesFailed)

	pages, err := e.store.GetPages(ctx, "main-1", 0, 0)
	require.NoError(t, err)
	var failedPage jobs.Page
	for _, p := range pages {
		if p.Status == jobs.StatusFailed {
			failedPage = p
		}
	}
	require.NotEmpty(t, failedPage.ID)
	assert.Equal(t, 2, failedPage.PageNumber)

	// Retry the failed page: fresh queued row, conversion re-runs, merge
	// re-runs on the page becoming terminal.
	newID, err := e.ids.NewID()
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertPages(ctx, "main-1", []jobs.Page{{
		ID:         newID,
		PageNumber: failedPage.PageNumber,
		Status:     jobs.StatusQueued,
		PagePath:   failedPage.PagePath,
		RetryCount: failedPage.RetryCount + 1,
	}}))
	require.NoError(t, e.conv.Enqueue(ctx, queue.Task{
		Kind:   queue.KindConvertPage,
		JobID:  "main-1",
		PageID: newID,
	}))
	e.drain(t)

	main, err = e.store.Get(ctx, "main-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, main.Status)
	assert.Equal(t, 3, main.PagesCompleted)
	assert.Equal(t, 0, main.PagesFailed)

	result, err := e.blobs.Get(ctx, jobs.BucketResults, main.ResultPath)
	require.NoError(t, err)
	assert.Contains(t, string(result), "two")
}

func TestSplitZeroPagesFailsMain(t *testing.T) {
	e := newEnv(t, noopFactory)
	ctx := context.Background()

	e.uploadMain(t, "")
	enqueueSplit(t, e, "main-1")
	e.drain(t)

	main, err := e.store.Get(ctx, "main-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, main.Status)
	assert.Contains(t, main.Error, "no pages")
}

func TestSplitRefusesOversizedDocument(t *testing.T) {
	e := newEnv(t, noopFactory)
	ctx := context.Background()

	// Limit in the test env is 5 pages; 6 must be refused.
	e.uploadMain(t, "a\nb\nc\nd\ne\nf")
	enqueueSplit(t, e, "main-1")
	e.drain(t)

	main, err := e.store.Get(ctx, "main-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, main.Status)
	assert.Contains(t, main.Error, "limit")
}

func TestSplitAtLimitSucceeds(t *testing.T) {
	e := newEnv(t, noopFactory)
	ctx := context.Background()

	e.uploadMain(t, "a\nb\nc\nd\ne")
	enqueueSplit(t, e, "main-1")
	e.drain(t)

	main, err := e.store.Get(ctx, "main-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, main.Status)
	assert.Equal(t, 5, main.PagesCompleted)
}

func TestAllPagesFailedFailsMain(t *testing.T) {
	e := newEnv(t, noopFactory)
	ctx := context.Background()

	e.uploadMain(t, "only")
	e.convert.failOnce("only")
	enqueueSplit(t, e, "main-1")
	e.drain(t)

	main, err := e.store.Get(ctx, "main-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, main.Status)
}

func TestSplitTaskIdempotentOnTerminalMain(t *testing.T) {
	e := newEnv(t, noopFactory)
	ctx := context.Background()

	e.uploadMain(t, "Hello")
	enqueueSplit(t, e, "main-1")
	e.drain(t)

	// Redelivery after completion must exit without side effects.
	enqueueSplit(t, e, "main-1")
	e.drain(t)

	pages, err := e.store.GetPages(ctx, "main-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, pages, 1)
}

func TestExpiredTriggerDropped(t *testing.T) {
	e := newEnv(t, noopFactory)
	ctx := context.Background()

	fire := e.clock.Now().Add(-2 * time.Hour)
	require.NoError(t, e.conv.Enqueue(ctx, queue.Task{
		Kind:      queue.KindSplitPDF,
		JobID:     "ghost",
		ExpiresAt: fire,
	}))
	require.NoError(t, e.worker.ProcessOne(ctx))
	assert.Equal(t, 0, e.conv.Len())
}
