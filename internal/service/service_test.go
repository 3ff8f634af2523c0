package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmemory "github.com/geda-valentim/ingestify-to-ai/internal/blob/memory"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
	queuememory "github.com/geda-valentim/ingestify-to-ai/internal/queue/memory"
	"github.com/geda-valentim/ingestify-to-ai/internal/scheduler"
	storememory "github.com/geda-valentim/ingestify-to-ai/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type capture struct {
	tasks []queue.Task
}

func (c *capture) Enqueue(_ context.Context, task queue.Task) error {
	c.tasks = append(c.tasks, task)
	return nil
}

type env struct {
	store *storememory.Store
	blobs *blobmemory.BlobStore
	queue *capture
	sched *scheduler.Scheduler
	svc   *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := storememory.New(clock)
	blobs := blobmemory.New()
	q := &capture{}
	sched := scheduler.New(store, queuememory.New(64), clock, time.Hour, nil)
	return &env{
		store: store,
		blobs: blobs,
		queue: q,
		sched: sched,
		svc:   New(store, blobs, q, sched, clock, &seqIDs{}, nil),
	}
}

func crawlerRequest(url string) CreateCrawlerRequest {
	return CreateCrawlerRequest{
		UserID: "u1",
		URL:    url,
		Name:   "docs",
		Config: jobs.CrawlerConfig{
			Mode:   jobs.ModePageOnly,
			Engine: jobs.EngineHTMLParser,
		},
		Schedule: &jobs.CrawlerSchedule{
			Type:           jobs.ScheduleRecurring,
			CronExpression: "*/5 * * * *",
			Timezone:       "UTC",
		},
	}
}

func TestCreateJobEnqueuesSplit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	job, warning, err := e.svc.CreateJob(ctx, CreateJobRequest{
		UserID:     "u1",
		SourceType: jobs.SourceFile,
		Source:     "uploads-key/input.pdf",
		Name:       "report",
	})
	require.NoError(t, err)
	assert.Nil(t, warning)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	require.Len(t, e.queue.tasks, 1)
	assert.Equal(t, queue.KindSplitPDF, e.queue.tasks[0].Kind)
	assert.Equal(t, job.ID, e.queue.tasks[0].JobID)
}

func TestCreateJobRejectsUnsafeURL(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.svc.CreateJob(context.Background(), CreateJobRequest{
		UserID:     "u1",
		SourceType: jobs.SourceURL,
		Source:     "http://169.254.169.254/latest/meta-data",
	})
	require.Error(t, err)
	assert.Equal(t, jobs.KindInvalidInput, jobs.KindOf(err))
}

func TestDuplicateAdmissionWarning(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, warning, err := e.svc.CreateCrawler(ctx, crawlerRequest("https://example.com/docs"))
	require.NoError(t, err)
	assert.Nil(t, warning)

	// Same URL plus a query parameter: creation succeeds with a warning
	// referencing the first crawler, and both stay scheduled.
	second, warning, err := e.svc.CreateCrawler(ctx, crawlerRequest("https://example.com/docs?ref=campaign"))
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Contains(t, warning.JobIDs, first.ID)
	assert.True(t, e.sched.Registered(first.ID))
	assert.True(t, e.sched.Registered(second.ID))
}

func TestDuplicateDetectionCaseInsensitiveHost(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, _, err := e.svc.CreateCrawler(ctx, crawlerRequest("https://example.com/a?x=2"))
	require.NoError(t, err)
	_, warning, err := e.svc.CreateCrawler(ctx, crawlerRequest("https://Example.com/a?x=1"))
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Contains(t, warning.JobIDs, first.ID)
}

func TestCancelJobIdempotentOnTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	job := &jobs.Job{
		ID: "j1", UserID: "u1", Type: jobs.TypeMain,
		Status: jobs.StatusCompleted, SourceType: jobs.SourceFile,
	}
	require.NoError(t, e.store.Put(ctx, job))

	require.NoError(t, e.svc.CancelJob(ctx, "j1"))
	got, err := e.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status, "cancel on terminal is a no-op")

	require.NoError(t, e.svc.CancelJob(ctx, "j1"))
}

func TestCancelQueuedJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.Put(ctx, &jobs.Job{
		ID: "j1", UserID: "u1", Type: jobs.TypeMain,
		Status: jobs.StatusQueued, SourceType: jobs.SourceFile,
	}))
	require.NoError(t, e.svc.CancelJob(ctx, "j1"))
	got, err := e.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestDeleteJobLeavesNoOwnedState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	main := &jobs.Job{
		ID: "main-1", UserID: "u1", Type: jobs.TypeMain,
		Status: jobs.StatusCompleted, SourceType: jobs.SourceFile,
	}
	require.NoError(t, e.store.Put(ctx, main))
	require.NoError(t, e.store.UpsertPages(ctx, "main-1", []jobs.Page{
		{ID: "p1", PageNumber: 1, Status: jobs.StatusCompleted},
	}))
	for _, bucket := range []string{jobs.BucketPages, jobs.BucketResults} {
		_, err := e.blobs.Put(ctx, bucket, "main-1/artifact", []byte("x"), "")
		require.NoError(t, err)
	}

	require.NoError(t, e.svc.DeleteJob(ctx, "main-1"))

	_, err := e.store.Get(ctx, "main-1")
	assert.Equal(t, jobs.KindNotFound, jobs.KindOf(err))
	for _, bucket := range []string{jobs.BucketPages, jobs.BucketResults} {
		keys, err := e.blobs.List(ctx, bucket, "main-1/")
		require.NoError(t, err)
		assert.Empty(t, keys, "prefix listing under owned prefixes must be empty")
	}
}

func TestRetryPageRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.Put(ctx, &jobs.Job{
		ID: "main-1", UserID: "u1", Type: jobs.TypeMain,
		Status: jobs.StatusCompleted, SourceType: jobs.SourceFile,
	}))

	t.Run("succeeded page is not retryable", func(t *testing.T) {
		require.NoError(t, e.store.UpsertPages(ctx, "main-1", []jobs.Page{
			{ID: "ok", PageNumber: 1, Status: jobs.StatusCompleted},
		}))
		_, err := e.svc.RetryPage(ctx, "ok")
		assert.Equal(t, jobs.KindInvalidInput, jobs.KindOf(err))
	})

	t.Run("exhausted page is not retryable", func(t *testing.T) {
		require.NoError(t, e.store.UpsertPages(ctx, "main-1", []jobs.Page{
			{ID: "spent", PageNumber: 2, Status: jobs.StatusFailed, RetryCount: jobs.MaxPageRetries},
		}))
		_, err := e.svc.RetryPage(ctx, "spent")
		assert.Equal(t, jobs.KindInvalidInput, jobs.KindOf(err))
	})

	t.Run("failed page yields one new queued row", func(t *testing.T) {
		require.NoError(t, e.store.UpsertPages(ctx, "main-1", []jobs.Page{
			{ID: "bad", PageNumber: 3, Status: jobs.StatusFailed, RetryCount: 1, PagePath: "main-1/page_0003.pdf"},
		}))
		newID, err := e.svc.RetryPage(ctx, "bad")
		require.NoError(t, err)
		assert.NotEqual(t, "bad", newID)

		fresh, err := e.store.GetPage(ctx, newID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusQueued, fresh.Status)
		assert.Equal(t, 2, fresh.RetryCount)
		assert.Equal(t, "main-1/page_0003.pdf", fresh.PagePath)

		var convertTasks int
		for _, task := range e.queue.tasks {
			if task.Kind == queue.KindConvertPage && task.PageID == newID {
				convertTasks++
			}
		}
		assert.Equal(t, 1, convertTasks)
	})
}

func TestRunCrawlerNowBypassesScheduler(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	crawler, _, err := e.svc.CreateCrawler(ctx, crawlerRequest("https://example.com/docs"))
	require.NoError(t, err)
	before, err := e.store.Get(ctx, crawler.ID)
	require.NoError(t, err)
	nextRuns := append([]time.Time(nil), before.CrawlerSchedule.NextRuns...)

	execution, err := e.svc.RunCrawlerNow(ctx, crawler.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.ID, execution.ParentID)

	var found bool
	for _, task := range e.queue.tasks {
		if task.Kind == queue.KindExecuteCrawler && task.ExecutionID == execution.ID {
			found = true
			assert.Nil(t, task.FireInstant, "manual runs carry no scheduler instant")
		}
	}
	assert.True(t, found)

	after, err := e.store.Get(ctx, crawler.ID)
	require.NoError(t, err)
	assert.Equal(t, nextRuns, after.CrawlerSchedule.NextRuns, "run-now must not advance next_runs")
}

func TestPauseResumeStop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	crawler, _, err := e.svc.CreateCrawler(ctx, crawlerRequest("https://example.com/docs"))
	require.NoError(t, err)

	require.NoError(t, e.svc.PauseCrawler(ctx, crawler.ID))
	assert.False(t, e.sched.Registered(crawler.ID))
	paused, err := e.store.Get(ctx, crawler.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPaused, paused.Status)

	require.NoError(t, e.svc.ResumeCrawler(ctx, crawler.ID))
	assert.True(t, e.sched.Registered(crawler.ID))

	require.NoError(t, e.svc.StopCrawler(ctx, crawler.ID))
	assert.False(t, e.sched.Registered(crawler.ID))
	stopped, err := e.store.Get(ctx, crawler.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusStopped, stopped.Status)

	// Stopped crawlers reject further lifecycle changes.
	assert.Error(t, e.svc.ResumeCrawler(ctx, crawler.ID))
	_, err = e.svc.RunCrawlerNow(ctx, crawler.ID)
	assert.Error(t, err)
}

func TestCreateCrawlerWithPreset(t *testing.T) {
	e := newEnv(t)
	req := crawlerRequest("https://example.com/docs")
	req.Preset = jobs.PresetConservative
	crawler, _, err := e.svc.CreateCrawler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, crawler.CrawlerConfig.RetryEnabled)
	assert.NotEmpty(t, crawler.CrawlerConfig.RetryStrategy)
}
