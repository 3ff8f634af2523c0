package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	return New(clock), clock
}

func mainJob(id, userID string) *jobs.Job {
	return &jobs.Job{
		ID:         id,
		UserID:     userID,
		Type:       jobs.TypeMain,
		Status:     jobs.StatusQueued,
		SourceType: jobs.SourceFile,
	}
}

func crawlerJob(id, userID, pattern string) *jobs.Job {
	return &jobs.Job{
		ID:         id,
		UserID:     userID,
		Type:       jobs.TypeCrawler,
		Status:     jobs.StatusActive,
		SourceType: jobs.SourceCrawler,
		URLPattern: pattern,
		CrawlerConfig: &jobs.CrawlerConfig{
			Mode:   jobs.ModePageOnly,
			Engine: jobs.EngineHTMLParser,
		},
	}
}

func TestPutGetDelete(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, mainJob("j1", "u1")))
	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, "j1"))
	_, err = s.Get(ctx, "j1")
	assert.Equal(t, jobs.KindNotFound, jobs.KindOf(err))
	assert.Error(t, s.Delete(ctx, "j1"))
}

func TestDeleteCascades(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, mainJob("main", "u1")))
	child := mainJob("split", "u1")
	child.Type = jobs.TypeSplit
	child.ParentID = "main"
	require.NoError(t, s.Put(ctx, child))
	require.NoError(t, s.UpsertPages(ctx, "main", []jobs.Page{
		{ID: "p1", PageNumber: 1, Status: jobs.StatusQueued},
	}))
	require.NoError(t, s.PutCrawledFile(ctx, &jobs.CrawledFile{ID: "f1", ExecutionID: "split", URL: "https://example.com/a.pdf", Filename: "a.pdf", Status: jobs.FileDownloaded}))

	require.NoError(t, s.Delete(ctx, "main"))

	_, err := s.Get(ctx, "split")
	assert.Equal(t, jobs.KindNotFound, jobs.KindOf(err))
	_, err = s.GetPage(ctx, "p1")
	assert.Equal(t, jobs.KindNotFound, jobs.KindOf(err))
	files, err := s.ListCrawledFiles(ctx, "split")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUpdateBumpsUpdatedAt(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, mainJob("j1", "u1")))

	clock.Advance(time.Minute)
	updated, err := s.Update(ctx, "j1", func(j *jobs.Job) error {
		j.Progress = 42
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, updated.Progress)
	assert.Equal(t, clock.now, updated.UpdatedAt)

	_, err = s.Update(ctx, "missing", func(*jobs.Job) error { return nil })
	assert.Equal(t, jobs.KindNotFound, jobs.KindOf(err))
}

func TestListByUserOrderAndFilters(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, mainJob(id, "u1")))
		clock.Advance(time.Second)
	}
	other := mainJob("d", "u2")
	require.NoError(t, s.Put(ctx, other))

	list, err := s.ListByUser(ctx, "u1", jobs.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID, "newest first")

	page, err := s.ListByUser(ctx, "u1", jobs.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestFindActiveCrawlers(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, crawlerJob("c1", "u1", "https://example.com/docs")))
	paused := crawlerJob("c2", "u1", "https://example.com/blog")
	paused.Status = jobs.StatusPaused
	require.NoError(t, s.Put(ctx, paused))

	active, err := s.FindActiveCrawlers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c1", active[0].ID)
}

func TestFindCrawlerExecutionsNewestFirst(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, crawlerJob("c1", "u1", "")))

	for _, id := range []string{"e1", "e2"} {
		e := mainJob(id, "u1")
		e.ParentID = "c1"
		e.SourceType = jobs.SourceCrawler
		require.NoError(t, s.Put(ctx, e))
		clock.Advance(time.Second)
	}
	executions, err := s.FindCrawlerExecutions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.Equal(t, "e2", executions[0].ID)
}

func TestFindSimilar(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, crawlerJob("c1", "u1", "https://example.com/a?x=*")))
	terminal := crawlerJob("c2", "u1", "https://example.com/a?x=*")
	terminal.Status = jobs.StatusStopped
	require.NoError(t, s.Put(ctx, terminal))

	t.Run("exact match", func(t *testing.T) {
		matches, err := s.FindSimilar(ctx, "https://example.com/a?x=*")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "c1", matches[0].ID)
	})
	t.Run("fuzzy within distance two", func(t *testing.T) {
		matches, err := s.FindSimilar(ctx, "https://example.com/ab?x=*")
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})
	t.Run("too far", func(t *testing.T) {
		matches, err := s.FindSimilar(ctx, "https://different.org/long/path")
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
}

func TestUpsertPagesReplacesByPageNumber(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, mainJob("main", "u1")))

	require.NoError(t, s.UpsertPages(ctx, "main", []jobs.Page{
		{ID: "p1", PageNumber: 1, Status: jobs.StatusFailed, RetryCount: 0},
	}))
	// A retry supersedes the row at the same page number with a fresh id.
	require.NoError(t, s.UpsertPages(ctx, "main", []jobs.Page{
		{ID: "p1-retry", PageNumber: 1, Status: jobs.StatusQueued, RetryCount: 1},
	}))

	pages, err := s.GetPages(ctx, "main", 0, 0)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "p1-retry", pages[0].ID)
	assert.Equal(t, 1, pages[0].RetryCount)

	_, err = s.GetPage(ctx, "p1")
	assert.Equal(t, jobs.KindNotFound, jobs.KindOf(err))
}

func TestUpdatePage(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, mainJob("main", "u1")))
	require.NoError(t, s.UpsertPages(ctx, "main", []jobs.Page{
		{ID: "p1", PageNumber: 1, Status: jobs.StatusQueued},
	}))

	page, err := s.UpdatePage(ctx, "p1", func(p *jobs.Page) error {
		p.Status = jobs.StatusCompleted
		p.Markdown = "# Hello"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, page.Status)
}

func TestCrawledFilesKeepDownloadOrder(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, s.PutCrawledFile(ctx, &jobs.CrawledFile{
			ID: id, ExecutionID: "e1", URL: "https://example.com/" + id, Filename: id, Status: jobs.FileDownloaded,
		}))
	}
	files, err := s.ListCrawledFiles(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "f1", files[0].ID)
}
