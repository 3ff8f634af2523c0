package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
	queuememory "github.com/geda-valentim/ingestify-to-ai/internal/queue/memory"
	storememory "github.com/geda-valentim/ingestify-to-ai/internal/store/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newCrawler(t *testing.T, store *storememory.Store, id, cron, tz string, now time.Time) *jobs.Job {
	t.Helper()
	schedule, err := jobs.Recurring(cron, tz, now)
	require.NoError(t, err)
	crawler := &jobs.Job{
		ID:         id,
		UserID:     "u1",
		Type:       jobs.TypeCrawler,
		Status:     jobs.StatusActive,
		SourceType: jobs.SourceCrawler,
		SourceURL:  "https://example.com/docs",
		CrawlerConfig: &jobs.CrawlerConfig{
			Mode:   jobs.ModePageOnly,
			Engine: jobs.EngineHTMLParser,
		},
		CrawlerSchedule: schedule,
	}
	require.NoError(t, store.Put(context.Background(), crawler))
	return crawler
}

func drain(t *testing.T, q *queuememory.Queue) []queue.Task {
	t.Helper()
	var tasks []queue.Task
	for q.Len() > 0 {
		d, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		d.Ack()
		tasks = append(tasks, d.Task)
	}
	return tasks
}

// advance steps the simulated clock minute by minute, firing due entries the
// way the run loop would.
func advance(s *Scheduler, clock *fakeClock, d time.Duration) int {
	fired := 0
	end := clock.now.Add(d)
	for clock.now.Before(end) {
		clock.now = clock.now.Add(time.Minute)
		fired += s.FireDue(context.Background(), clock.now)
	}
	return fired
}

func TestEveryMinuteWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := storememory.New(clock)
	q := queuememory.New(64)
	s := New(store, q, clock, time.Hour, nil)

	crawler := newCrawler(t, store, "c1", "* * * * *", "UTC", clock.now)
	require.NoError(t, s.RegisterCrawler(context.Background(), crawler))

	fired := advance(s, clock, 10*time.Minute)
	assert.Equal(t, 10, fired, "one trigger per minute over a 10-minute window")

	tasks := drain(t, q)
	require.Len(t, tasks, 10)
	for i, task := range tasks {
		assert.Equal(t, queue.KindExecuteCrawler, task.Kind)
		assert.Equal(t, "c1", task.JobID)
		require.NotNil(t, task.FireInstant)
		if i > 0 {
			assert.Equal(t, time.Minute, task.FireInstant.Sub(*tasks[i-1].FireInstant))
		}
	}
}

func TestRecurringUnderPauseAndResume(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := storememory.New(clock)
	q := queuememory.New(64)
	s := New(store, q, clock, time.Hour, nil)
	ctx := context.Background()

	crawler := newCrawler(t, store, "c1", "*/5 * * * *", "America/Sao_Paulo", clock.now)
	require.NoError(t, s.RegisterCrawler(ctx, crawler))

	fired := advance(s, clock, 30*time.Minute)
	assert.Equal(t, 6, fired, "six executions in 30 minutes at */5")
	drain(t, q)

	s.PauseCrawler("c1")
	fired = advance(s, clock, 30*time.Minute)
	assert.Zero(t, fired, "no executions while paused")
	assert.Empty(t, drain(t, q))

	// Resume picks up from the next cron boundary; the missed window is not
	// backfilled.
	resumed, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, s.RegisterCrawler(ctx, resumed))
	next, ok := s.NextFireTime()
	require.True(t, ok)
	assert.True(t, next.After(clock.now))

	fired = advance(s, clock, 10*time.Minute)
	assert.Equal(t, 2, fired)
}

func TestNextRunsProjectionPersisted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := storememory.New(clock)
	q := queuememory.New(64)
	s := New(store, q, clock, time.Hour, nil)
	ctx := context.Background()

	crawler := newCrawler(t, store, "c1", "*/5 * * * *", "UTC", clock.now)
	require.NoError(t, s.RegisterCrawler(ctx, crawler))

	stored, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, stored.CrawlerSchedule.NextRuns, jobs.NextRunsCached)
	for i := 1; i < len(stored.CrawlerSchedule.NextRuns); i++ {
		assert.True(t, stored.CrawlerSchedule.NextRuns[i].After(stored.CrawlerSchedule.NextRuns[i-1]))
	}
}

func TestTriggerTTLBoundedByPeriod(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := storememory.New(clock)
	q := queuememory.New(64)
	s := New(store, q, clock, time.Hour, nil)
	ctx := context.Background()

	crawler := newCrawler(t, store, "c1", "*/5 * * * *", "UTC", clock.now)
	require.NoError(t, s.RegisterCrawler(ctx, crawler))

	advance(s, clock, 5*time.Minute)
	tasks := drain(t, q)
	require.Len(t, tasks, 1)
	ttl := tasks[0].ExpiresAt.Sub(*tasks[0].FireInstant)
	assert.Equal(t, 5*time.Minute, ttl, "trigger TTL is min(period, max)")
}

func TestOneShotFiresOnceAndUnregisters(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := storememory.New(clock)
	q := queuememory.New(64)
	s := New(store, q, clock, time.Hour, nil)
	ctx := context.Background()

	crawler := &jobs.Job{
		ID:         "c1",
		UserID:     "u1",
		Type:       jobs.TypeCrawler,
		Status:     jobs.StatusActive,
		SourceType: jobs.SourceCrawler,
		CrawlerConfig: &jobs.CrawlerConfig{
			Mode:   jobs.ModePageOnly,
			Engine: jobs.EngineHTMLParser,
		},
		CrawlerSchedule: jobs.OneTime(clock.now.Add(2 * time.Minute)),
	}
	require.NoError(t, store.Put(ctx, crawler))
	require.NoError(t, s.RegisterCrawler(ctx, crawler))
	require.True(t, s.Registered("c1"))

	fired := advance(s, clock, 5*time.Minute)
	assert.Equal(t, 1, fired)
	assert.False(t, s.Registered("c1"))

	fired = advance(s, clock, 5*time.Minute)
	assert.Zero(t, fired)
}

func TestRehydrateLoadsActiveCrawlersOnly(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := storememory.New(clock)
	q := queuememory.New(64)
	s := New(store, q, clock, time.Hour, nil)
	ctx := context.Background()

	newCrawler(t, store, "active", "* * * * *", "UTC", clock.now)
	paused := newCrawler(t, store, "paused", "* * * * *", "UTC", clock.now)
	paused.Status = jobs.StatusPaused
	require.NoError(t, store.Put(ctx, paused))

	require.NoError(t, s.Rehydrate(ctx))
	assert.True(t, s.Registered("active"))
	assert.False(t, s.Registered("paused"))
}
