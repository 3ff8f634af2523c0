// Package scheduler turns crawler cron schedules into execution triggers.
//
// The only ephemeral state is an in-memory min-heap keyed by next fire time;
// on restart it is rebuilt from FindActiveCrawlers. Cron expressions are
// evaluated in each crawler's IANA zone and all stored instants are UTC.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/metrics"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

// maxTriggerTTL caps how long an emitted trigger stays valid; late triggers
// are dropped rather than stacked.
const maxTriggerTTL = time.Hour

// parkInterval bounds the sleep when no entries are registered.
const parkInterval = time.Minute

type entry struct {
	crawlerID string
	fireAt    time.Time
	schedule  *jobs.CrawlerSchedule
	heapIndex int
}

type fireHeap []*entry

func (h fireHeap) Len() int           { return len(h) }
func (h fireHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }

func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *fireHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler owns the fire-time heap and the trigger emission loop.
type Scheduler struct {
	mu   sync.Mutex
	heap fireHeap
	byID map[string]*entry

	store  jobs.Store
	queue  queue.Queue
	clock  jobs.Clock
	logger *zap.Logger

	maxTTL time.Duration
	wake   chan struct{}
}

// New builds a Scheduler emitting triggers onto the crawler queue.
func New(store jobs.Store, q queue.Queue, clock jobs.Clock, maxTTL time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTTL <= 0 || maxTTL > maxTriggerTTL {
		maxTTL = maxTriggerTTL
	}
	return &Scheduler{
		byID:   make(map[string]*entry),
		store:  store,
		queue:  q,
		clock:  clock,
		logger: logger,
		maxTTL: maxTTL,
		wake:   make(chan struct{}, 1),
	}
}

// Start rehydrates active crawlers and blocks running the trigger loop until
// the context ends.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Rehydrate(ctx); err != nil {
		return err
	}
	s.run(ctx)
	return nil
}

// Rehydrate installs every active crawler from the store.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	crawlers, err := s.store.FindActiveCrawlers(ctx)
	if err != nil {
		return fmt.Errorf("load active crawlers: %w", err)
	}
	for _, crawler := range crawlers {
		if err := s.RegisterCrawler(ctx, crawler); err != nil {
			s.logger.Error("rehydrate crawler failed",
				zap.String("crawler_id", crawler.ID), zap.Error(err))
		}
	}
	s.logger.Info("scheduler rehydrated", zap.Int("crawlers", len(crawlers)))
	return nil
}

// RegisterCrawler installs or replaces the crawler's heap entry and persists
// its next_runs projection.
func (s *Scheduler) RegisterCrawler(ctx context.Context, crawler *jobs.Job) error {
	if crawler.Type != jobs.TypeCrawler {
		return jobs.Invalid("job_type", "cannot schedule job of type %q", crawler.Type)
	}
	sched := crawler.CrawlerSchedule
	if sched == nil {
		return jobs.Invalid("schedule", "crawler %s has no schedule", crawler.ID)
	}
	if err := sched.Validate(); err != nil {
		return err
	}

	now := s.clock.Now()
	fireAt, ok, err := nextFire(sched, now)
	if err != nil {
		return err
	}
	if !ok {
		// A one-shot whose instant already passed has nothing to schedule.
		s.UnregisterCrawler(crawler.ID)
		return nil
	}

	s.mu.Lock()
	if existing, found := s.byID[crawler.ID]; found {
		heap.Remove(&s.heap, existing.heapIndex)
	}
	e := &entry{crawlerID: crawler.ID, fireAt: fireAt, schedule: sched}
	heap.Push(&s.heap, e)
	s.byID[crawler.ID] = e
	s.mu.Unlock()
	s.kick()

	return s.persistNextRuns(ctx, crawler.ID, sched, now)
}

// UpdateCrawler re-registers a crawler after a schedule change.
func (s *Scheduler) UpdateCrawler(ctx context.Context, crawler *jobs.Job) error {
	return s.RegisterCrawler(ctx, crawler)
}

// UnregisterCrawler drops the crawler from the heap.
func (s *Scheduler) UnregisterCrawler(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		heap.Remove(&s.heap, e.heapIndex)
		delete(s.byID, id)
	}
}

// PauseCrawler removes the heap entry but keeps the stored schedule so a
// resume can re-register from the next cron boundary.
func (s *Scheduler) PauseCrawler(id string) {
	s.UnregisterCrawler(id)
}

// Registered reports whether the crawler currently has a heap entry.
func (s *Scheduler) Registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// NextFireTime returns the earliest scheduled instant, if any.
func (s *Scheduler) NextFireTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].fireAt, true
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		next, ok := s.NextFireTime()
		wait := parkInterval
		if ok {
			wait = next.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}
		s.FireDue(ctx, s.clock.Now())
	}
}

// FireDue emits a trigger for every entry due at or before now and advances
// their fire times. It returns the number of triggers emitted. Emission
// failures are logged; the entry stays due and the next wake retries.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) int {
	fired := 0
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].fireAt.After(now) {
			s.mu.Unlock()
			return fired
		}
		e := heap.Pop(&s.heap).(*entry)
		s.mu.Unlock()

		if err := s.emit(ctx, e); err != nil {
			metrics.ObserveSchedulerFire("error")
			s.logger.Error("trigger emit failed, will retry on next wake",
				zap.String("crawler_id", e.crawlerID), zap.Error(err))
			s.mu.Lock()
			heap.Push(&s.heap, e)
			s.mu.Unlock()
			return fired
		}
		metrics.ObserveSchedulerFire("ok")
		fired++

		if e.schedule.Type == jobs.ScheduleOneTime {
			// One-shots fire once and unregister themselves.
			s.mu.Lock()
			delete(s.byID, e.crawlerID)
			s.mu.Unlock()
			continue
		}

		next, err := e.schedule.NextAfter(e.fireAt)
		if err != nil {
			s.logger.Error("advance fire time failed",
				zap.String("crawler_id", e.crawlerID), zap.Error(err))
			s.mu.Lock()
			delete(s.byID, e.crawlerID)
			s.mu.Unlock()
			continue
		}
		e.fireAt = next
		s.mu.Lock()
		heap.Push(&s.heap, e)
		s.mu.Unlock()

		if err := s.persistNextRuns(ctx, e.crawlerID, e.schedule, now); err != nil {
			s.logger.Warn("persist next_runs failed",
				zap.String("crawler_id", e.crawlerID), zap.Error(err))
		}
	}
}

// emit enqueues the execution trigger with its TTL: the cron period or the
// configured max, whichever is smaller.
func (s *Scheduler) emit(ctx context.Context, e *entry) error {
	ttl := s.maxTTL
	if e.schedule.Type == jobs.ScheduleRecurring {
		if period, err := e.schedule.Period(e.fireAt); err == nil && period > 0 && period < ttl {
			ttl = period
		}
	}
	fireAt := e.fireAt
	task := queue.Task{
		Kind:        queue.KindExecuteCrawler,
		JobID:       e.crawlerID,
		FireInstant: &fireAt,
		ExpiresAt:   fireAt.Add(ttl),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue trigger: %w", err)
	}
	s.logger.Debug("trigger emitted",
		zap.String("crawler_id", e.crawlerID), zap.Time("fire_at", fireAt))
	return nil
}

func (s *Scheduler) persistNextRuns(ctx context.Context, crawlerID string, sched *jobs.CrawlerSchedule, now time.Time) error {
	runs, err := sched.NextN(now, jobs.NextRunsCached)
	if err != nil {
		return err
	}
	_, err = s.store.Update(ctx, crawlerID, func(j *jobs.Job) error {
		if j.CrawlerSchedule == nil {
			return jobs.Invalid("schedule", "crawler %s lost its schedule", crawlerID)
		}
		j.CrawlerSchedule.NextRuns = runs
		return nil
	})
	return err
}

// nextFire resolves the first fire instant after now. For one-shots whose
// instant has passed, ok is false.
func nextFire(sched *jobs.CrawlerSchedule, now time.Time) (time.Time, bool, error) {
	if sched.Type == jobs.ScheduleOneTime {
		if len(sched.NextRuns) == 0 {
			return now, true, nil
		}
		at := sched.NextRuns[0].UTC()
		if at.Before(now) {
			return time.Time{}, false, nil
		}
		return at, true, nil
	}
	at, err := sched.NextAfter(now)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}
