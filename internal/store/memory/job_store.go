// Package memory provides an in-memory job store for development/testing.
// It mirrors the Postgres store's semantics so pipeline tests exercise the
// same contract; Update serializes writers instead of retrying on conflicts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/urlnorm"
)

// Store implements jobs.Store backed by process memory.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*jobs.Job
	pages map[string]*jobs.Page         // by page id
	byJob map[string][]string           // job id -> page ids in page order
	files map[string][]jobs.CrawledFile // execution id -> files in download order
	clock jobs.Clock
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New creates an empty Store. A nil clock falls back to the system clock.
func New(clock jobs.Clock) *Store {
	if clock == nil {
		clock = systemClock{}
	}
	return &Store{
		jobs:  make(map[string]*jobs.Job),
		pages: make(map[string]*jobs.Page),
		byJob: make(map[string][]string),
		files: make(map[string][]jobs.CrawledFile),
		clock: clock,
	}
}

func cloneJob(j *jobs.Job) *jobs.Job {
	c := *j
	if j.CrawlerConfig != nil {
		cc := *j.CrawlerConfig
		c.CrawlerConfig = &cc
	}
	if j.CrawlerSchedule != nil {
		cs := *j.CrawlerSchedule
		cs.NextRuns = append([]time.Time(nil), j.CrawlerSchedule.NextRuns...)
		c.CrawlerSchedule = &cs
	}
	c.RetryHistory = append([]jobs.RetryHistoryEntry(nil), j.RetryHistory...)
	return &c
}

// Put inserts or replaces a job row.
func (s *Store) Put(_ context.Context, job *jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneJob(job)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now()
	}
	c.UpdatedAt = s.clock.Now()
	s.jobs[c.ID] = c
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, jobs.NotFoundErr("job", id)
	}
	return cloneJob(j), nil
}

// Delete removes a job and cascades to its children, pages, and files.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return jobs.NotFoundErr("job", id)
	}
	s.deleteLocked(id)
	return nil
}

func (s *Store) deleteLocked(id string) {
	for childID, child := range s.jobs {
		if child.ParentID == id {
			s.deleteLocked(childID)
		}
	}
	for _, pageID := range s.byJob[id] {
		delete(s.pages, pageID)
	}
	delete(s.byJob, id)
	delete(s.files, id)
	delete(s.jobs, id)
}

// Update runs a read-modify-write on one job. The memory store serializes
// writers, so the optimistic retry loop of the SQL store degenerates to a
// single attempt.
func (s *Store) Update(_ context.Context, id string, mutate func(*jobs.Job) error) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, jobs.NotFoundErr("job", id)
	}
	c := cloneJob(j)
	if err := mutate(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.clock.Now()
	s.jobs[id] = c
	return cloneJob(c), nil
}

func matchFilter(j *jobs.Job, f jobs.ListFilter) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	return true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (s *Store) list(pred func(*jobs.Job) bool, newestFirst bool) []*jobs.Job {
	var out []*jobs.Job
	for _, j := range s.jobs {
		if pred(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// ListByUser returns the user's jobs, newest first.
func (s *Store) ListByUser(_ context.Context, userID string, f jobs.ListFilter) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.list(func(j *jobs.Job) bool {
		return j.UserID == userID && matchFilter(j, f)
	}, true)
	return paginate(out, f.Limit, f.Offset), nil
}

// FindCrawlerJobs returns the user's crawler jobs, newest first.
func (s *Store) FindCrawlerJobs(ctx context.Context, userID string, f jobs.ListFilter) ([]*jobs.Job, error) {
	f.Type = jobs.TypeCrawler
	return s.ListByUser(ctx, userID, f)
}

// FindActiveCrawlers returns every crawler with status=active.
func (s *Store) FindActiveCrawlers(_ context.Context) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(j *jobs.Job) bool {
		return j.Type == jobs.TypeCrawler && j.Status == jobs.StatusActive
	}, false), nil
}

// FindCrawlerExecutions returns a crawler's execution children, newest first.
func (s *Store) FindCrawlerExecutions(_ context.Context, crawlerID string) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(j *jobs.Job) bool {
		return j.ParentID == crawlerID
	}, true), nil
}

// ListChildren returns a job's direct children in creation order.
func (s *Store) ListChildren(_ context.Context, parentID string) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(j *jobs.Job) bool {
		return j.ParentID == parentID
	}, false), nil
}

// FindSimilar returns non-terminal jobs whose url_pattern matches the given
// pattern exactly, within edit distance 2, or up to the query string.
func (s *Store) FindSimilar(_ context.Context, pattern string) ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(j *jobs.Job) bool {
		if jobs.IsTerminal(j.Status) {
			return false
		}
		return urlnorm.SimilarPatterns(j.URLPattern, pattern)
	}, true), nil
}

// UpsertPages inserts or replaces page rows keyed by (job_id, page_number).
func (s *Store) UpsertPages(_ context.Context, jobID string, pages []jobs.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pages {
		p.JobID = jobID
		p.UpdatedAt = s.clock.Now()
		// Replace an existing row for the same page number.
		for _, existingID := range s.byJob[jobID] {
			if existing := s.pages[existingID]; existing != nil && existing.PageNumber == p.PageNumber && existingID != p.ID {
				delete(s.pages, existingID)
				s.removePageID(jobID, existingID)
				break
			}
		}
		if _, known := s.pages[p.ID]; !known {
			s.byJob[jobID] = append(s.byJob[jobID], p.ID)
		}
		row := p
		s.pages[p.ID] = &row
	}
	return nil
}

func (s *Store) removePageID(jobID, pageID string) {
	ids := s.byJob[jobID]
	for i, id := range ids {
		if id == pageID {
			s.byJob[jobID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// GetPages lists a job's pages in page order.
func (s *Store) GetPages(_ context.Context, jobID string, limit, offset int) ([]jobs.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []jobs.Page
	for _, id := range s.byJob[jobID] {
		if p := s.pages[id]; p != nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].PageNumber < out[k].PageNumber })
	return paginate(out, limit, offset), nil
}

// GetPage fetches one page row by id.
func (s *Store) GetPage(_ context.Context, pageID string) (*jobs.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[pageID]
	if !ok {
		return nil, jobs.NotFoundErr("page", pageID)
	}
	row := *p
	return &row, nil
}

// UpdatePage runs a read-modify-write on one page row.
func (s *Store) UpdatePage(_ context.Context, pageID string, mutate func(*jobs.Page) error) (*jobs.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[pageID]
	if !ok {
		return nil, jobs.NotFoundErr("page", pageID)
	}
	row := *p
	if err := mutate(&row); err != nil {
		return nil, err
	}
	row.UpdatedAt = s.clock.Now()
	s.pages[pageID] = &row
	out := row
	return &out, nil
}

// PutCrawledFile appends or replaces one crawled-file row.
func (s *Store) PutCrawledFile(_ context.Context, f *jobs.CrawledFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.files[f.ExecutionID]
	for i, existing := range rows {
		if existing.ID == f.ID {
			rows[i] = *f
			return nil
		}
	}
	s.files[f.ExecutionID] = append(rows, *f)
	return nil
}

// ListCrawledFiles returns an execution's files in download order.
func (s *Store) ListCrawledFiles(_ context.Context, executionID string) ([]jobs.CrawledFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]jobs.CrawledFile(nil), s.files[executionID]...), nil
}

var _ jobs.Store = (*Store)(nil)
