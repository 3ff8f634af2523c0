// Package service implements the operations the API layer exposes: job
// admission with duplicate detection, lifecycle actions, crawler management,
// and page retries. The HTTP surface is a thin adapter over this package.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
	"github.com/geda-valentim/ingestify-to-ai/internal/scheduler"
	"github.com/geda-valentim/ingestify-to-ai/internal/urlnorm"
)

// Enqueuer is the dispatcher-facing half the service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Service wires the admission and lifecycle operations.
type Service struct {
	store     jobs.Store
	blobs     jobs.BlobStore
	enqueuer  Enqueuer
	scheduler *scheduler.Scheduler
	clock     jobs.Clock
	ids       jobs.IDGenerator
	logger    *zap.Logger
}

// New builds a Service. The scheduler may be nil in worker-only processes.
func New(store jobs.Store, blobs jobs.BlobStore, enqueuer Enqueuer, sched *scheduler.Scheduler, clock jobs.Clock, ids jobs.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		enqueuer:  enqueuer,
		scheduler: sched,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// DuplicateWarning references similar non-terminal jobs found at admission.
// It never blocks creation.
type DuplicateWarning struct {
	JobIDs  []string `json:"job_ids"`
	Pattern string   `json:"url_pattern"`
}

// CreateJobRequest is the input to CreateJob.
type CreateJobRequest struct {
	UserID     string
	SourceType jobs.SourceType
	Source     string // upload key for file sources, URL otherwise
	Name       string
}

// CreateJob admits a main conversion job and enqueues its split task.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*jobs.Job, *DuplicateWarning, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, nil, err
	}
	job := &jobs.Job{
		ID:         id,
		UserID:     req.UserID,
		Type:       jobs.TypeMain,
		Status:     jobs.StatusQueued,
		SourceType: req.SourceType,
		Name:       req.Name,
		CreatedAt:  s.clock.Now(),
	}

	var warning *DuplicateWarning
	switch req.SourceType {
	case jobs.SourceFile:
		job.UploadPath = req.Source
	case jobs.SourceURL, jobs.SourceGDrive, jobs.SourceDropbox:
		normalized, err := urlnorm.Normalize(req.Source)
		if err != nil {
			return nil, nil, err
		}
		pattern, err := urlnorm.Pattern(req.Source)
		if err != nil {
			return nil, nil, err
		}
		job.SourceURL = normalized
		job.URLPattern = pattern
		warning = s.findDuplicates(ctx, pattern)
	default:
		return nil, nil, jobs.Invalid("source_type", "unsupported source type %q", req.SourceType)
	}

	if err := s.store.Put(ctx, job); err != nil {
		return nil, nil, err
	}
	if err := s.enqueuer.Enqueue(ctx, queue.Task{Kind: queue.KindSplitPDF, JobID: job.ID}); err != nil {
		return nil, nil, jobs.Transient("enqueue split", err)
	}
	return job, warning, nil
}

// GetJob fetches one job.
func (s *Service) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	return s.store.Get(ctx, id)
}

// ListJobs lists a user's jobs newest first.
func (s *Service) ListJobs(ctx context.Context, userID string, f jobs.ListFilter) ([]*jobs.Job, error) {
	return s.store.ListByUser(ctx, userID, f)
}

// CancelJob cancels a job. Cancelling an already-terminal job is a no-op
// that reports success.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	_, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		if jobs.IsTerminal(j.Status) {
			return nil
		}
		if err := j.Transition(jobs.StatusCancelled); err != nil {
			return err
		}
		now := s.clock.Now()
		j.CompletedAt = &now
		return nil
	})
	return err
}

// DeleteJob removes a job, its owned rows, and its blobs.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	// Execution blobs live under each child execution's crawled/ prefix.
	if job.Type == jobs.TypeCrawler {
		executions, err := s.store.FindCrawlerExecutions(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range executions {
			if err := s.blobs.DeletePrefix(ctx, jobs.BucketCrawled, e.ID+"/"); err != nil {
				return err
			}
		}
		if s.scheduler != nil {
			s.scheduler.UnregisterCrawler(id)
		}
	} else {
		for _, bucket := range []string{jobs.BucketPages, jobs.BucketResults, jobs.BucketUploads} {
			if err := s.blobs.DeletePrefix(ctx, bucket, id+"/"); err != nil {
				return err
			}
		}
	}
	return s.store.Delete(ctx, id)
}

// CreateCrawlerRequest is the input to CreateCrawler.
type CreateCrawlerRequest struct {
	UserID   string
	URL      string
	Name     string
	Config   jobs.CrawlerConfig
	Schedule *jobs.CrawlerSchedule
	// Preset optionally replaces Config.RetryStrategy with a named built-in.
	Preset string
}

// CreateCrawler admits a crawler job, schedules it, and returns duplicate
// warnings for similar active crawlers.
func (s *Service) CreateCrawler(ctx context.Context, req CreateCrawlerRequest) (*jobs.Job, *DuplicateWarning, error) {
	normalized, err := urlnorm.Normalize(req.URL)
	if err != nil {
		return nil, nil, err
	}
	pattern, err := urlnorm.Pattern(req.URL)
	if err != nil {
		return nil, nil, err
	}

	cfg := req.Config
	if req.Preset != "" {
		steps, ok := jobs.PresetStrategy(req.Preset)
		if !ok {
			return nil, nil, jobs.Invalid("preset", "unknown retry preset %q", req.Preset)
		}
		cfg.RetryStrategy = steps
		cfg.RetryEnabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	schedule := req.Schedule
	if schedule == nil {
		schedule = jobs.OneTime(s.clock.Now())
	}
	if err := schedule.Validate(); err != nil {
		return nil, nil, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return nil, nil, err
	}
	crawler := &jobs.Job{
		ID:              id,
		UserID:          req.UserID,
		Type:            jobs.TypeCrawler,
		Status:          jobs.StatusActive,
		SourceType:      jobs.SourceCrawler,
		SourceURL:       normalized,
		URLPattern:      pattern,
		Name:            req.Name,
		CreatedAt:       s.clock.Now(),
		CrawlerConfig:   &cfg,
		CrawlerSchedule: schedule,
	}
	warning := s.findDuplicates(ctx, pattern)

	if err := s.store.Put(ctx, crawler); err != nil {
		return nil, nil, err
	}
	if s.scheduler != nil {
		if err := s.scheduler.RegisterCrawler(ctx, crawler); err != nil {
			return nil, nil, err
		}
	}
	return crawler, warning, nil
}

// UpdateCrawler replaces a crawler's config/schedule and re-registers it.
func (s *Service) UpdateCrawler(ctx context.Context, id string, cfg *jobs.CrawlerConfig, schedule *jobs.CrawlerSchedule) (*jobs.Job, error) {
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if schedule != nil {
		if err := schedule.Validate(); err != nil {
			return nil, err
		}
	}
	updated, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		if j.Type != jobs.TypeCrawler {
			return jobs.Invalid("job_type", "job %s is not a crawler", id)
		}
		if jobs.IsTerminal(j.Status) {
			return jobs.Invalid("status", "crawler %s is stopped", id)
		}
		if cfg != nil {
			j.CrawlerConfig = cfg
		}
		if schedule != nil {
			j.CrawlerSchedule = schedule
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.scheduler != nil && updated.Status == jobs.StatusActive {
		if err := s.scheduler.UpdateCrawler(ctx, updated); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// PauseCrawler stops scheduling new executions; running ones finish.
func (s *Service) PauseCrawler(ctx context.Context, id string) error {
	_, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		return j.Transition(jobs.StatusPaused)
	})
	if err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.PauseCrawler(id)
	}
	return nil
}

// ResumeCrawler reactivates a paused crawler from the next cron boundary
// after resume; missed fires are not backfilled.
func (s *Service) ResumeCrawler(ctx context.Context, id string) error {
	updated, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		return j.Transition(jobs.StatusActive)
	})
	if err != nil {
		return err
	}
	if s.scheduler != nil {
		return s.scheduler.RegisterCrawler(ctx, updated)
	}
	return nil
}

// StopCrawler permanently stops and unregisters a crawler.
func (s *Service) StopCrawler(ctx context.Context, id string) error {
	_, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		if j.Status == jobs.StatusStopped {
			return nil
		}
		if err := j.Transition(jobs.StatusStopped); err != nil {
			return err
		}
		now := s.clock.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.UnregisterCrawler(id)
	}
	return nil
}

// RunCrawlerNow bypasses the scheduler: it creates an execution row and
// enqueues the dispatch directly without advancing next_runs.
func (s *Service) RunCrawlerNow(ctx context.Context, id string) (*jobs.Job, error) {
	crawler, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if crawler.Type != jobs.TypeCrawler {
		return nil, jobs.Invalid("job_type", "job %s is not a crawler", id)
	}
	if jobs.IsTerminal(crawler.Status) {
		return nil, jobs.Invalid("status", "crawler %s is stopped", id)
	}

	execID, err := s.ids.NewID()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	execution := &jobs.Job{
		ID:         execID,
		UserID:     crawler.UserID,
		Type:       jobs.TypeMain,
		Status:     jobs.StatusQueued,
		SourceType: jobs.SourceCrawler,
		SourceURL:  crawler.SourceURL,
		Name:       fmt.Sprintf("%s - manual run", crawler.Name),
		ParentID:   crawler.ID,
		CreatedAt:  now,
	}
	if err := s.store.Put(ctx, execution); err != nil {
		return nil, err
	}
	if err := s.enqueuer.Enqueue(ctx, queue.Task{
		Kind:        queue.KindExecuteCrawler,
		JobID:       crawler.ID,
		ExecutionID: execID,
	}); err != nil {
		return nil, jobs.Transient("enqueue execution", err)
	}
	return execution, nil
}

// ListExecutions returns a crawler's executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, crawlerID string) ([]*jobs.Job, error) {
	return s.store.FindCrawlerExecutions(ctx, crawlerID)
}

// ExecutionProgress is the client view of a running execution. The job store
// is authoritative; the progress index is never consulted here.
type ExecutionProgress struct {
	ExecutionID     string                   `json:"execution_id"`
	Status          jobs.Status              `json:"status"`
	Progress        int                      `json:"progress"`
	FilesDownloaded int                      `json:"files_downloaded"`
	FilesFailed     int                      `json:"files_failed"`
	FilesSkipped    int                      `json:"files_skipped"`
	EngineUsed      jobs.Engine              `json:"engine_used,omitempty"`
	ProxyUsed       bool                     `json:"proxy_used"`
	RetryHistory    []jobs.RetryHistoryEntry `json:"retry_history,omitempty"`
	Error           string                   `json:"error,omitempty"`
}

// GetExecutionProgress reads the authoritative execution state.
func (s *Service) GetExecutionProgress(ctx context.Context, executionID string) (*ExecutionProgress, error) {
	execution, err := s.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionProgress{
		ExecutionID:     execution.ID,
		Status:          execution.Status,
		Progress:        execution.Progress,
		FilesDownloaded: execution.FilesDownloaded,
		FilesFailed:     execution.FilesFailed,
		FilesSkipped:    execution.FilesSkipped,
		EngineUsed:      execution.EngineUsed,
		ProxyUsed:       execution.ProxyUsed,
		RetryHistory:    execution.RetryHistory,
		Error:           execution.Error,
	}, nil
}

// RetryPage re-runs a failed page: it supersedes the row with a fresh queued
// one (new page job id, retry_count+1) and enqueues its conversion. Valid
// only while the page is failed and under the retry cap.
func (s *Service) RetryPage(ctx context.Context, pageID string) (string, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return "", err
	}
	if page.Status != jobs.StatusFailed {
		return "", jobs.Invalid("status", "page %s is %s, only failed pages can be retried", pageID, page.Status)
	}
	if page.RetryCount >= jobs.MaxPageRetries {
		return "", jobs.Invalid("retry_count", "page %s has exhausted its %d retries", pageID, jobs.MaxPageRetries)
	}

	newID, err := s.ids.NewID()
	if err != nil {
		return "", err
	}
	fresh := jobs.Page{
		ID:         newID,
		JobID:      page.JobID,
		PageNumber: page.PageNumber,
		Status:     jobs.StatusQueued,
		PagePath:   page.PagePath,
		RetryCount: page.RetryCount + 1,
	}
	if err := s.store.UpsertPages(ctx, page.JobID, []jobs.Page{fresh}); err != nil {
		return "", err
	}
	if err := s.enqueuer.Enqueue(ctx, queue.Task{
		Kind:   queue.KindConvertPage,
		JobID:  page.JobID,
		PageID: newID,
	}); err != nil {
		return "", jobs.Transient("enqueue page retry", err)
	}
	s.logger.Info("page retry queued",
		zap.String("job_id", page.JobID),
		zap.Int("page", page.PageNumber),
		zap.String("new_page_id", newID),
		zap.Int("retry_count", fresh.RetryCount))
	return newID, nil
}

// GetPages lists a job's pages.
func (s *Service) GetPages(ctx context.Context, jobID string, limit, offset int) ([]jobs.Page, error) {
	return s.store.GetPages(ctx, jobID, limit, offset)
}

// ListCrawledFiles lists an execution's files in download order.
func (s *Service) ListCrawledFiles(ctx context.Context, executionID string) ([]jobs.CrawledFile, error) {
	return s.store.ListCrawledFiles(ctx, executionID)
}

func (s *Service) findDuplicates(ctx context.Context, pattern string) *DuplicateWarning {
	matches, err := s.store.FindSimilar(ctx, pattern)
	if err != nil {
		// The finder never blocks creation.
		s.logger.Warn("duplicate detection failed", zap.Error(err))
		return nil
	}
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return &DuplicateWarning{JobIDs: ids, Pattern: pattern}
}
