// Package postgres provides the Postgres-backed job store.
//
// Schema (migrations are managed out of band):
//
//	CREATE TABLE jobs (
//	    id                UUID PRIMARY KEY,
//	    user_id           TEXT NOT NULL,
//	    job_type          TEXT NOT NULL,
//	    status            TEXT NOT NULL,
//	    progress          INT NOT NULL DEFAULT 0,
//	    source_type       TEXT NOT NULL,
//	    source_url        TEXT,
//	    url_pattern       TEXT,
//	    name              TEXT,
//	    parent_job_id     UUID,
//	    error             TEXT,
//	    created_at        TIMESTAMPTZ NOT NULL,
//	    started_at        TIMESTAMPTZ,
//	    completed_at      TIMESTAMPTZ,
//	    updated_at        TIMESTAMPTZ NOT NULL,
//	    total_pages       INT NOT NULL DEFAULT 0,
//	    pages_completed   INT NOT NULL DEFAULT 0,
//	    pages_failed      INT NOT NULL DEFAULT 0,
//	    minio_upload_path TEXT,
//	    minio_result_path TEXT,
//	    crawler_config    JSONB,
//	    crawler_schedule  JSONB,
//	    execution_state   JSONB,
//	    fire_instant      TIMESTAMPTZ
//	);
//	CREATE INDEX jobs_type_status_idx ON jobs (job_type, status);
//	CREATE INDEX jobs_user_created_idx ON jobs (user_id, created_at DESC);
//	CREATE INDEX jobs_parent_idx ON jobs (parent_job_id);
//
//	CREATE TABLE pages (
//	    id               UUID PRIMARY KEY,
//	    job_id           UUID NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
//	    page_number      INT NOT NULL,
//	    status           TEXT NOT NULL,
//	    minio_page_path  TEXT,
//	    markdown_content TEXT,
//	    minio_result_path TEXT,
//	    error            TEXT,
//	    retry_count      INT NOT NULL DEFAULT 0,
//	    updated_at       TIMESTAMPTZ NOT NULL,
//	    UNIQUE (job_id, page_number)
//	);
//
//	CREATE TABLE crawled_files (
//	    id            UUID PRIMARY KEY,
//	    execution_id  UUID NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
//	    url           TEXT NOT NULL,
//	    filename      TEXT NOT NULL,
//	    file_type     TEXT,
//	    mime_type     TEXT,
//	    size_bytes    BIGINT NOT NULL DEFAULT 0,
//	    minio_path    TEXT,
//	    public_url    TEXT,
//	    status        TEXT NOT NULL,
//	    error         TEXT,
//	    downloaded_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/urlnorm"
)

// maxConflictRetries bounds the optimistic-concurrency retry loop.
const maxConflictRetries = 3

// DB is the pool surface the store needs; pgxpool.Pool and pgxmock both
// satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Store implements jobs.Store on Postgres.
type Store struct {
	db    DB
	clock jobs.Clock
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New creates a Store connected via pgxpool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, clock: systemClock{}}, nil
}

// NewWithDB constructs a Store from an existing pool (primarily for testing).
func NewWithDB(db DB, clock jobs.Clock) *Store {
	if clock == nil {
		clock = systemClock{}
	}
	return &Store{db: db, clock: clock}
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

// executionState is the JSONB blob carrying crawler execution results.
type executionState struct {
	EngineUsed      jobs.Engine              `json:"engine_used,omitempty"`
	ProxyUsed       bool                     `json:"proxy_used,omitempty"`
	RetryHistory    []jobs.RetryHistoryEntry `json:"retry_history,omitempty"`
	FilesDownloaded int                      `json:"files_downloaded,omitempty"`
	FilesFailed     int                      `json:"files_failed,omitempty"`
	FilesSkipped    int                      `json:"files_skipped,omitempty"`
}

const jobColumns = `id, user_id, job_type, status, progress, source_type, source_url, url_pattern,
	name, parent_job_id, error, created_at, started_at, completed_at, updated_at,
	total_pages, pages_completed, pages_failed, minio_upload_path, minio_result_path,
	crawler_config, crawler_schedule, execution_state, fire_instant`

func marshalJob(j *jobs.Job) (configJSON, scheduleJSON, stateJSON []byte, err error) {
	if j.CrawlerConfig != nil {
		configJSON, err = json.Marshal(j.CrawlerConfig)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal crawler_config: %w", err)
		}
	}
	if j.CrawlerSchedule != nil {
		scheduleJSON, err = json.Marshal(j.CrawlerSchedule)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal crawler_schedule: %w", err)
		}
	}
	state := executionState{
		EngineUsed:      j.EngineUsed,
		ProxyUsed:       j.ProxyUsed,
		RetryHistory:    j.RetryHistory,
		FilesDownloaded: j.FilesDownloaded,
		FilesFailed:     j.FilesFailed,
		FilesSkipped:    j.FilesSkipped,
	}
	stateJSON, err = json.Marshal(state)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal execution_state: %w", err)
	}
	return configJSON, scheduleJSON, stateJSON, nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j                                   jobs.Job
		sourceURL, pattern, name, parent    *string
		errText, uploadPath, resultPath     *string
		configJSON, scheduleJSON, stateJSON []byte
	)
	err := row.Scan(
		&j.ID, &j.UserID, &j.Type, &j.Status, &j.Progress, &j.SourceType, &sourceURL, &pattern,
		&name, &parent, &errText, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
		&j.TotalPages, &j.PagesCompleted, &j.PagesFailed, &uploadPath, &resultPath,
		&configJSON, &scheduleJSON, &stateJSON, &j.FireInstant,
	)
	if err != nil {
		return nil, err
	}
	j.SourceURL = deref(sourceURL)
	j.URLPattern = deref(pattern)
	j.Name = deref(name)
	j.ParentID = deref(parent)
	j.Error = deref(errText)
	j.UploadPath = deref(uploadPath)
	j.ResultPath = deref(resultPath)
	if len(configJSON) > 0 {
		j.CrawlerConfig = &jobs.CrawlerConfig{}
		if err := json.Unmarshal(configJSON, j.CrawlerConfig); err != nil {
			return nil, fmt.Errorf("unmarshal crawler_config: %w", err)
		}
	}
	if len(scheduleJSON) > 0 {
		j.CrawlerSchedule = &jobs.CrawlerSchedule{}
		if err := json.Unmarshal(scheduleJSON, j.CrawlerSchedule); err != nil {
			return nil, fmt.Errorf("unmarshal crawler_schedule: %w", err)
		}
	}
	if len(stateJSON) > 0 {
		var state executionState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("unmarshal execution_state: %w", err)
		}
		j.EngineUsed = state.EngineUsed
		j.ProxyUsed = state.ProxyUsed
		j.RetryHistory = state.RetryHistory
		j.FilesDownloaded = state.FilesDownloaded
		j.FilesFailed = state.FilesFailed
		j.FilesSkipped = state.FilesSkipped
	}
	return &j, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Put inserts or replaces a job row.
func (s *Store) Put(ctx context.Context, job *jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	configJSON, scheduleJSON, stateJSON, err := marshalJob(job)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			url_pattern = EXCLUDED.url_pattern,
			name = EXCLUDED.name,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at,
			total_pages = EXCLUDED.total_pages,
			pages_completed = EXCLUDED.pages_completed,
			pages_failed = EXCLUDED.pages_failed,
			minio_upload_path = EXCLUDED.minio_upload_path,
			minio_result_path = EXCLUDED.minio_result_path,
			crawler_config = EXCLUDED.crawler_config,
			crawler_schedule = EXCLUDED.crawler_schedule,
			execution_state = EXCLUDED.execution_state,
			fire_instant = EXCLUDED.fire_instant`
	_, err = s.db.Exec(ctx, query,
		job.ID, job.UserID, job.Type, job.Status, job.Progress, job.SourceType,
		nullable(job.SourceURL), nullable(job.URLPattern), nullable(job.Name), nullable(job.ParentID),
		nullable(job.Error), createdAt, job.StartedAt, job.CompletedAt, now,
		job.TotalPages, job.PagesCompleted, job.PagesFailed,
		nullable(job.UploadPath), nullable(job.ResultPath),
		configJSON, scheduleJSON, stateJSON, job.FireInstant,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.NotFoundErr("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Delete removes a job and its subtree of child jobs; foreign keys cascade
// to pages and files.
func (s *Store) Delete(ctx context.Context, id string) error {
	// Child jobs reference the parent by id without a FK, so delete the
	// subtree explicitly before the root.
	tag, err := s.db.Exec(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM jobs WHERE id = $1
			UNION ALL
			SELECT j.id FROM jobs j JOIN subtree s ON j.parent_job_id = s.id
		)
		DELETE FROM jobs WHERE id IN (SELECT id FROM subtree)`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.NotFoundErr("job", id)
	}
	return nil
}

// Update runs a read-modify-write under optimistic concurrency keyed on
// updated_at, retrying a bounded number of times before surfacing Conflict.
func (s *Store) Update(ctx context.Context, id string, mutate func(*jobs.Job) error) (*jobs.Job, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		version := current.UpdatedAt

		if err := mutate(current); err != nil {
			return nil, err
		}
		configJSON, scheduleJSON, stateJSON, err := marshalJob(current)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		tag, err := s.db.Exec(ctx, `
			UPDATE jobs SET
				status = $1, progress = $2, url_pattern = $3, name = $4, error = $5,
				started_at = $6, completed_at = $7, updated_at = $8,
				total_pages = $9, pages_completed = $10, pages_failed = $11,
				minio_upload_path = $12, minio_result_path = $13,
				crawler_config = $14, crawler_schedule = $15, execution_state = $16,
				fire_instant = $17
			WHERE id = $18 AND updated_at = $19`,
			current.Status, current.Progress, nullable(current.URLPattern), nullable(current.Name),
			nullable(current.Error), current.StartedAt, current.CompletedAt, now,
			current.TotalPages, current.PagesCompleted, current.PagesFailed,
			nullable(current.UploadPath), nullable(current.ResultPath),
			configJSON, scheduleJSON, stateJSON, current.FireInstant,
			id, version,
		)
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 1 {
			current.UpdatedAt = now
			return current, nil
		}
	}
	return nil, jobs.ConflictErr(fmt.Sprintf("job %s: concurrent update", id), nil)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// ListByUser returns the user's jobs ordered by created_at descending.
func (s *Store) ListByUser(ctx context.Context, userID string, f jobs.ListFilter) ([]*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []any{userID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryJobs(ctx, query, args...)
}

// FindCrawlerJobs returns the user's crawler jobs.
func (s *Store) FindCrawlerJobs(ctx context.Context, userID string, f jobs.ListFilter) ([]*jobs.Job, error) {
	f.Type = jobs.TypeCrawler
	return s.ListByUser(ctx, userID, f)
}

// FindActiveCrawlers returns every active crawler; served by the
// (job_type, status) composite index.
func (s *Store) FindActiveCrawlers(ctx context.Context) ([]*jobs.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_type = $1 AND status = $2 ORDER BY created_at`,
		jobs.TypeCrawler, jobs.StatusActive)
}

// FindCrawlerExecutions returns a crawler's execution children, newest first.
func (s *Store) FindCrawlerExecutions(ctx context.Context, crawlerID string) ([]*jobs.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_job_id = $1 ORDER BY created_at DESC`,
		crawlerID)
}

// ListChildren returns a job's direct children in creation order.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*jobs.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_job_id = $1 ORDER BY created_at`,
		parentID)
}

// FindSimilar returns non-terminal jobs whose pattern is similar to the
// given one. Non-terminal rows with a pattern are few, so the similarity
// check runs here rather than in SQL.
func (s *Store) FindSimilar(ctx context.Context, pattern string) ([]*jobs.Job, error) {
	candidates, err := s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE url_pattern IS NOT NULL
		  AND status NOT IN ('completed', 'failed', 'cancelled', 'stopped')
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	var out []*jobs.Job
	for _, j := range candidates {
		if urlnorm.SimilarPatterns(j.URLPattern, pattern) {
			out = append(out, j)
		}
	}
	return out, nil
}

// UpsertPages inserts or replaces page rows in one transaction.
func (s *Store) UpsertPages(ctx context.Context, jobID string, pages []jobs.Page) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert pages: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, p := range pages {
		_, err := tx.Exec(ctx, `
			INSERT INTO pages (id, job_id, page_number, status, minio_page_path,
				markdown_content, minio_result_path, error, retry_count, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (job_id, page_number) DO UPDATE SET
				id = EXCLUDED.id,
				status = EXCLUDED.status,
				minio_page_path = EXCLUDED.minio_page_path,
				markdown_content = EXCLUDED.markdown_content,
				minio_result_path = EXCLUDED.minio_result_path,
				error = EXCLUDED.error,
				retry_count = EXCLUDED.retry_count,
				updated_at = EXCLUDED.updated_at`,
			p.ID, jobID, p.PageNumber, p.Status, nullable(p.PagePath),
			nullable(p.Markdown), nullable(p.ResultPath), nullable(p.Error),
			p.RetryCount, s.clock.Now(),
		)
		if err != nil {
			return fmt.Errorf("upsert page %d: %w", p.PageNumber, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert pages: %w", err)
	}
	return nil
}

const pageColumns = `id, job_id, page_number, status, minio_page_path, markdown_content,
	minio_result_path, error, retry_count, updated_at`

func scanPage(row pgx.Row) (*jobs.Page, error) {
	var (
		p                                     jobs.Page
		pagePath, markdown, resultPath, errTx *string
	)
	err := row.Scan(&p.ID, &p.JobID, &p.PageNumber, &p.Status, &pagePath, &markdown,
		&resultPath, &errTx, &p.RetryCount, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.PagePath = deref(pagePath)
	p.Markdown = deref(markdown)
	p.ResultPath = deref(resultPath)
	p.Error = deref(errTx)
	return &p, nil
}

// GetPages lists a job's pages in page order.
func (s *Store) GetPages(ctx context.Context, jobID string, limit, offset int) ([]jobs.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE job_id = $1 ORDER BY page_number`
	args := []any{jobID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()
	var out []jobs.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}

// GetPage fetches one page row by id.
func (s *Store) GetPage(ctx context.Context, pageID string) (*jobs.Page, error) {
	row := s.db.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1`, pageID)
	p, err := scanPage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.NotFoundErr("page", pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	return p, nil
}

// UpdatePage runs a read-modify-write on one page row under optimistic
// concurrency.
func (s *Store) UpdatePage(ctx context.Context, pageID string, mutate func(*jobs.Page) error) (*jobs.Page, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		current, err := s.GetPage(ctx, pageID)
		if err != nil {
			return nil, err
		}
		version := current.UpdatedAt
		if err := mutate(current); err != nil {
			return nil, err
		}
		now := s.clock.Now()
		tag, err := s.db.Exec(ctx, `
			UPDATE pages SET status = $1, minio_page_path = $2, markdown_content = $3,
				minio_result_path = $4, error = $5, retry_count = $6, updated_at = $7
			WHERE id = $8 AND updated_at = $9`,
			current.Status, nullable(current.PagePath), nullable(current.Markdown),
			nullable(current.ResultPath), nullable(current.Error), current.RetryCount, now,
			pageID, version,
		)
		if err != nil {
			return nil, fmt.Errorf("update page: %w", err)
		}
		if tag.RowsAffected() == 1 {
			current.UpdatedAt = now
			return current, nil
		}
	}
	return nil, jobs.ConflictErr(fmt.Sprintf("page %s: concurrent update", pageID), nil)
}

// PutCrawledFile inserts or replaces one crawled-file row.
func (s *Store) PutCrawledFile(ctx context.Context, f *jobs.CrawledFile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO crawled_files (id, execution_id, url, filename, file_type, mime_type,
			size_bytes, minio_path, public_url, status, error, downloaded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			minio_path = EXCLUDED.minio_path,
			public_url = EXCLUDED.public_url,
			status = EXCLUDED.status,
			error = EXCLUDED.error`,
		f.ID, f.ExecutionID, f.URL, f.Filename, nullable(f.FileType), nullable(f.MimeType),
		f.SizeBytes, nullable(f.Path), nullable(f.PublicURL), f.Status, nullable(f.Error),
		f.DownloadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert crawled file: %w", err)
	}
	return nil
}

// ListCrawledFiles returns an execution's files in download order.
func (s *Store) ListCrawledFiles(ctx context.Context, executionID string) ([]jobs.CrawledFile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, url, filename, file_type, mime_type, size_bytes,
			minio_path, public_url, status, error, downloaded_at
		FROM crawled_files WHERE execution_id = $1 ORDER BY downloaded_at, id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("query crawled files: %w", err)
	}
	defer rows.Close()
	var out []jobs.CrawledFile
	for rows.Next() {
		var (
			f                        jobs.CrawledFile
			fileType, mimeType, path *string
			publicURL, errText       *string
		)
		err := rows.Scan(&f.ID, &f.ExecutionID, &f.URL, &f.Filename, &fileType, &mimeType,
			&f.SizeBytes, &path, &publicURL, &f.Status, &errText, &f.DownloadedAt)
		if err != nil {
			return nil, fmt.Errorf("scan crawled file: %w", err)
		}
		f.FileType = deref(fileType)
		f.MimeType = deref(mimeType)
		f.Path = deref(path)
		f.PublicURL = deref(publicURL)
		f.Error = deref(errText)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawled files: %w", err)
	}
	return out, nil
}

var _ jobs.Store = (*Store)(nil)
