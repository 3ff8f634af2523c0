// Package jobs defines the job hierarchy shared across subsystems.
//
// A single Job record carries every pipeline variant, discriminated by Type:
// a main conversion job with its split/page/merge children, or a crawler job
// with its execution children. Crawler specifics live in two JSON value
// objects (CrawlerConfig, CrawlerSchedule) attached to the row.
package jobs

import "time"

// Type discriminates the job variants stored in the single jobs table.
type Type string

// Job types.
const (
	TypeMain    Type = "main"
	TypeSplit   Type = "split"
	TypePage    Type = "page"
	TypeMerge   Type = "merge"
	TypeCrawler Type = "crawler"
)

// Status represents the lifecycle state of a job.
type Status string

// Job status values persisted in the job store. Active and Paused apply to
// crawler jobs only; Stopped is the crawler terminal state.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusStopped    Status = "stopped"
)

// SourceType identifies where a job's input document comes from.
type SourceType string

// Source types.
const (
	SourceFile    SourceType = "file"
	SourceURL     SourceType = "url"
	SourceGDrive  SourceType = "gdrive"
	SourceDropbox SourceType = "dropbox"
	SourceCrawler SourceType = "crawler"
)

// Job is the metadata persisted for every pipeline node.
type Job struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Type       Type       `json:"job_type"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	SourceType SourceType `json:"source_type"`
	SourceURL  string     `json:"source_url,omitempty"`
	URLPattern string     `json:"url_pattern,omitempty"`
	Name       string     `json:"name,omitempty"`
	ParentID   string     `json:"parent_job_id,omitempty"`
	Error      string     `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	TotalPages     int `json:"total_pages"`
	PagesCompleted int `json:"pages_completed"`
	PagesFailed    int `json:"pages_failed"`

	UploadPath string `json:"minio_upload_path,omitempty"`
	ResultPath string `json:"minio_result_path,omitempty"`

	// Crawler jobs only; nil for every other type.
	CrawlerConfig   *CrawlerConfig   `json:"crawler_config,omitempty"`
	CrawlerSchedule *CrawlerSchedule `json:"crawler_schedule,omitempty"`

	// Crawler execution results.
	EngineUsed      Engine              `json:"engine_used,omitempty"`
	ProxyUsed       bool                `json:"proxy_used,omitempty"`
	RetryHistory    []RetryHistoryEntry `json:"retry_history,omitempty"`
	FilesDownloaded int                 `json:"files_downloaded,omitempty"`
	FilesFailed     int                 `json:"files_failed,omitempty"`
	FilesSkipped    int                 `json:"files_skipped,omitempty"`

	// FireInstant is the scheduler instant an execution was started for.
	// Duplicate triggers for the same (crawler, instant) are detected on it.
	FireInstant *time.Time `json:"fire_instant,omitempty"`
}

// Validate enforces the structural invariants on a job record.
func (j *Job) Validate() error {
	switch j.Type {
	case TypeMain, TypeSplit, TypePage, TypeMerge, TypeCrawler:
	default:
		return Invalid("job_type", "unknown job type %q", j.Type)
	}
	if j.Type == TypeCrawler {
		if j.CrawlerConfig == nil {
			return Invalid("crawler_config", "crawler job requires crawler_config")
		}
		if err := j.CrawlerConfig.Validate(); err != nil {
			return err
		}
		if j.CrawlerSchedule != nil {
			if err := j.CrawlerSchedule.Validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if j.CrawlerConfig != nil || j.CrawlerSchedule != nil {
		return Invalid("crawler_config", "non-crawler job must not carry crawler fields")
	}
	return nil
}

// Page is a single page row owned by a main job. ID doubles as the page job
// id used by the conversion queue; RetryPage issues a fresh row with a new ID.
type Page struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	PageNumber int       `json:"page_number"`
	Status     Status    `json:"status"`
	PagePath   string    `json:"minio_page_path,omitempty"`
	Markdown   string    `json:"markdown_content,omitempty"`
	ResultPath string    `json:"minio_result_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MaxPageRetries caps RetryPage attempts per original page row.
const MaxPageRetries = 3

// FileStatus is the terminal state of a crawled file.
type FileStatus string

// Crawled file statuses.
const (
	FileDownloaded FileStatus = "downloaded"
	FileFailed     FileStatus = "failed"
	FileSkipped    FileStatus = "skipped"
)

// CrawledFile records one URL handled during a crawler execution.
type CrawledFile struct {
	ID           string     `json:"id"`
	ExecutionID  string     `json:"execution_id"`
	URL          string     `json:"url"`
	Filename     string     `json:"filename"`
	FileType     string     `json:"file_type,omitempty"`
	MimeType     string     `json:"mime_type,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	Path         string     `json:"minio_path,omitempty"`
	PublicURL    string     `json:"public_url,omitempty"`
	Status       FileStatus `json:"status"`
	Error        string     `json:"error,omitempty"`
	DownloadedAt time.Time  `json:"downloaded_at"`
}

// AttemptStatus is the outcome of one retry-engine attempt.
type AttemptStatus string

// Attempt outcomes.
const (
	AttemptSuccess   AttemptStatus = "success"
	AttemptFailed    AttemptStatus = "failed"
	AttemptCancelled AttemptStatus = "cancelled"
)

// ErrorType classifies a failed crawl attempt.
type ErrorType string

// Attempt error classes.
const (
	ErrTimeout    ErrorType = "timeout"
	ErrHTTP4xx    ErrorType = "http_4xx"
	ErrHTTP5xx    ErrorType = "http_5xx"
	ErrJavascript ErrorType = "javascript_error"
	ErrProxy      ErrorType = "proxy_error"
	ErrOther      ErrorType = "other"
)

// RetryHistoryEntry is one row of the per-execution attempt log.
type RetryHistoryEntry struct {
	Attempt         int           `json:"attempt"`
	Engine          Engine        `json:"engine"`
	UseProxy        bool          `json:"use_proxy"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	Status          AttemptStatus `json:"status"`
	ErrorType       ErrorType     `json:"error_type,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	DurationSeconds float64       `json:"duration_seconds"`
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
