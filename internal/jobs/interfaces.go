package jobs

import (
	"context"
	"time"
)

// ListFilter narrows job listings.
type ListFilter struct {
	Status Status
	Type   Type
	Limit  int
	Offset int
}

// Store persists jobs, pages, and crawled files. It is the single source of
// truth for state; all mutations to one job and its owned rows are atomic.
type Store interface {
	// Put inserts or replaces a job row.
	Put(ctx context.Context, job *Job) error
	// Get fetches a job by id.
	Get(ctx context.Context, id string) (*Job, error)
	// Delete removes a job and cascades to owned pages and crawled files.
	Delete(ctx context.Context, id string) error
	// Update runs a read-modify-write under optimistic concurrency. The
	// mutate callback sees the current row; conflicting writers retry a
	// bounded number of times before surfacing Conflict.
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)

	// ListByUser returns the user's jobs ordered by created_at descending.
	ListByUser(ctx context.Context, userID string, f ListFilter) ([]*Job, error)
	// FindCrawlerJobs returns the user's crawler jobs.
	FindCrawlerJobs(ctx context.Context, userID string, f ListFilter) ([]*Job, error)
	// FindActiveCrawlers returns every crawler with status=active, for
	// scheduler rehydration.
	FindActiveCrawlers(ctx context.Context) ([]*Job, error)
	// FindCrawlerExecutions returns a crawler's execution children, newest
	// first.
	FindCrawlerExecutions(ctx context.Context, crawlerID string) ([]*Job, error)
	// FindSimilar returns non-terminal jobs whose stored url_pattern matches
	// the given pattern exactly, within edit distance 2, or up to the query
	// string.
	FindSimilar(ctx context.Context, pattern string) ([]*Job, error)
	// ListChildren returns a job's direct children.
	ListChildren(ctx context.Context, parentID string) ([]*Job, error)

	// UpsertPages inserts or replaces page rows keyed by (job_id, page_number).
	UpsertPages(ctx context.Context, jobID string, pages []Page) error
	// GetPages lists a job's pages in page order.
	GetPages(ctx context.Context, jobID string, limit, offset int) ([]Page, error)
	// GetPage fetches one page row by its id.
	GetPage(ctx context.Context, pageID string) (*Page, error)
	// UpdatePage runs a read-modify-write on one page row.
	UpdatePage(ctx context.Context, pageID string, mutate func(*Page) error) (*Page, error)

	// PutCrawledFile inserts or replaces one crawled-file row.
	PutCrawledFile(ctx context.Context, f *CrawledFile) error
	// ListCrawledFiles returns an execution's files in download order.
	ListCrawledFiles(ctx context.Context, executionID string) ([]CrawledFile, error)
}

// BlobStore is the object-storage contract consumed by the pipelines.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (etag string, err error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	PresignedGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, bucket, key string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Stat(ctx context.Context, bucket, key string) (int64, error)
}

// Buckets used by the pipelines.
const (
	BucketUploads = "uploads"
	BucketPages   = "pages"
	BucketResults = "results"
	BucketCrawled = "crawled"
)
