// Package source provides input adapters that fetch a job's document bytes.
// Cloud-provider adapters (gdrive, dropbox) are external collaborators and
// register their implementations at wiring time.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/urlnorm"
)

// Fetcher retrieves the raw document for one source reference.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// Registry maps source types to their fetchers.
type Registry map[jobs.SourceType]Fetcher

// Fetch dispatches on the job's source type.
func (r Registry) Fetch(ctx context.Context, sourceType jobs.SourceType, source string) ([]byte, error) {
	f, ok := r[sourceType]
	if !ok {
		return nil, jobs.Invalid("source_type", "no adapter for source type %q", sourceType)
	}
	return f.Fetch(ctx, source)
}

// Blob reads previously uploaded documents out of the blob store; used for
// source_type=file where the API layer has already staged the upload.
type Blob struct {
	Store  jobs.BlobStore
	Bucket string
}

// Fetch reads the staged object; source is the object key.
func (b Blob) Fetch(ctx context.Context, source string) ([]byte, error) {
	data, err := b.Store.Get(ctx, b.Bucket, source)
	if err != nil {
		return nil, fmt.Errorf("fetch upload %s: %w", source, err)
	}
	return data, nil
}

// HTTP downloads documents from a URL, applying the crawler's host safety
// rules to the source.
type HTTP struct {
	Client  *http.Client
	Timeout time.Duration
}

// Fetch downloads the URL body.
func (h HTTP) Fetch(ctx context.Context, source string) ([]byte, error) {
	if err := urlnorm.Validate(source); err != nil {
		return nil, err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, jobs.Invalid("url", "build request for %q: %v", source, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, jobs.Transient(fmt.Sprintf("download %s", source), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return nil, jobs.Transient(fmt.Sprintf("download %s: status %d", source, resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, jobs.Fatal("http_4xx", fmt.Sprintf("download %s: status %d", source, resp.StatusCode), nil)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, jobs.Transient(fmt.Sprintf("read %s", source), err)
	}
	return data, nil
}
