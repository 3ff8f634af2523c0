package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	blobmemory "github.com/geda-valentim/ingestify-to-ai/internal/blob/memory"
	"github.com/geda-valentim/ingestify-to-ai/internal/convert"
	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	"github.com/geda-valentim/ingestify-to-ai/internal/index"
	indexmemory "github.com/geda-valentim/ingestify-to-ai/internal/index/memory"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/pdf"
	queuememory "github.com/geda-valentim/ingestify-to-ai/internal/queue/memory"
	"github.com/geda-valentim/ingestify-to-ai/internal/retry"
	"github.com/geda-valentim/ingestify-to-ai/internal/source"
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

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// fakeSplitter treats the document as newline-separated page texts.
type fakeSplitter struct{}

func (fakeSplitter) pages(data []byte) []string {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func (s fakeSplitter) PageCount(data []byte) (int, error) {
	if string(data) == "corrupt" {
		return 0, jobs.Fatal("corrupt_input", "unreadable document", nil)
	}
	return len(s.pages(data)), nil
}

func (s fakeSplitter) Split(data []byte) ([][]byte, error) {
	var out [][]byte
	for _, page := range s.pages(data) {
		out = append(out, []byte(page))
	}
	return out, nil
}

func (s fakeSplitter) ExtractPage(data []byte, n int) ([]byte, error) {
	pages := s.pages(data)
	if n < 1 || n > len(pages) {
		return nil, jobs.Invalid("page_number", "page %d out of range", n)
	}
	return []byte(pages[n-1]), nil
}

func (fakeSplitter) Merge(sources []pdf.SourcePDF) ([]byte, error) {
	var parts []string
	for _, s := range sources {
		parts = append(parts, string(s.Data))
	}
	return []byte(strings.Join(parts, "\n")), nil
}

// fakeConverter converts page text to markdown, with scriptable failures
// keyed by page content.
type fakeConverter struct {
	mu       sync.Mutex
	failures map[string]int // content -> remaining failures
}

func (c *fakeConverter) failOnce(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = map[string]int{}
	}
	c.failures[content]++
}

func (c *fakeConverter) Convert(_ context.Context, data []byte, _ string) (convert.Result, error) {
	content := string(data)
	c.mu.Lock()
	remaining := c.failures[content]
	if remaining > 0 {
		c.failures[content]--
	}
	c.mu.Unlock()
	if remaining > 0 {
		return convert.Result{}, convert.CorruptInput(fmt.Errorf("scripted failure for %q", content))
	}
	return convert.Result{
		Markdown: "# " + content,
		Meta:     convert.Meta{Pages: 1, Words: len(strings.Fields(content)), Format: "pdf"},
	}, nil
}

type env struct {
	store   *storememory.Store
	blobs   *blobmemory.BlobStore
	conv    *queuememory.Queue
	crawl   *queuememory.Queue
	sink    *indexmemory.Sink
	writer  *index.Writer
	clock   *fakeClock
	ids     *seqIDs
	convert *fakeConverter
	worker  *Worker
}

func newEnv(t *testing.T, engines engine.Factory) *env {
	t.Helper()
	e := &env{
		store:   nil,
		blobs:   blobmemory.New(),
		conv:    queuememory.New(256),
		crawl:   queuememory.New(256),
		sink:    indexmemory.New(),
		clock:   &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
		ids:     &seqIDs{},
		convert: &fakeConverter{},
	}
	e.store = storememory.New(e.clock)
	e.writer = index.NewWriter(index.WriterConfig{MaxBatchDocs: 1, MaxBatchWait: 10 * time.Millisecond}, e.sink)
	t.Cleanup(func() { _ = e.writer.Close(context.Background()) })

	retryEngine := retry.New(e.store, e.clock, e.writer, nil)

	splitter := fakeSplitter{}
	e.worker = New(Deps{
		Store:           e.store,
		Blobs:           e.blobs,
		Queue:           e.conv,
		ConversionQueue: e.conv,
		Splitter:        splitter,
		Merger:          splitter,
		Converter:       e.convert,
		Sources:         sourcesFor(e.blobs),
		Engines:         engines,
		Retry:           retryEngine,
		Emitter:         e.writer,
		Clock:           e.clock,
		IDs:             e.ids,
	}, Config{
		MaxPagesPerDocument: 5,
		MergeRetryDelay:     time.Millisecond,
		MergeGrace:          time.Hour,
	})
	return e
}

// crawlWorker returns a worker wired to the crawler queue of the same env.
func (e *env) crawlWorker(t *testing.T, engines engine.Factory) *Worker {
	t.Helper()
	retryEngine := retry.New(e.store, e.clock, e.writer, nil)
	splitter := fakeSplitter{}
	return New(Deps{
		Store:           e.store,
		Blobs:           e.blobs,
		Queue:           e.crawl,
		ConversionQueue: e.conv,
		Splitter:        splitter,
		Merger:          splitter,
		Converter:       e.convert,
		Sources:         sourcesFor(e.blobs),
		Engines:         engines,
		Retry:           retryEngine,
		Emitter:         e.writer,
		Clock:           e.clock,
		IDs:             e.ids,
	}, Config{
		MaxPagesPerDocument:    5,
		MergeRetryDelay:        time.Millisecond,
		MergeGrace:             time.Hour,
		MaxConcurrentDownloads: 2,
	})
}

func sourcesFor(blobs jobs.BlobStore) source.Registry {
	return source.Registry{
		jobs.SourceFile: source.Blob{Store: blobs, Bucket: jobs.BucketUploads},
	}
}

// drain processes queued conversion tasks until the queue stays empty.
func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		if e.conv.Len() == 0 {
			return
		}
		require.NoError(t, e.worker.ProcessOne(ctx))
	}
	t.Fatal("conversion queue did not drain")
}

func (e *env) uploadMain(t *testing.T, content string) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	_, err := e.blobs.Put(ctx, jobs.BucketUploads, "main-1/input.pdf", []byte(content), "application/pdf")
	require.NoError(t, err)
	main := &jobs.Job{
		ID:         "main-1",
		UserID:     "u1",
		Type:       jobs.TypeMain,
		Status:     jobs.StatusQueued,
		SourceType: jobs.SourceFile,
		UploadPath: "main-1/input.pdf",
	}
	require.NoError(t, e.store.Put(ctx, main))
	return main
}

// noopEngine satisfies engine.Engine for tests that never crawl.
type noopEngine struct{}

func (noopEngine) CrawlPage(context.Context, string, []string) ([]string, []byte, error) {
	return nil, nil, nil
}
func (noopEngine) Download(context.Context, string, io.Writer) (int64, string, error) {
	return 0, "", nil
}
func (noopEngine) ExtractAssets([]byte, string, []jobs.AssetType) (map[jobs.AssetType][]string, error) {
	return nil, nil
}
func (noopEngine) DownloadAssets(context.Context, map[jobs.AssetType][]string, string) (map[jobs.AssetType][]string, error) {
	return nil, nil
}
func (noopEngine) Close() error { return nil }

func noopFactory(jobs.Engine, *jobs.Proxy) (engine.Engine, error) {
	return noopEngine{}, nil
}
