package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/metrics"
	"github.com/geda-valentim/ingestify-to-ai/internal/pdf"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
	"github.com/geda-valentim/ingestify-to-ai/internal/urlnorm"
)

// handleExecuteCrawler runs one crawler execution under the retry engine.
// Scheduler triggers and manual runs land here; duplicate triggers for the
// same fire instant exit without side effects.
func (w *Worker) handleExecuteCrawler(ctx context.Context, task queue.Task) error {
	crawler, err := w.store.Get(ctx, task.JobID)
	if err != nil {
		if jobs.IsKind(err, jobs.KindNotFound) {
			// Crawler deleted while the trigger was in flight; discard.
			return nil
		}
		return err
	}
	if crawler.Status != jobs.StatusActive && task.ExecutionID == "" {
		// Paused or stopped crawlers drop pending triggers on dequeue.
		w.logger.Info("discarding trigger for inactive crawler",
			zap.String("crawler_id", crawler.ID), zap.String("status", string(crawler.Status)))
		return nil
	}

	execution, err := w.resolveExecution(ctx, crawler, task)
	if err != nil || execution == nil {
		return err
	}
	if jobs.IsTerminal(execution.Status) {
		return nil
	}
	if execution.Status == jobs.StatusQueued {
		if execution, err = w.store.Update(ctx, execution.ID, func(j *jobs.Job) error {
			if err := j.Transition(jobs.StatusProcessing); err != nil {
				return err
			}
			now := w.clock.Now()
			j.StartedAt = &now
			return nil
		}); err != nil {
			return err
		}
	}

	cfg := crawler.CrawlerConfig
	track := newTracker(w.store, w.emitter, w.clock, execution.ID, w.logger)

	runErr := w.retry.Run(ctx, execution.ID, cfg.Strategy(), func(ctx context.Context, step jobs.RetryStep) error {
		track.ResetAttempt()
		return w.crawlAttempt(ctx, crawler, execution.ID, step, track)
	})

	if runErr != nil {
		if jobs.IsKind(runErr, jobs.KindCancelled) {
			_, err := w.store.Update(ctx, execution.ID, func(j *jobs.Job) error {
				if jobs.IsTerminal(j.Status) {
					return nil
				}
				j.Status = jobs.StatusCancelled
				now := w.clock.Now()
				j.CompletedAt = &now
				return nil
			})
			if err != nil {
				return err
			}
			return runErr
		}
		updated, err := w.store.Update(ctx, execution.ID, func(j *jobs.Job) error {
			if jobs.IsTerminal(j.Status) {
				return nil
			}
			j.Status = jobs.StatusFailed
			j.Error = truncate(runErr.Error(), errTextLimit)
			now := w.clock.Now()
			j.CompletedAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		track.Final(ctx, updated.Progress)
		w.emitJobEvent(updated, map[string]any{"crawler_id": crawler.ID})
		return nil
	}

	files, err := w.store.ListCrawledFiles(ctx, execution.ID)
	if err != nil {
		return err
	}
	downloaded, failed, skipped := 0, 0, 0
	for _, f := range files {
		switch f.Status {
		case jobs.FileDownloaded:
			downloaded++
		case jobs.FileFailed:
			failed++
		case jobs.FileSkipped:
			skipped++
		}
	}

	updated, err := w.store.Update(ctx, execution.ID, func(j *jobs.Job) error {
		if jobs.IsTerminal(j.Status) {
			return nil
		}
		j.Status = jobs.StatusCompleted
		j.Progress = 100
		j.FilesDownloaded = downloaded
		j.FilesFailed = failed
		j.FilesSkipped = skipped
		now := w.clock.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	// Roll the execution outcome up into the parent crawler's counters.
	if _, err := w.store.Update(ctx, crawler.ID, func(j *jobs.Job) error {
		j.FilesDownloaded += downloaded
		j.FilesFailed += failed
		j.FilesSkipped += skipped
		return nil
	}); err != nil {
		w.logger.Warn("crawler counter rollup failed",
			zap.String("crawler_id", crawler.ID), zap.Error(err))
	}
	track.Final(ctx, 100)
	w.emitJobEvent(updated, map[string]any{
		"crawler_id":       crawler.ID,
		"files_downloaded": downloaded,
		"files_failed":     failed,
		"files_skipped":    skipped,
	})
	w.logger.Info("crawler execution completed",
		zap.String("crawler_id", crawler.ID),
		zap.String("execution_id", execution.ID),
		zap.Int("files_downloaded", downloaded),
		zap.Int("files_failed", failed))
	return nil
}

// resolveExecution finds or creates the execution row for this task. A
// duplicate trigger for a fire instant that already has an execution returns
// nil so the task exits with no side effects.
func (w *Worker) resolveExecution(ctx context.Context, crawler *jobs.Job, task queue.Task) (*jobs.Job, error) {
	if task.ExecutionID != "" {
		return w.store.Get(ctx, task.ExecutionID)
	}

	executions, err := w.store.FindCrawlerExecutions(ctx, crawler.ID)
	if err != nil {
		return nil, err
	}
	if task.FireInstant != nil {
		for _, e := range executions {
			if e.FireInstant != nil && e.FireInstant.Equal(*task.FireInstant) {
				w.logger.Info("duplicate trigger, execution already exists",
					zap.String("crawler_id", crawler.ID),
					zap.String("execution_id", e.ID),
					zap.Time("fire_instant", *task.FireInstant))
				return nil, nil
			}
		}
	}

	id, err := w.ids.NewID()
	if err != nil {
		return nil, err
	}
	now := w.clock.Now()
	execution := &jobs.Job{
		ID:          id,
		UserID:      crawler.UserID,
		Type:        jobs.TypeMain,
		Status:      jobs.StatusQueued,
		SourceType:  jobs.SourceCrawler,
		SourceURL:   crawler.SourceURL,
		Name:        fmt.Sprintf("%s - execution", crawler.Name),
		ParentID:    crawler.ID,
		CreatedAt:   now,
		FireInstant: task.FireInstant,
	}
	if err := w.store.Put(ctx, execution); err != nil {
		return nil, err
	}
	return execution, nil
}

// crawlAttempt runs the six-stage pipeline for one attempt with a fixed
// engine/proxy selection.
func (w *Worker) crawlAttempt(ctx context.Context, crawler *jobs.Job, executionID string, step jobs.RetryStep, track *tracker) error {
	cfg := crawler.CrawlerConfig
	var proxy *jobs.Proxy
	if step.UseProxy {
		proxy = cfg.Proxy
	}
	eng, err := w.engines(step.Engine, proxy)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			w.logger.Warn("engine close failed", zap.Error(closeErr))
		}
	}()

	tempDir, err := os.MkdirTemp("", "ingestify-crawl-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	run := &crawlRun{
		worker:      w,
		crawler:     crawler,
		cfg:         cfg,
		executionID: executionID,
		engine:      eng,
		track:       track,
		tempDir:     tempDir,
		seenHashes:  map[string]struct{}{},
	}
	return run.execute(ctx)
}

// crawlRun carries the state of one attempt through the pipeline stages.
type crawlRun struct {
	worker      *Worker
	crawler     *jobs.Job
	cfg         *jobs.CrawlerConfig
	executionID string
	engine      engine.Engine
	track       *tracker
	tempDir     string

	seenHashes map[string]struct{}

	pages      []crawledPage
	fileURLs   []string
	localFiles []localFile
	assetPaths map[jobs.AssetType][]string
	mergedPDF  []byte
}

type crawledPage struct {
	URL  string
	HTML []byte
}

type localFile struct {
	URL   string
	Path  string
	Size  int64
	CType string
}

func (r *crawlRun) execute(ctx context.Context) error {
	if err := r.discover(ctx); err != nil {
		return err
	}
	r.track.Set(ctx, 20, false)

	if err := r.download(ctx); err != nil {
		return err
	}
	r.track.Set(ctx, 70, false)

	if err := r.combinePDFs(); err != nil {
		return err
	}
	r.track.Set(ctx, 80, false)

	if err := r.publish(ctx); err != nil {
		return err
	}
	r.track.Set(ctx, 95, false)
	return nil
}

// discover fetches the seed (and, for full_website, follows links up to
// max_depth) and applies the filter rules: extension/asset restriction,
// external-host policy, and the URL safety list on every discovered URL.
func (r *crawlRun) discover(ctx context.Context) error {
	seed := r.crawler.SourceURL
	seedHost, err := hostOf(seed)
	if err != nil {
		return err
	}

	type queued struct {
		url   string
		depth int
	}
	frontier := []queued{{url: seed, depth: 0}}
	visited := map[string]struct{}{}
	var fileURLs []string

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := frontier[0]
		frontier = frontier[1:]

		norm, err := urlnorm.Normalize(next.url)
		if err != nil {
			continue
		}
		if _, dup := visited[norm]; dup {
			continue
		}
		visited[norm] = struct{}{}

		links, html, err := r.engine.CrawlPage(ctx, next.url, nil)
		if err != nil {
			if next.depth == 0 {
				return err
			}
			r.track.AddFile(0, true)
			continue
		}
		r.pages = append(r.pages, crawledPage{URL: next.url, HTML: html})
		r.track.AddPage()
		if next.depth == 0 {
			r.track.Set(ctx, 10, false)
		}

		for _, link := range links {
			if urlnorm.Validate(link) != nil {
				continue
			}
			linkHost, err := hostOf(link)
			if err != nil {
				continue
			}
			external := linkHost != seedHost
			if external && !r.cfg.FollowExternalLinks {
				continue
			}
			if r.wantsFile(link) {
				fileURLs = append(fileURLs, link)
				continue
			}
			if r.cfg.CrawlsMultiplePages() && !external && next.depth+1 <= r.cfg.MaxDepth {
				frontier = append(frontier, queued{url: link, depth: next.depth + 1})
			}
		}
	}

	r.fileURLs = dedupeByHash(fileURLs, r.seenHashes)
	return nil
}

// wantsFile reports whether the URL matches the configured file extensions
// or document asset type.
func (r *crawlRun) wantsFile(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	for _, want := range r.cfg.FileExtensions {
		want = strings.ToLower(want)
		if !strings.HasPrefix(want, ".") {
			want = "." + want
		}
		if ext == want {
			return true
		}
	}
	if r.cfg.Mode == jobs.ModePageWithAll {
		_, ok := jobs.ClassifyExtension(u.Path)
		return ok
	}
	return false
}

// download fetches the selected file URLs with bounded concurrency and the
// page assets when the mode asks for them. Every URL gets a CrawledFile row.
func (r *crawlRun) download(ctx context.Context) error {
	w := r.worker
	sem := make(chan struct{}, w.cfg.MaxConcurrentDownloads)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	filesDir := filepath.Join(r.tempDir, "files")
	if err := os.MkdirAll(filesDir, 0o750); err != nil {
		return fmt.Errorf("create files dir: %w", err)
	}

	for _, fileURL := range r.fileURLs {
		wg.Add(1)
		go func(fileURL string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			local, err := r.downloadOne(ctx, fileURL, filesDir)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.track.AddFile(0, true)
				r.recordFile(fileURL, nil, err)
				return
			}
			r.track.AddFile(local.Size, false)
			metrics.AddCrawlBytes(local.Size)
			r.localFiles = append(r.localFiles, *local)
		}(fileURL)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.cfg.DownloadsAssets() && len(r.pages) > 0 {
		assetsDir := filepath.Join(r.tempDir, "assets")
		all := map[jobs.AssetType][]string{}
		for _, page := range r.pages {
			found, err := r.engine.ExtractAssets(page.HTML, page.URL, r.cfg.AssetTypes)
			if err != nil {
				continue
			}
			for at, urls := range found {
				// The safety list applies to every discovered URL.
				safe := urls[:0]
				for _, u := range urls {
					if urlnorm.Validate(u) == nil {
						safe = append(safe, u)
					}
				}
				all[at] = append(all[at], dedupeByHash(safe, r.seenHashes)...)
			}
		}
		paths, err := r.engine.DownloadAssets(ctx, all, assetsDir)
		if err != nil {
			return err
		}
		r.assetPaths = paths
	}
	return nil
}

func (r *crawlRun) downloadOne(ctx context.Context, fileURL, dir string) (*localFile, error) {
	name := safeName(fileURL)
	local := filepath.Join(dir, name)
	f, err := os.Create(local)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	size, contentType, err := r.engine.Download(ctx, fileURL, f)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(local)
		return nil, err
	}
	if closeErr != nil {
		_ = os.Remove(local)
		return nil, fmt.Errorf("close temp file: %w", closeErr)
	}
	return &localFile{URL: fileURL, Path: local, Size: size, CType: contentType}, nil
}

// recordFile persists a failed CrawledFile row immediately;
// successful rows are written during publish when their blob paths exist.
func (r *crawlRun) recordFile(fileURL string, _ *localFile, cause error) {
	w := r.worker
	id, err := w.ids.NewID()
	if err != nil {
		return
	}
	row := &jobs.CrawledFile{
		ID:           id,
		ExecutionID:  r.executionID,
		URL:          fileURL,
		Filename:     safeName(fileURL),
		Status:       jobs.FileFailed,
		Error:        truncate(cause.Error(), errTextLimit),
		DownloadedAt: w.clock.Now(),
	}
	if t, ok := jobs.ClassifyExtension(fileURL); ok {
		row.FileType = string(t)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.PutCrawledFile(ctx, row); err != nil {
		w.logger.Warn("record crawled file failed", zap.Error(err))
	}
}

// combinePDFs merges downloaded PDFs in discovery order when pdf_handling
// asks for a combined artifact. Corrupt PDFs are skipped with a warning.
func (r *crawlRun) combinePDFs() error {
	if r.cfg.PDFHandling != jobs.PDFCombined && r.cfg.PDFHandling != jobs.PDFBoth {
		return nil
	}
	// Downloads finish in any order; walk fileURLs to keep discovery order.
	byURL := make(map[string]localFile, len(r.localFiles))
	for _, f := range r.localFiles {
		byURL[f.URL] = f
	}
	var sources []pdf.SourcePDF
	for _, fileURL := range r.fileURLs {
		f, ok := byURL[fileURL]
		if !ok || strings.ToLower(path.Ext(f.Path)) != ".pdf" {
			continue
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			continue
		}
		if _, err := r.worker.splitter.PageCount(data); err != nil {
			r.worker.logger.Warn("skipping corrupt pdf in merge",
				zap.String("url", f.URL), zap.Error(err))
			continue
		}
		sources = append(sources, pdf.SourcePDF{Name: filepath.Base(f.Path), Data: data})
	}
	if len(sources) == 0 {
		return nil
	}
	merged, err := r.worker.merger.Merge(sources)
	if err != nil {
		r.worker.logger.Warn("pdf merge failed, continuing without combined artifact", zap.Error(err))
		return nil
	}
	r.mergedPDF = merged
	return nil
}

// publish uploads pages, assets, files, and the merged PDF under the
// execution's crawled/ prefix and records the successful CrawledFile rows.
func (r *crawlRun) publish(ctx context.Context) error {
	w := r.worker
	prefix := r.executionID

	for _, page := range r.pages {
		key := fmt.Sprintf("%s/pages/%s.html", prefix, safeName(page.URL))
		if _, err := w.blobs.Put(ctx, jobs.BucketCrawled, key, page.HTML, "text/html; charset=utf-8"); err != nil {
			return err
		}
	}

	for at, paths := range r.assetPaths {
		for _, local := range paths {
			data, err := os.ReadFile(local)
			if err != nil {
				continue
			}
			key := fmt.Sprintf("%s/assets/%s/%s", prefix, at, filepath.Base(local))
			if _, err := w.blobs.Put(ctx, jobs.BucketCrawled, key, data, ""); err != nil {
				return err
			}
		}
	}

	for _, f := range r.localFiles {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("read downloaded file: %w", err)
		}
		key := fmt.Sprintf("%s/files/%s", prefix, filepath.Base(f.Path))
		if _, err := w.blobs.Put(ctx, jobs.BucketCrawled, key, data, f.CType); err != nil {
			return err
		}
		publicURL, err := w.blobs.PresignedGet(ctx, jobs.BucketCrawled, key, w.cfg.ResultTTL)
		if err != nil {
			publicURL = ""
		}
		id, err := w.ids.NewID()
		if err != nil {
			return err
		}
		row := &jobs.CrawledFile{
			ID:           id,
			ExecutionID:  r.executionID,
			URL:          f.URL,
			Filename:     filepath.Base(f.Path),
			MimeType:     f.CType,
			SizeBytes:    f.Size,
			Path:         key,
			PublicURL:    publicURL,
			Status:       jobs.FileDownloaded,
			DownloadedAt: w.clock.Now(),
		}
		if t, ok := jobs.ClassifyExtension(f.URL); ok {
			row.FileType = string(t)
		}
		if err := w.store.PutCrawledFile(ctx, row); err != nil {
			return err
		}
	}

	if len(r.mergedPDF) > 0 {
		key := fmt.Sprintf("%s/merged/combined.pdf", prefix)
		if _, err := w.blobs.Put(ctx, jobs.BucketCrawled, key, r.mergedPDF, "application/pdf"); err != nil {
			return err
		}
	}
	return nil
}

// dedupeByHash drops URLs whose normalized form was already seen in this
// attempt (each attempt starts with an empty set), keeping first occurrences.
func dedupeByHash(urls []string, seen map[string]struct{}) []string {
	var out []string
	for _, raw := range urls {
		norm, err := urlnorm.Normalize(raw)
		if err != nil {
			continue
		}
		sum := sha256.Sum256([]byte(norm))
		key := hex.EncodeToString(sum[:])
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, raw)
	}
	return out
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", jobs.Invalid("url", "unparseable url %q", rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

func safeName(rawURL string) string {
	u, err := url.Parse(rawURL)
	name := "index"
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		} else if u.Host != "" {
			name = u.Host
		}
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_", "%", "_", "?", "_", "&", "_", "#", "_", ":", "_")
	name = replacer.Replace(name)
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}
