package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

// handleConvertPage converts one page blob to markdown and rolls the result
// up into the parent's counters and progress.
func (w *Worker) handleConvertPage(ctx context.Context, task queue.Task) error {
	page, err := w.store.GetPage(ctx, task.PageID)
	if err != nil {
		return err
	}
	if jobs.IsTerminal(page.Status) {
		return nil
	}
	main, err := w.store.Get(ctx, page.JobID)
	if err != nil {
		return err
	}
	if main.Status == jobs.StatusCancelled {
		_, err := w.store.UpdatePage(ctx, page.ID, func(p *jobs.Page) error {
			p.Status = jobs.StatusCancelled
			return nil
		})
		return err
	}

	if _, err := w.store.UpdatePage(ctx, page.ID, func(p *jobs.Page) error {
		return p.Transition(jobs.StatusProcessing)
	}); err != nil {
		return err
	}

	data, err := w.blobs.Get(ctx, jobs.BucketPages, page.PagePath)
	if err != nil {
		return w.failPage(ctx, page, err)
	}
	result, err := w.converter.Convert(ctx, data, "pdf")
	if err != nil {
		if jobs.IsKind(err, jobs.KindTransient) {
			// Surface to the dispatcher's requeue loop without burning the page.
			if _, resetErr := w.store.UpdatePage(ctx, page.ID, func(p *jobs.Page) error {
				p.Status = jobs.StatusQueued
				return nil
			}); resetErr != nil {
				return resetErr
			}
			return err
		}
		return w.failPage(ctx, page, err)
	}

	markdown := result.Markdown
	resultPath := ""
	if len(markdown) > w.cfg.InlineMarkdownMaxBytes {
		// Long content lives in the blob store; the row keeps the pointer.
		resultPath = fmt.Sprintf("%s/page_%04d.md", main.ID, page.PageNumber)
		if _, err := w.blobs.Put(ctx, jobs.BucketResults, resultPath, []byte(markdown), "text/markdown"); err != nil {
			return jobs.Transient("store page markdown", err)
		}
		markdown = ""
	}

	if _, err := w.store.UpdatePage(ctx, page.ID, func(p *jobs.Page) error {
		p.Status = jobs.StatusCompleted
		p.Markdown = markdown
		p.ResultPath = resultPath
		p.Error = ""
		return nil
	}); err != nil {
		return err
	}
	w.logger.Info("page converted",
		zap.String("job_id", main.ID), zap.Int("page", page.PageNumber))
	return w.rollupPages(ctx, main.ID)
}

// failPage marks the page failed; page failures never fail the main job.
func (w *Worker) failPage(ctx context.Context, page *jobs.Page, cause error) error {
	if jobs.IsKind(cause, jobs.KindTransient) {
		return cause
	}
	if _, err := w.store.UpdatePage(ctx, page.ID, func(p *jobs.Page) error {
		p.Status = jobs.StatusFailed
		p.Error = truncate(cause.Error(), errTextLimit)
		return nil
	}); err != nil {
		return err
	}
	w.logger.Warn("page conversion failed",
		zap.String("job_id", page.JobID), zap.Int("page", page.PageNumber), zap.Error(cause))
	return w.rollupPages(ctx, page.JobID)
}

// rollupPages recounts page outcomes onto the main job and enqueues merge
// once every page is terminal.
func (w *Worker) rollupPages(ctx context.Context, mainID string) error {
	pages, err := w.store.GetPages(ctx, mainID, 0, 0)
	if err != nil {
		return err
	}
	latest := latestPages(pages)
	completed, failed, terminal := 0, 0, 0
	for _, p := range latest {
		switch p.Status {
		case jobs.StatusCompleted:
			completed++
			terminal++
		case jobs.StatusFailed, jobs.StatusCancelled:
			failed++
			terminal++
		}
	}
	total := len(latest)

	if _, err := w.store.Update(ctx, mainID, func(j *jobs.Job) error {
		if jobs.IsTerminal(j.Status) && j.Status != jobs.StatusCompleted {
			return nil
		}
		j.PagesCompleted = completed
		j.PagesFailed = failed
		if j.TotalPages > 0 {
			progress := 20 + terminal*70/j.TotalPages
			if progress > j.Progress {
				j.Progress = progress
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if total > 0 && terminal == total {
		if err := w.convQueue.Enqueue(ctx, queue.Task{
			Kind:  queue.KindMerge,
			JobID: mainID,
		}); err != nil {
			return jobs.Transient("enqueue merge", err)
		}
	}
	return nil
}

// latestPages collapses retried page rows down to one row per page number,
// preferring the newest row.
func latestPages(pages []jobs.Page) []jobs.Page {
	byNumber := map[int]jobs.Page{}
	for _, p := range pages {
		current, ok := byNumber[p.PageNumber]
		if !ok || p.UpdatedAt.After(current.UpdatedAt) {
			byNumber[p.PageNumber] = p
		}
	}
	out := make([]jobs.Page, 0, len(byNumber))
	for _, p := range byNumber {
		out = append(out, p)
	}
	return out
}

// pageMarkdown resolves a page's content whether stored inline or in the
// blob store.
func (w *Worker) pageMarkdown(ctx context.Context, p jobs.Page) (string, error) {
	if p.ResultPath == "" {
		return p.Markdown, nil
	}
	data, err := w.blobs.Get(ctx, jobs.BucketResults, p.ResultPath)
	if err != nil {
		return "", fmt.Errorf("load page %d markdown: %w", p.PageNumber, err)
	}
	return string(data), nil
}
