package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

// handleSplit reads the uploaded document, splits it into per-page PDFs,
// creates page rows and one ConvertPage task per page, and gates a Merge task
// behind them.
func (w *Worker) handleSplit(ctx context.Context, task queue.Task) error {
	main, err := w.store.Get(ctx, task.JobID)
	if err != nil {
		return err
	}
	if jobs.IsTerminal(main.Status) {
		return nil
	}
	if main.Status == jobs.StatusQueued {
		if main, err = w.store.Update(ctx, main.ID, func(j *jobs.Job) error {
			if err := j.Transition(jobs.StatusProcessing); err != nil {
				return err
			}
			now := w.clock.Now()
			j.StartedAt = &now
			j.Progress = 10
			return nil
		}); err != nil {
			return err
		}
	}

	splitJob, err := w.createChild(ctx, main, jobs.TypeSplit, "split")
	if err != nil {
		return err
	}

	source := main.UploadPath
	if source == "" {
		source = main.SourceURL
	}
	data, err := w.sources.Fetch(ctx, main.SourceType, source)
	if err != nil {
		return w.failSplit(ctx, main.ID, splitJob.ID, err)
	}
	w.setMainProgress(ctx, main.ID, 20)

	pageCount, err := w.splitter.PageCount(data)
	if err != nil {
		return w.failSplit(ctx, main.ID, splitJob.ID, err)
	}
	if pageCount == 0 {
		return w.failSplit(ctx, main.ID, splitJob.ID,
			jobs.Fatal("corrupt_input", "document has no pages", nil))
	}
	if pageCount > w.cfg.MaxPagesPerDocument {
		return w.failSplit(ctx, main.ID, splitJob.ID,
			jobs.Invalid("max_pages", "document has %d pages, limit is %d", pageCount, w.cfg.MaxPagesPerDocument))
	}

	pageBlobs, err := w.splitter.Split(data)
	if err != nil {
		return w.failSplit(ctx, main.ID, splitJob.ID, err)
	}

	pages := make([]jobs.Page, 0, len(pageBlobs))
	for i, blob := range pageBlobs {
		pageNum := i + 1
		key := fmt.Sprintf("%s/page_%04d.pdf", main.ID, pageNum)
		if _, err := w.blobs.Put(ctx, jobs.BucketPages, key, blob, "application/pdf"); err != nil {
			return w.failSplit(ctx, main.ID, splitJob.ID, err)
		}
		pageID, err := w.ids.NewID()
		if err != nil {
			return err
		}
		pages = append(pages, jobs.Page{
			ID:         pageID,
			JobID:      main.ID,
			PageNumber: pageNum,
			Status:     jobs.StatusQueued,
			PagePath:   key,
		})
	}
	if err := w.store.UpsertPages(ctx, main.ID, pages); err != nil {
		return err
	}
	if _, err := w.store.Update(ctx, main.ID, func(j *jobs.Job) error {
		j.TotalPages = pageCount
		return nil
	}); err != nil {
		return err
	}

	for _, page := range pages {
		if err := w.convQueue.Enqueue(ctx, queue.Task{
			Kind:   queue.KindConvertPage,
			JobID:  main.ID,
			PageID: page.ID,
		}); err != nil {
			return jobs.Transient("enqueue page conversion", err)
		}
	}
	// The merge task polls until every page is terminal.
	if err := w.convQueue.Enqueue(ctx, queue.Task{
		Kind:      queue.KindMerge,
		JobID:     main.ID,
		NotBefore: w.clock.Now().Add(w.cfg.MergeRetryDelay),
	}); err != nil {
		return jobs.Transient("enqueue merge", err)
	}

	if err := w.completeChild(ctx, splitJob.ID); err != nil {
		return err
	}
	w.logger.Info("split completed",
		zap.String("job_id", main.ID), zap.Int("pages", pageCount))
	return nil
}

// failSplit marks both the split child and the main job failed; split
// failures are fatal for the whole pipeline.
func (w *Worker) failSplit(ctx context.Context, mainID, splitID string, cause error) error {
	msg := truncate(cause.Error(), errTextLimit)
	if _, err := w.store.Update(ctx, splitID, func(j *jobs.Job) error {
		j.Status = jobs.StatusFailed
		j.Error = msg
		now := w.clock.Now()
		j.CompletedAt = &now
		return nil
	}); err != nil {
		w.logger.Error("mark split failed", zap.String("job_id", splitID), zap.Error(err))
	}
	if jobs.IsKind(cause, jobs.KindTransient) {
		// Let the dispatcher requeue rather than burying the main job.
		return cause
	}
	main, err := w.store.Update(ctx, mainID, func(j *jobs.Job) error {
		if jobs.IsTerminal(j.Status) {
			return nil
		}
		j.Status = jobs.StatusFailed
		j.Error = msg
		now := w.clock.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	w.emitJobEvent(main, map[string]any{"stage": "split"})
	return nil
}

func (w *Worker) createChild(ctx context.Context, parent *jobs.Job, jobType jobs.Type, name string) (*jobs.Job, error) {
	id, err := w.ids.NewID()
	if err != nil {
		return nil, err
	}
	now := w.clock.Now()
	child := &jobs.Job{
		ID:         id,
		UserID:     parent.UserID,
		Type:       jobType,
		Status:     jobs.StatusProcessing,
		SourceType: parent.SourceType,
		Name:       name,
		ParentID:   parent.ID,
		CreatedAt:  now,
		StartedAt:  &now,
	}
	if err := w.store.Put(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

func (w *Worker) completeChild(ctx context.Context, id string) error {
	_, err := w.store.Update(ctx, id, func(j *jobs.Job) error {
		if jobs.IsTerminal(j.Status) {
			return nil
		}
		j.Status = jobs.StatusCompleted
		j.Progress = 100
		now := w.clock.Now()
		j.CompletedAt = &now
		return nil
	})
	return err
}

func (w *Worker) setMainProgress(ctx context.Context, id string, progress int) {
	if _, err := w.store.Update(ctx, id, func(j *jobs.Job) error {
		if progress > j.Progress {
			j.Progress = progress
		}
		return nil
	}); err != nil {
		w.logger.Warn("main progress write failed", zap.String("job_id", id), zap.Error(err))
	}
}
