package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

// pageSeparator joins page markdown in the merged result.
const pageSeparator = "\n\n---\n\n"

// handleMerge concatenates page markdown in page order once every page is
// terminal. While pages are still pending it re-enqueues itself; after the
// grace period expires, stuck pages count as failed so the merge can never
// block forever.
func (w *Worker) handleMerge(ctx context.Context, task queue.Task) error {
	main, err := w.store.Get(ctx, task.JobID)
	if err != nil {
		return err
	}
	// A completed main is re-merged when a page retry lands; failed,
	// cancelled, and stopped mains are not.
	if jobs.IsTerminal(main.Status) && main.Status != jobs.StatusCompleted {
		return nil
	}

	pages, err := w.store.GetPages(ctx, main.ID, 0, 0)
	if err != nil {
		return err
	}
	latest := latestPages(pages)
	if len(latest) == 0 {
		return jobs.Fatal("merge", "no pages recorded for job", nil)
	}
	// A merge task for an outcome already merged (no page row changed since
	// the main completed) exits without creating another merge child.
	if main.Status == jobs.StatusCompleted && main.CompletedAt != nil {
		changed := false
		for _, p := range latest {
			if p.UpdatedAt.After(*main.CompletedAt) {
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}

	pending, lastTerminal := pendingPages(latest)
	graceExpired := false
	if len(pending) > 0 {
		// With no terminal page yet, the grace period runs from job start.
		if lastTerminal.IsZero() && main.StartedAt != nil {
			lastTerminal = *main.StartedAt
		}
		if lastTerminal.IsZero() || w.clock.Now().Sub(lastTerminal) < w.cfg.MergeGrace {
			return w.deferMerge(ctx, task)
		}
		// Grace expired: treat the stuck pages as failed for merge purposes
		// and record the condition on the main job.
		graceExpired = true
		for _, p := range pending {
			if _, err := w.store.UpdatePage(ctx, p.ID, func(row *jobs.Page) error {
				if jobs.IsTerminal(row.Status) {
					return nil
				}
				row.Status = jobs.StatusFailed
				row.Error = "page did not reach a terminal state within the merge grace period"
				return nil
			}); err != nil {
				return err
			}
		}
		pages, err = w.store.GetPages(ctx, main.ID, 0, 0)
		if err != nil {
			return err
		}
		latest = latestPages(pages)
	}

	mergeJob, err := w.createChild(ctx, main, jobs.TypeMerge, "merge")
	if err != nil {
		return err
	}

	sort.Slice(latest, func(i, j int) bool { return latest[i].PageNumber < latest[j].PageNumber })
	var parts []string
	completed, failed := 0, 0
	for _, p := range latest {
		if p.Status != jobs.StatusCompleted {
			failed++
			continue
		}
		completed++
		markdown, err := w.pageMarkdown(ctx, p)
		if err != nil {
			return jobs.Transient(fmt.Sprintf("merge page %d", p.PageNumber), err)
		}
		parts = append(parts, markdown)
	}

	if completed == 0 {
		return w.failMerge(ctx, main.ID, mergeJob.ID,
			jobs.Fatal("merge", "every page failed conversion", nil))
	}

	merged := strings.Join(parts, pageSeparator)
	resultKey := fmt.Sprintf("%s/result.md", main.ID)
	if _, err := w.blobs.Put(ctx, jobs.BucketResults, resultKey, []byte(merged), "text/markdown"); err != nil {
		return w.failMerge(ctx, main.ID, mergeJob.ID, jobs.Transient("store merged result", err))
	}

	if err := w.completeChild(ctx, mergeJob.ID); err != nil {
		return err
	}
	updated, err := w.store.Update(ctx, main.ID, func(j *jobs.Job) error {
		if jobs.IsTerminal(j.Status) && j.Status != jobs.StatusCompleted {
			return nil
		}
		j.Status = jobs.StatusCompleted
		j.Progress = 100
		j.PagesCompleted = completed
		j.PagesFailed = failed
		j.ResultPath = resultKey
		if graceExpired {
			j.Error = "merge proceeded after grace period; some pages were marked failed"
		}
		now := w.clock.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	w.emitJobEvent(updated, map[string]any{
		"pages_completed": completed,
		"pages_failed":    failed,
	})
	w.logger.Info("merge completed",
		zap.String("job_id", main.ID),
		zap.Int("pages_completed", completed),
		zap.Int("pages_failed", failed))
	return nil
}

func (w *Worker) deferMerge(ctx context.Context, task queue.Task) error {
	requeued := task
	requeued.NotBefore = w.clock.Now().Add(w.cfg.MergeRetryDelay)
	if err := w.convQueue.Enqueue(ctx, requeued); err != nil {
		return jobs.Transient("defer merge", err)
	}
	return nil
}

// failMerge marks the merge child and the main job failed; merge failures
// are pipeline-fatal.
func (w *Worker) failMerge(ctx context.Context, mainID, mergeID string, cause error) error {
	if jobs.IsKind(cause, jobs.KindTransient) {
		return cause
	}
	msg := truncate(cause.Error(), errTextLimit)
	if _, err := w.store.Update(ctx, mergeID, func(j *jobs.Job) error {
		j.Status = jobs.StatusFailed
		j.Error = msg
		now := w.clock.Now()
		j.CompletedAt = &now
		return nil
	}); err != nil {
		w.logger.Error("mark merge failed", zap.String("job_id", mergeID), zap.Error(err))
	}
	updated, err := w.store.Update(ctx, mainID, func(j *jobs.Job) error {
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
	w.emitJobEvent(updated, map[string]any{"stage": "merge"})
	return nil
}

// pendingPages returns non-terminal rows and the latest terminal transition
// time observed across the set.
func pendingPages(pages []jobs.Page) ([]jobs.Page, time.Time) {
	var pending []jobs.Page
	var lastTerminal time.Time
	for _, p := range pages {
		if jobs.IsTerminal(p.Status) {
			if p.UpdatedAt.After(lastTerminal) {
				lastTerminal = p.UpdatedAt
			}
			continue
		}
		pending = append(pending, p)
	}
	return pending, lastTerminal
}
