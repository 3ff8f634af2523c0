// Package worker implements the dispatcher-side task handlers: the PDF
// split/convert/merge pipeline and the crawler execution pipeline.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/convert"
	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	"github.com/geda-valentim/ingestify-to-ai/internal/index"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/metrics"
	"github.com/geda-valentim/ingestify-to-ai/internal/pdf"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
	"github.com/geda-valentim/ingestify-to-ai/internal/retry"
	"github.com/geda-valentim/ingestify-to-ai/internal/source"
)

// maxTaskRequeues bounds transient-error redelivery per task.
const maxTaskRequeues = 3

// errTextLimit truncates recorded failure messages.
const errTextLimit = 8 * 1024

// Config controls pipeline behavior.
type Config struct {
	MaxPagesPerDocument    int
	InlineMarkdownMaxBytes int
	MergeGrace             time.Duration
	MergeRetryDelay        time.Duration
	SoftTimeout            time.Duration
	HardTimeout            time.Duration
	MaxConcurrentDownloads int
	MaxConcurrentAssets    int
	ResultTTL              time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPagesPerDocument <= 0 {
		c.MaxPagesPerDocument = 2000
	}
	if c.InlineMarkdownMaxBytes <= 0 {
		c.InlineMarkdownMaxBytes = 64 * 1024
	}
	if c.MergeGrace <= 0 {
		c.MergeGrace = 30 * time.Minute
	}
	if c.MergeRetryDelay <= 0 {
		c.MergeRetryDelay = 15 * time.Second
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 55 * time.Minute
	}
	if c.HardTimeout <= c.SoftTimeout {
		c.HardTimeout = c.SoftTimeout + 5*time.Minute
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = 5
	}
	if c.MaxConcurrentAssets <= 0 {
		c.MaxConcurrentAssets = 10
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 7 * 24 * time.Hour
	}
}

// Worker consumes one queue and executes its tasks.
type Worker struct {
	store     jobs.Store
	blobs     jobs.BlobStore
	queue     queue.Queue
	convQueue queue.Queue // conversion queue handle for cross-enqueues
	splitter  pdf.Splitter
	merger    pdf.Merger
	converter convert.Converter
	sources   source.Registry
	engines   engine.Factory
	retry     *retry.Engine
	emitter   index.Emitter
	clock     jobs.Clock
	ids       jobs.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// Deps bundles the collaborators a Worker needs.
type Deps struct {
	Store           jobs.Store
	Blobs           jobs.BlobStore
	Queue           queue.Queue
	ConversionQueue queue.Queue
	Splitter        pdf.Splitter
	Merger          pdf.Merger
	Converter       convert.Converter
	Sources         source.Registry
	Engines         engine.Factory
	Retry           *retry.Engine
	Emitter         index.Emitter
	Clock           jobs.Clock
	IDs             jobs.IDGenerator
	Logger          *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config) *Worker {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	convQueue := deps.ConversionQueue
	if convQueue == nil {
		convQueue = deps.Queue
	}
	return &Worker{
		store:     deps.Store,
		blobs:     deps.Blobs,
		queue:     deps.Queue,
		convQueue: convQueue,
		splitter:  deps.Splitter,
		merger:    deps.Merger,
		converter: deps.Converter,
		sources:   deps.Sources,
		engines:   deps.Engines,
		retry:     deps.Retry,
		emitter:   deps.Emitter,
		clock:     deps.Clock,
		ids:       deps.IDs,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, delivery)
	}
}

// ProcessOne dequeues and handles a single task; used by tests and drains.
func (w *Worker) ProcessOne(ctx context.Context) error {
	delivery, err := w.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	w.process(ctx, delivery)
	return nil
}

func (w *Worker) process(ctx context.Context, delivery queue.Delivery) {
	task := delivery.Task
	now := w.clock.Now()

	if task.Expired(now) {
		w.logger.Info("dropping expired task",
			zap.String("kind", string(task.Kind)), zap.String("job_id", task.JobID))
		metrics.ObserveTask(string(task.Kind), "expired", 0)
		delivery.Ack()
		return
	}
	if wait := task.NotBefore.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			delivery.Nack()
			return
		case <-timer.C:
		}
	}

	metrics.WorkerStarted()
	defer metrics.WorkerDone()

	start := w.clock.Now()
	err := w.handleSafe(ctx, task)
	dur := w.clock.Now().Sub(start)

	switch {
	case err == nil:
		metrics.ObserveTask(string(task.Kind), "ok", dur)
		delivery.Ack()
	case jobs.IsKind(err, jobs.KindCancelled):
		metrics.ObserveTask(string(task.Kind), "cancelled", dur)
		delivery.Ack()
	case isRequeueable(err) && task.Attempt < maxTaskRequeues:
		metrics.ObserveTask(string(task.Kind), "requeue", dur)
		w.logger.Warn("task failed transiently, requeueing",
			zap.String("kind", string(task.Kind)), zap.String("job_id", task.JobID),
			zap.Int("attempt", task.Attempt), zap.Error(err))
		requeued := task
		requeued.Attempt++
		requeued.NotBefore = w.clock.Now().Add(time.Duration(requeued.Attempt) * 30 * time.Second)
		if enqErr := w.queue.Enqueue(ctx, requeued); enqErr != nil {
			delivery.Nack()
			return
		}
		delivery.Ack()
	default:
		// Record the failure on the owning job and ack to avoid hot-looping.
		metrics.ObserveTask(string(task.Kind), "failed", dur)
		w.logger.Error("task failed",
			zap.String("kind", string(task.Kind)), zap.String("job_id", task.JobID), zap.Error(err))
		w.recordTaskFailure(task, err)
		delivery.Ack()
	}
}

// handleSafe runs the handler under the soft timeout with panic recovery.
func (w *Worker) handleSafe(ctx context.Context, task queue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
		}
	}()
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.SoftTimeout)
	defer cancel()
	return w.handle(taskCtx, task)
}

func (w *Worker) handle(ctx context.Context, task queue.Task) error {
	switch task.Kind {
	case queue.KindSplitPDF:
		return w.handleSplit(ctx, task)
	case queue.KindConvertPage:
		return w.handleConvertPage(ctx, task)
	case queue.KindMerge:
		return w.handleMerge(ctx, task)
	case queue.KindExecuteCrawler:
		return w.handleExecuteCrawler(ctx, task)
	default:
		return jobs.Invalid("task", "unknown task kind %q", task.Kind)
	}
}

func isRequeueable(err error) bool {
	switch jobs.KindOf(err) {
	case jobs.KindTransient, jobs.KindConflict:
		return true
	default:
		return false
	}
}

func (w *Worker) recordTaskFailure(task queue.Task, taskErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	jobID := task.JobID
	if task.Kind == queue.KindExecuteCrawler {
		if task.ExecutionID == "" {
			// No execution row exists yet; never mark the crawler job itself
			// failed on a trigger mishap.
			return
		}
		jobID = task.ExecutionID
	}
	_, err := w.store.Update(ctx, jobID, func(j *jobs.Job) error {
		if jobs.IsTerminal(j.Status) || j.Type == jobs.TypeCrawler {
			return nil
		}
		j.Status = jobs.StatusFailed
		j.Error = truncate(taskErr.Error(), errTextLimit)
		now := w.clock.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		w.logger.Error("record task failure failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// emitJobEvent publishes a terminal-transition document; indexer failures
// never affect the job.
func (w *Worker) emitJobEvent(j *jobs.Job, fields map[string]any) {
	if w.emitter == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = string(j.Status)
	fields["job_type"] = string(j.Type)
	w.emitter.Emit(index.JobEvent(j.ID, j.UserID, w.clock.Now(), fields))
}
