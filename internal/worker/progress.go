package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/index"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// progressInterval is the debounce window for job-row progress writes and
// metric samples.
const progressInterval = 5 * time.Second

// tracker owns in-process progress for one running execution. Job-row writes
// are debounced to one per interval; metric samples flush through the bulk
// writer at the same cadence. The execution-level progress a client reads is
// the max observed, so a retry attempt restarting from zero never moves it
// backwards.
type tracker struct {
	mu sync.Mutex

	store   jobs.Store
	emitter index.Emitter
	clock   jobs.Clock
	logger  *zap.Logger

	executionID string
	maxProgress int
	lastWrite   time.Time
	startedAt   time.Time

	pagesProcessed int
	filesProcessed int
	errorCount     int
	bytesTotal     int64
}

func newTracker(store jobs.Store, emitter index.Emitter, clock jobs.Clock, executionID string, logger *zap.Logger) *tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tracker{
		store:       store,
		emitter:     emitter,
		clock:       clock,
		logger:      logger,
		executionID: executionID,
		startedAt:   clock.Now(),
	}
}

// ResetAttempt starts a fresh attempt; the per-attempt percentage restarts
// from zero but the persisted max is kept.
func (t *tracker) ResetAttempt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pagesProcessed = 0
	t.filesProcessed = 0
	t.errorCount = 0
	t.bytesTotal = 0
}

// AddFile accounts one handled file.
func (t *tracker) AddFile(bytes int64, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filesProcessed++
	if failed {
		t.errorCount++
	} else {
		t.bytesTotal += bytes
	}
}

// AddPage accounts one crawled page.
func (t *tracker) AddPage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pagesProcessed++
}

// Set reports the current attempt progress. Writes to the job row happen at
// most once per interval; pass force for terminal transitions.
func (t *tracker) Set(ctx context.Context, progress int, force bool) {
	t.mu.Lock()
	if progress > t.maxProgress {
		t.maxProgress = progress
	}
	now := t.clock.Now()
	if !force && now.Sub(t.lastWrite) < progressInterval {
		t.mu.Unlock()
		return
	}
	t.lastWrite = now
	value := t.maxProgress
	sample := t.sampleLocked(now)
	t.mu.Unlock()

	if _, err := t.store.Update(ctx, t.executionID, func(j *jobs.Job) error {
		if value > j.Progress {
			j.Progress = value
		}
		return nil
	}); err != nil {
		t.logger.Warn("progress write failed",
			zap.String("execution_id", t.executionID), zap.Error(err))
	}
	if t.emitter != nil {
		t.emitter.Emit(sample)
	}
}

// Final writes the terminal sample regardless of debounce.
func (t *tracker) Final(ctx context.Context, progress int) {
	t.Set(ctx, progress, true)
}

func (t *tracker) sampleLocked(now time.Time) index.Document {
	elapsed := now.Sub(t.startedAt).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(t.bytesTotal) / elapsed
	}
	return index.ExecutionSample(t.executionID, now, t.maxProgress,
		t.pagesProcessed, t.filesProcessed, t.errorCount, t.bytesTotal, speed)
}
