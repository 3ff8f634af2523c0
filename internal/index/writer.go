package index

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/metrics"
)

// WriterConfig controls buffering and batching.
//   - MaxBatchDocs: flush once this many documents queue (default 100).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 5s).
//   - BufferDocs: bound on queued documents; oldest are dropped on overflow (default 10000).
//   - SinkTimeout: per-flush timeout (default 10s).
type WriterConfig struct {
	MaxBatchDocs int
	MaxBatchWait time.Duration
	BufferDocs   int
	SinkTimeout  time.Duration
	Logger       *zap.Logger
}

const (
	defaultMaxBatchDocs = 100
	defaultMaxBatchWait = 5 * time.Second
	defaultBufferDocs   = 10000
	defaultSinkTimeout  = 10 * time.Second
)

// Writer batches documents and bulk-flushes them to a sink. Emit never blocks
// the caller; a failed flush is logged and the batch retried on the next
// cycle. Safe for concurrent use.
type Writer struct {
	cfg    WriterConfig
	sink   Sink
	docs   chan Document
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once

	// pending holds a batch whose flush failed, retried before new docs.
	pending []Document
}

// NewWriter starts the background flush loop for the given sink.
func NewWriter(cfg WriterConfig, sink Sink) *Writer {
	if cfg.MaxBatchDocs <= 0 {
		cfg.MaxBatchDocs = defaultMaxBatchDocs
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.BufferDocs <= 0 {
		cfg.BufferDocs = defaultBufferDocs
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	w := &Writer{
		cfg:    cfg,
		sink:   sink,
		docs:   make(chan Document, cfg.BufferDocs),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	go w.run()
	return w
}

// Emit enqueues a document. On a full buffer the oldest queued document is
// dropped and counted; the worker is never blocked.
func (w *Writer) Emit(doc Document) {
	if w == nil || w.closed.Load() {
		return
	}
	for {
		select {
		case w.docs <- doc:
			return
		default:
		}
		select {
		case <-w.docs:
			metrics.ObserveIndexDrop(1)
		default:
		}
	}
}

// Close flushes remaining documents and stops the background loop.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.stopCh)
	})
	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.sink.Close(ctx)
}

func (w *Writer) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Document, 0, w.cfg.MaxBatchDocs)
	for {
		select {
		case doc := <-w.docs:
			batch = append(batch, doc)
			if len(batch) >= w.cfg.MaxBatchDocs {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-w.stopCh:
			// Drain whatever is still queued, then final flush.
			for {
				select {
				case doc := <-w.docs:
					batch = append(batch, doc)
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes pending-then-batch to the sink. On error the documents are
// kept for the next cycle, bounded by BufferDocs.
func (w *Writer) flush(batch []Document) []Document {
	docs := append(w.pending, batch...)
	if len(docs) == 0 {
		return batch[:0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SinkTimeout)
	defer cancel()
	if err := w.sink.Bulk(ctx, docs); err != nil {
		metrics.ObserveIndexFlush("error")
		w.logger.Warn("progress index flush failed, will retry",
			zap.Int("docs", len(docs)), zap.Error(err))
		if len(docs) > w.cfg.BufferDocs {
			metrics.ObserveIndexDrop(len(docs) - w.cfg.BufferDocs)
			docs = docs[len(docs)-w.cfg.BufferDocs:]
		}
		w.pending = docs
		return batch[:0]
	}
	metrics.ObserveIndexFlush("ok")
	w.pending = nil
	return batch[:0]
}
