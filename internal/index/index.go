// Package index implements the append-only progress indexer. Documents are
// buffered in-process and bulk-flushed to a sink; the indexer is strictly
// observational and never consulted for job state.
package index

import (
	"context"
	"time"
)

// Stream names the three logical document streams.
type Stream string

// Document streams.
const (
	StreamJobEvents        Stream = "job-events"
	StreamExecutionMetrics Stream = "execution-metrics"
	StreamRetryMetrics     Stream = "retry-metrics"
)

// Document is one progress-indexer entry.
type Document struct {
	Stream    Stream         `json:"stream"`
	JobID     string         `json:"job_id"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// ExecutionSample builds a periodic crawler-execution metrics document.
func ExecutionSample(executionID string, ts time.Time, progress, pagesProcessed, filesProcessed, errorCount int, bytesDownloaded int64, downloadSpeedBPS float64) Document {
	return Document{
		Stream:    StreamExecutionMetrics,
		JobID:     executionID,
		Timestamp: ts,
		Fields: map[string]any{
			"progress":           progress,
			"pages_processed":    pagesProcessed,
			"files_processed":    filesProcessed,
			"bytes_downloaded":   bytesDownloaded,
			"download_speed_bps": downloadSpeedBPS,
			"error_count":        errorCount,
		},
	}
}

// RetryAttempt builds a retry-metrics document for one attempt.
func RetryAttempt(executionID string, ts time.Time, attempt int, engine string, useProxy bool, status, errorType string, durationSeconds float64) Document {
	return Document{
		Stream:    StreamRetryMetrics,
		JobID:     executionID,
		Timestamp: ts,
		Fields: map[string]any{
			"attempt":          attempt,
			"engine":           engine,
			"use_proxy":        useProxy,
			"status":           status,
			"error_type":       errorType,
			"duration_seconds": durationSeconds,
		},
	}
}

// JobEvent builds a terminal-transition event document.
func JobEvent(jobID, userID string, ts time.Time, fields map[string]any) Document {
	return Document{
		Stream:    StreamJobEvents,
		JobID:     jobID,
		UserID:    userID,
		Timestamp: ts,
		Fields:    fields,
	}
}

// Sink persists a batch of documents. Implementations must honor ctx
// deadlines and may be invoked concurrently.
type Sink interface {
	Bulk(ctx context.Context, docs []Document) error
	Close(ctx context.Context) error
}

// Emitter enqueues individual documents; Writer satisfies this so callers
// stay agnostic about buffering.
type Emitter interface {
	Emit(doc Document)
}
