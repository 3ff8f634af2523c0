// Package queue defines the task transport consumed by the dispatcher.
// The abstraction keeps the pipelines independent of the broker; production
// runs on GCP Pub/Sub and tests on the in-memory implementation.
package queue

import (
	"context"
	"time"
)

// Kind names the four task shapes.
type Kind string

// Task kinds.
const (
	KindSplitPDF       Kind = "split_pdf"
	KindConvertPage    Kind = "convert_page"
	KindMerge          Kind = "merge"
	KindExecuteCrawler Kind = "execute_crawler"
)

// Queue names. Conversion tasks (split/page/merge) and crawler executions
// scale independently.
const (
	QueueConversion = "conversion"
	QueueCrawler    = "crawler"
)

// Task is one unit of dispatcher work.
type Task struct {
	Kind        Kind   `json:"kind"`
	JobID       string `json:"job_id"`
	PageID      string `json:"page_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`

	// FireInstant is set on scheduler-originated crawler executions and keys
	// duplicate-trigger detection.
	FireInstant *time.Time `json:"fire_instant,omitempty"`
	// NotBefore delays processing; the dispatcher waits until it passes.
	NotBefore time.Time `json:"not_before,omitempty"`
	// ExpiresAt is the trigger TTL; expired tasks are dropped on dequeue.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	Attempt int `json:"attempt"`
}

// QueueName routes a task to its queue.
func (t Task) QueueName() string {
	if t.Kind == KindExecuteCrawler {
		return QueueCrawler
	}
	return QueueConversion
}

// Expired reports whether the task's TTL has passed.
func (t Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Delivery is a dequeued task with its acknowledgement hooks. Acks are late:
// call Ack only after effects are committed so crashed workers' tasks are
// redelivered; Nack requests redelivery.
type Delivery struct {
	Task Task
	Ack  func()
	Nack func()
}

// Queue provides enqueue/dequeue semantics for one named queue.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}
