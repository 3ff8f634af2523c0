// Package memory provides a bounded in-memory queue for development/testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

// Queue is a bounded in-memory queue with context-aware operations. Nacked
// deliveries are re-enqueued, which gives tests the same redelivery behavior
// as the broker.
type Queue struct {
	ch      chan queue.Task
	closeMu sync.Mutex
	closed  bool
}

// New constructs a queue with the provided capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan queue.Task, capacity)}
}

// Enqueue pushes a task or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task queue.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return queue.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return queue.Delivery{}, errors.New("queue closed")
		}
		return queue.Delivery{
			Task: task,
			Ack:  func() {},
			Nack: func() {
				// Redeliver unless the queue is already gone.
				q.closeMu.Lock()
				defer q.closeMu.Unlock()
				if !q.closed {
					select {
					case q.ch <- task:
					default:
					}
				}
			},
		}, nil
	}
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
