package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

// Dispatcher routes tasks to the conversion and crawler queues and fans out
// their worker pools. The two queues scale independently.
type Dispatcher struct {
	conversion queue.Queue
	crawler    queue.Queue
	workers    []*Worker
}

// NewDispatcher wires the queues to their worker pools.
func NewDispatcher(conversion, crawler queue.Queue, workers []*Worker) *Dispatcher {
	return &Dispatcher{
		conversion: conversion,
		crawler:    crawler,
		workers:    workers,
	}
}

// Run starts every worker and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue routes the task to its queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task queue.Task) error {
	q := d.conversion
	if task.QueueName() == queue.QueueCrawler {
		q = d.crawler
	}
	if err := q.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
