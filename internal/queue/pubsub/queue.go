// Package pubsub implements the task queue on GCP Pub/Sub. Messages are
// acked late by the dispatcher, so a crashed worker's task is redelivered.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
)

// Config identifies the topic/subscription pair for one queue.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

// Queue implements queue.Queue on a Pub/Sub topic + pull subscription.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	startOnce  sync.Once
	deliveries chan queue.Delivery
	recvCancel context.CancelFunc
	recvDone   chan struct{}
}

// New connects to Pub/Sub and verifies the topic and subscription exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %s: %w", cfg.TopicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}
	return &Queue{
		client:     client,
		topic:      topic,
		sub:        sub,
		logger:     logger,
		deliveries: make(chan queue.Delivery),
		recvDone:   make(chan struct{}),
	}, nil
}

// Enqueue publishes the task and waits for broker acknowledgement.
func (q *Queue) Enqueue(ctx context.Context, task queue.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": string(task.Kind)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Dequeue returns the next delivery. The first call starts the background
// Receive loop; deliveries carry the broker's Ack/Nack.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	q.startOnce.Do(q.startReceive)
	select {
	case <-ctx.Done():
		return queue.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d, ok := <-q.deliveries:
		if !ok {
			return queue.Delivery{}, fmt.Errorf("pubsub receive loop stopped")
		}
		return d, nil
	}
}

func (q *Queue) startReceive() {
	recvCtx, cancel := context.WithCancel(context.Background())
	q.recvCancel = cancel
	go func() {
		defer close(q.recvDone)
		defer close(q.deliveries)
		err := q.sub.Receive(recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			var task queue.Task
			if err := json.Unmarshal(msg.Data, &task); err != nil {
				q.logger.Error("dropping malformed task message", zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.deliveries <- queue.Delivery{Task: task, Ack: msg.Ack, Nack: msg.Nack}:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && recvCtx.Err() == nil {
			q.logger.Error("pubsub receive failed", zap.Error(err))
		}
	}()
}

// Close stops the receive loop and the client.
func (q *Queue) Close() error {
	if q.recvCancel != nil {
		q.recvCancel()
		<-q.recvDone
	}
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
