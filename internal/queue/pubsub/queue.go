// Package pubsub carries session wakeups between processes over Google Cloud
// Pub/Sub. Every process subscribes with its own subscription, so a start or
// resume on one API replica wakes the dispatchers of all of them.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("pubsub queue closed")

type wakeup struct {
	SessionID string `json:"session_id"`
	Submitted int64  `json:"submitted"`
}

// Queue implements crawler.Queue on a topic and a subscription.
type Queue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	items   chan crawler.QueueItem
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	recvErr error
}

// New builds a Queue. Passing a nil subscription makes it publish-only.
func New(topic *pubsub.Topic, sub *pubsub.Subscription, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		topic:  topic,
		sub:    sub,
		logger: logger.Named("wakeups"),
		items:  make(chan crawler.QueueItem, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Enqueue publishes a wakeup and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	data, err := json.Marshal(wakeup{SessionID: item.SessionID, Submitted: item.Submitted})
	if err != nil {
		return fmt.Errorf("marshal wakeup: %w", err)
	}
	res := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"session_id": item.SessionID},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish wakeup: %w", err)
	}
	return nil
}

// Dequeue returns the next wakeup. The subscription receiver starts on first use.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	if q.sub == nil {
		<-ctx.Done()
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
	q.once.Do(q.startReceiver)
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.items:
		return item, nil
	case <-q.done:
		if q.recvErr != nil {
			return crawler.QueueItem{}, fmt.Errorf("receive wakeups: %w", q.recvErr)
		}
		return crawler.QueueItem{}, ErrClosed
	}
}

func (q *Queue) startReceiver() {
	go func() {
		defer close(q.done)
		err := q.sub.Receive(q.ctx, func(ctx context.Context, msg *pubsub.Message) {
			var w wakeup
			if err := json.Unmarshal(msg.Data, &w); err != nil || w.SessionID == "" {
				q.logger.Warn("dropping malformed wakeup", zap.String("message_id", msg.ID), zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.items <- crawler.QueueItem{SessionID: w.SessionID, Submitted: w.Submitted}:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && q.ctx.Err() == nil {
			q.recvErr = err
			q.logger.Error("wakeup receiver stopped", zap.Error(err))
		}
	}()
}

// Close stops the receiver and flushes the topic.
func (q *Queue) Close() {
	q.cancel()
	q.once.Do(func() { close(q.done) })
	<-q.done
	if q.topic != nil {
		q.topic.Stop()
	}
}
