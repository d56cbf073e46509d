package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Ack is a consumer handler's verdict on one delivery.
type Ack int

const (
	// AckDone removes the message permanently.
	AckDone Ack = iota
	// NackRequeue puts the message back for redelivery.
	NackRequeue
	// NackDrop removes the message without processing (unresolvable id).
	NackDrop
)

// Handler processes one task id per delivery.
type Handler func(ctx context.Context, taskID string) Ack

// Queue is a durable at-least-once task id channel over Redis. Publish
// pushes onto a pending list; each consumer BLMOVEs one id at a time into
// its own processing list and removes it only on ack, so an id survives a
// consumer crash and is redelivered. One in-flight message per consumer.
type Queue struct {
	client     *redis.Client
	pendingKey string
	log        *zap.Logger
}

func New(addr, pendingKey string, log *zap.Logger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Queue{client: client, pendingKey: pendingKey, log: log}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Publish enqueues a task id.
func (q *Queue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.pendingKey, taskID).Err(); err != nil {
		return fmt.Errorf("publish task id: %w", err)
	}
	return nil
}

// Depth returns the number of ids waiting for delivery.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey).Result()
}

func (q *Queue) processingKey(consumer string) string {
	return q.pendingKey + ":processing:" + consumer
}

// Recover re-queues ids left in a consumer's processing list by a previous
// crash. Call once before Consume.
func (q *Queue) Recover(ctx context.Context, consumer string) (int, error) {
	key := q.processingKey(consumer)
	n := 0
	for {
		id, err := q.client.RPopLPush(ctx, key, q.pendingKey).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover processing list: %w", err)
		}
		n++
		q.log.Warn("requeued in-flight task from previous run", zap.String("task_id", id))
	}
}

// Consume delivers task ids to the handler one at a time until ctx is
// cancelled. Redelivery of un-acked ids gives at-least-once semantics; the
// handler owns duplicate suppression.
func (q *Queue) Consume(ctx context.Context, consumer string, handler Handler) error {
	key := q.processingKey(consumer)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		taskID, err := q.client.BLMove(ctx, q.pendingKey, key, "RIGHT", "LEFT", 2*time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		verdict := handler(ctx, taskID)

		// Settle with a detached context so a shutdown mid-handling still
		// acks the delivery instead of stranding it in the processing list.
		ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		switch verdict {
		case AckDone, NackDrop:
			if err := q.client.LRem(ackCtx, key, 1, taskID).Err(); err != nil {
				q.log.Error("ack failed", zap.String("task_id", taskID), zap.Error(err))
			}
		case NackRequeue:
			pipe := q.client.TxPipeline()
			pipe.LRem(ackCtx, key, 1, taskID)
			pipe.LPush(ackCtx, q.pendingKey, taskID)
			if _, err := pipe.Exec(ackCtx); err != nil {
				q.log.Error("nack requeue failed", zap.String("task_id", taskID), zap.Error(err))
			}
		}
		cancel()
	}
}
