// Package redis implements a durable task queue on a Redis reliable list.
//
// Enqueue LPUSHes onto the pending list. Dequeue atomically moves the oldest
// task into a processing list with BRPOPLPUSH, and Ack removes it from there.
// Tasks that were dequeued but never acknowledged (a crashed worker) are moved
// back by Recover, flagged as redelivered.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// DefaultKey is the pending list used when none is configured.
const DefaultKey = "inspector:tasks"

const defaultBlock = 5 * time.Second

// Config controls list names and blocking behaviour.
type Config struct {
	Key          string
	BlockTimeout time.Duration
}

// Queue is an inspection.Queue backed by Redis lists.
type Queue struct {
	client     redis.Cmdable
	key        string
	processing string
	block      time.Duration
	logger     *zap.Logger
}

var _ inspection.Queue = (*Queue)(nil)

// New constructs a Queue on an existing client.
func New(client redis.Cmdable, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = defaultBlock
	}
	return &Queue{
		client:     client,
		key:        key,
		processing: key + ":processing",
		block:      block,
		logger:     logger,
	}, nil
}

// ProcessingKey is the list holding dequeued but unacknowledged tasks.
func (q *Queue) ProcessingKey() string {
	return q.processing
}

func encode(task inspection.Task) (string, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(raw), nil
}

// Enqueue pushes the task onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, task inspection.Task) error {
	payload, err := encode(task)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// Dequeue blocks until a task is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (inspection.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return inspection.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		payload, err := q.client.BRPopLPush(ctx, q.key, q.processing, q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return inspection.Task{}, fmt.Errorf("dequeue canceled: %w", ctxErr)
			}
			return inspection.Task{}, fmt.Errorf("brpoplpush %s: %w", q.key, err)
		}
		var task inspection.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			// Poison payloads would be redelivered forever; drop them.
			q.logger.Error("dropping undecodable task", zap.String("payload", payload), zap.Error(err))
			if remErr := q.client.LRem(ctx, q.processing, 1, payload).Err(); remErr != nil {
				q.logger.Warn("remove undecodable task", zap.Error(remErr))
			}
			continue
		}
		return task, nil
	}
}

// Ack removes a processed task from the processing list.
func (q *Queue) Ack(ctx context.Context, task inspection.Task) error {
	payload, err := encode(task)
	if err != nil {
		return err
	}
	if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
		return fmt.Errorf("lrem %s: %w", q.processing, err)
	}
	return nil
}

// Recover moves every unacknowledged task back to the pending list with
// Redelivered set and returns how many were moved. Each task is pushed before
// it is removed, so a crash midway duplicates a task rather than losing it.
// Call it before any worker of the deployment starts consuming.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	payloads, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange %s: %w", q.processing, err)
	}
	moved := 0
	// Oldest first, so recovered tasks keep their relative order.
	for i := len(payloads) - 1; i >= 0; i-- {
		payload := payloads[i]
		var task inspection.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			q.logger.Error("dropping undecodable task", zap.String("payload", payload), zap.Error(err))
		} else {
			task.Redelivered = true
			next, err := encode(task)
			if err != nil {
				return moved, err
			}
			if err := q.client.LPush(ctx, q.key, next).Err(); err != nil {
				return moved, fmt.Errorf("lpush %s: %w", q.key, err)
			}
			moved++
		}
		if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
			return moved, fmt.Errorf("lrem %s: %w", q.processing, err)
		}
	}
	if moved > 0 {
		q.logger.Info("requeued unacknowledged tasks", zap.Int("count", moved))
	}
	return moved, nil
}

// Len reports the number of pending tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", q.key, err)
	}
	return n, nil
}
