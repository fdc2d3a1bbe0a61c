// Package worker consumes job tasks from the queue and executes them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/metrics"
)

// Runner executes and fails jobs.
type Runner interface {
	Run(ctx context.Context, task inspection.Task) error
	Fail(ctx context.Context, jobID string, cause error) error
}

// Worker pulls tasks and runs them until the context finishes.
type Worker struct {
	queue  inspection.Queue
	runner Runner
	retry  *RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// New constructs a Worker. A nil retry policy uses the defaults.
func New(queue inspection.Queue, runner Runner, retry *RetryPolicy, logger *zap.Logger) *Worker {
	if retry == nil {
		retry = NewRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		retry:  retry,
		sleep:  sleepCtx,
		logger: logger,
	}
}

// Run blocks, consuming tasks until ctx ends or the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, inspection.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if w.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued task", zap.String("job_id", task.JobID), zap.Int("attempt", task.Attempt))
		w.Process(ctx, task)
	}
}

// Process runs one task and acknowledges it. Transient failures are
// re-enqueued with a higher attempt after a backoff; permanent failures
// and exhausted attempts fail the job.
func (w *Worker) Process(ctx context.Context, task inspection.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("job_id", task.JobID), zap.Int("attempt", task.Attempt))
	err := w.runner.Run(ctx, task)
	if err != nil && ctx.Err() != nil {
		// Shutting down: leave the task unacknowledged for redelivery.
		logger.Warn("job interrupted by shutdown", zap.Error(err))
		return
	}

	if err != nil {
		w.handleFailure(ctx, task, err, logger)
		if ctx.Err() != nil {
			return
		}
	}

	if ackErr := w.queue.Ack(ctx, task); ackErr != nil {
		logger.Warn("ack task failed", zap.Error(ackErr))
	}
}

func (w *Worker) handleFailure(ctx context.Context, task inspection.Task, runErr error, logger *zap.Logger) {
	if w.retry.ShouldRetry(runErr, task.Attempt+1) {
		delay := w.retry.Backoff(task.Attempt)
		logger.Warn("job run failed, retrying", zap.Duration("backoff", delay), zap.Error(runErr))
		err := w.requeue(ctx, task, delay)
		if err == nil || ctx.Err() != nil {
			return
		}
		runErr = errors.Join(runErr, err)
	}

	logger.Error("job run failed", zap.Error(runErr))
	if err := w.runner.Fail(context.WithoutCancel(ctx), task.JobID, runErr); err != nil {
		logger.Error("mark job failed", zap.Error(err))
	}
}

func (w *Worker) requeue(ctx context.Context, task inspection.Task, delay time.Duration) error {
	if err := w.sleep(ctx, delay); err != nil {
		return err
	}
	next := task
	next.Attempt++
	if err := w.queue.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
