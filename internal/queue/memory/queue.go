// Package memory provides a bounded in-process task queue for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = inspection.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
// Tasks are lost on restart; Ack is a no-op.
type Queue struct {
	ch      chan inspection.Task
	closeMu sync.RWMutex
	closed  bool
}

var _ inspection.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan inspection.Task, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task inspection.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (inspection.Task, error) {
	select {
	case <-ctx.Done():
		return inspection.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return inspection.Task{}, ErrClosed
		}
		return task, nil
	}
}

// Ack is a no-op; a dequeued task is already gone from the channel.
func (q *Queue) Ack(context.Context, inspection.Task) error {
	return nil
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
