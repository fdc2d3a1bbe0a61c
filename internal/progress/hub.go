package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize bounds queued non-terminal events (default 4096).
	BufferSize int
	// MaxBatchEvents caps the size of one sink call (default 1000).
	MaxBatchEvents int
	// MaxBatchWait is how long the first event of a batch may wait (default 500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call (default 10s).
	SinkTimeout time.Duration
	// BaseContext parents sink calls.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches inspection progress on one goroutine and hands every batch to
// each sink in order.
//
// JOB_START, BATCH_DONE and BANNER_DONE go through a bounded buffer and are
// dropped when it is full, so Emit never stalls a banner worker. JOB_DONE,
// JOB_ERROR and JOB_CANCELLED are never dropped: they queue on a separate list
// and are delivered after every event already buffered for the job.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events chan Event
	wake   chan struct{}

	mu       sync.Mutex
	terminal []Event
	closed   atomic.Bool

	dropped atomic.Int64
	dropLog rate.Sometimes

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub that forwards to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger,
		events:  make(chan Event, cfg.BufferSize),
		wake:    make(chan struct{}, 1),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if evt.Stage.Terminal() {
		h.mu.Lock()
		if h.closed.Load() {
			h.mu.Unlock()
			return
		}
		h.terminal = append(h.terminal, evt)
		h.mu.Unlock()
		select {
		case h.wake <- struct{}{}:
		default:
		}
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)),
				zap.String("stage", string(evt.Stage)),
			)
		})
	}
}

// Close delivers everything still queued, closes the sinks and waits for the
// background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed.Store(true)
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline <-chan time.Time
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
				deadline = nil
			} else if deadline == nil {
				deadline = time.After(h.cfg.MaxBatchWait)
			}
		case <-h.wake:
			batch = h.flush(h.collect(batch))
			deadline = nil
		case <-deadline:
			batch = h.flush(batch)
			deadline = nil
		case <-h.stop:
			h.flush(h.collect(batch))
			h.closeSinks()
			return
		}
	}
}

// collect appends the buffered events and then the pending terminal ones.
func (h *Hub) collect(batch []Event) []Event {
drain:
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
		default:
			break drain
		}
	}
	h.mu.Lock()
	batch = append(batch, h.terminal...)
	h.terminal = h.terminal[:0]
	h.mu.Unlock()
	return batch
}

func (h *Hub) flush(batch []Event) []Event {
	for start := 0; start < len(batch); start += h.cfg.MaxBatchEvents {
		end := min(start+h.cfg.MaxBatchEvents, len(batch))
		h.deliver(append([]Event(nil), batch[start:end]...))
	}
	return batch[:0]
}

func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
