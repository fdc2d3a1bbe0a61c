package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/progress"
)

// Publisher delivers one keyed payload to an external topic.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) (string, error)
}

// Message is the wire form of a progress event on the topic.
type Message struct {
	JobID string `json:"job_id"`
	progress.Event
}

// PublisherSink forwards progress events to a message topic so external
// subscribers can follow job progress without polling.
type PublisherSink struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewPublisherSink wraps publisher as a progress sink.
func NewPublisherSink(publisher Publisher, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, logger: logger}
}

// Consume publishes each event keyed by job ID. All events are attempted;
// failures are joined into the returned error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		jobID := evt.JobUUID().String()
		if _, err := s.publisher.Publish(ctx, jobID, Message{JobID: jobID, Event: evt}); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Stage, jobID, err))
		}
	}
	if len(errs) > 0 {
		s.logger.Debug("progress publish failures", zap.Int("failed", len(errs)), zap.Int("batch", len(batch)))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
