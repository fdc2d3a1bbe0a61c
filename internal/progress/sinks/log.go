package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("job_id", evt.JobUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
		}
		if evt.CollectionID != "" {
			fields = append(fields, zap.String("collection_id", evt.CollectionID))
		}
		if evt.BannerID != "" {
			fields = append(fields, zap.String("banner_id", evt.BannerID), zap.String("outcome", evt.Outcome))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
