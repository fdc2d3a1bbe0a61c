package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/banner-inspector/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{JobID: jobID, TS: now, Stage: progress.StageJobStart},
		{JobID: jobID, TS: now, Stage: progress.StageBannerDone, BannerID: "a", Outcome: "completed", Dur: 3 * time.Second},
		{JobID: jobID, TS: now, Stage: progress.StageBannerDone, BannerID: "b", Outcome: "skipped"},
		{JobID: jobID, TS: now, Stage: progress.StageBatchDone, Current: 2, Total: 2},
		{JobID: jobID, TS: now, Stage: progress.StageJobDone, Dur: 15 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.bannerOutcomes.WithLabelValues("skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesDone))
	require.Equal(t, 1, testutil.CollectAndCount(sink.bannerDuration, "inspector_banner_duration_seconds"))
}

func TestPrometheusSinkRunningGaugeForCancelledJob(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	jobID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: time.Now(), Stage: progress.StageJobStart},
		{JobID: jobID, TS: time.Now(), Stage: progress.StageJobStart},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: time.Now(), Stage: progress.StageJobCancelled},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("cancelled")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
