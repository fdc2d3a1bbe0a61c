package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/banner-inspector/internal/progress"
)

// PrometheusSink exports job progress via Prometheus. It owns the collectors
// for jobs started/completed/running and per-outcome banner counters.
type PrometheusSink struct {
	jobsStarted    prometheus.Counter
	jobsCompleted  *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobRuntime     *prometheus.HistogramVec
	bannerOutcomes *prometheus.CounterVec
	bannerDuration *prometheus.HistogramVec
	batchesDone    prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspector_jobs_started_total",
			Help: "Total inspection jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inspector_jobs_finished_total",
			Help: "Total inspection jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspector_jobs_running",
			Help: "Current number of running inspection jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inspector_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"result"}),
		bannerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inspector_banner_outcomes_total",
			Help: "Banner audits partitioned by final log status.",
		}, []string{"outcome"}),
		bannerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inspector_banner_duration_seconds",
			Help:    "Per-banner audit wall time partitioned by outcome.",
			Buckets: []float64{0.1, 1, 5, 10, 30, 60, 120, 150},
		}, []string{"outcome"}),
		batchesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspector_batches_done_total",
			Help: "Total banner batches completed.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.bannerOutcomes,
		s.bannerDuration,
		s.batchesDone,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.finishJob(evt, "completed")
	case progress.StageJobCancelled:
		s.finishJob(evt, "cancelled")
	case progress.StageJobError:
		s.finishJob(evt, "failed")
	case progress.StageBatchDone:
		s.batchesDone.Inc()
	case progress.StageBannerDone:
		s.bannerOutcomes.WithLabelValues(evt.Outcome).Inc()
		if evt.Dur > 0 {
			s.bannerDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[[16]byte]struct{})}
}

func (t *jobTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
