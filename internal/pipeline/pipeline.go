// Package pipeline runs inspection jobs: it resolves the banner set, audits
// it in fixed-size concurrent batches and finalises the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/aggregator"
	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/inspector"
	"github.com/JakeFAU/banner-inspector/internal/metrics"
	"github.com/JakeFAU/banner-inspector/internal/progress"
	"github.com/JakeFAU/banner-inspector/internal/telemetry"
)

// DefaultBatchSize bounds the number of concurrent model calls per job.
const DefaultBatchSize = 3

// DefaultIconsConfigKey names the system config entry holding the approved icon image.
const DefaultIconsConfigKey = "approved_icons_image_url"

// Store is the persistence the pipeline needs.
type Store interface {
	GetJob(ctx context.Context, id string) (inspection.Job, error)
	MarkProcessing(ctx context.Context, id string, attempt int, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id string, progressFinal int, at time.Time) error
	MarkFailed(ctx context.Context, id string, message string, at time.Time) error
	SetProgressTotal(ctx context.Context, id string, total int) error
	AdvanceProgress(ctx context.Context, id string, current int) error
	CreateLogs(ctx context.Context, logs []inspection.JobLog) error
	ListLogs(ctx context.Context, jobID string) ([]inspection.JobLog, error)
	GetBanner(ctx context.Context, id string) (inspection.Banner, error)
	ListBanners(ctx context.Context, collectionID string) ([]inspection.Banner, error)
	GetConfigValue(ctx context.Context, key string) (string, error)
	ReleaseLease(ctx context.Context, collectionID, jobID string) error
}

// Inspector audits a single banner.
type Inspector interface {
	Inspect(ctx context.Context, jobID string, banner inspection.Banner, iconsURL string) (inspector.Outcome, error)
	RecordFailure(ctx context.Context, jobID, bannerID string, cause error) error
}

// Aggregator recomputes the collection summary.
type Aggregator interface {
	Recompute(ctx context.Context, collectionID, jobID string) (aggregator.Summary, error)
}

// Config tunes job execution.
type Config struct {
	BatchSize      int
	IconsConfigKey string
}

// Pipeline executes jobs end to end.
type Pipeline struct {
	cfg        Config
	store      Store
	inspector  Inspector
	aggregator Aggregator
	blobs      inspection.BlobStore
	ids        inspection.IDGenerator
	clock      inspection.Clock
	emitter    progress.Emitter
	logger     *zap.Logger
}

// New wires a Pipeline. A nil emitter disables progress events.
func New(
	cfg Config,
	store Store,
	insp Inspector,
	agg Aggregator,
	blobs inspection.BlobStore,
	ids inspection.IDGenerator,
	clock inspection.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.IconsConfigKey == "" {
		cfg.IconsConfigKey = DefaultIconsConfigKey
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		inspector:  insp,
		aggregator: agg,
		blobs:      blobs,
		ids:        ids,
		clock:      clock,
		emitter:    emitter,
		logger:     logger,
	}
}

// tally counts banner outcomes across the concurrent items of a job.
type tally struct {
	mu        sync.Mutex
	passed    int
	completed int
	skipped   int
	failed    int
}

func (t *tally) record(o inspector.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o.Status {
	case inspection.LogStatusCompleted:
		t.completed++
		if o.Passed {
			t.passed++
		}
	case inspection.LogStatusSkipped:
		t.skipped++
	default:
		t.failed++
	}
}

// Run executes the job the task points at. The run first claims the job for
// the task's attempt; a task whose claim fails (another run owns the job, or
// the job is already finished) is acknowledged without work. Only job-fatal
// problems are returned; per-banner outcomes live on the job logs.
func (p *Pipeline) Run(ctx context.Context, task inspection.Task) (err error) {
	jobID := task.JobID
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.Run")
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("job.attempt", task.Attempt))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("collection_id", job.CollectionID))
	if job.Status.Terminal() {
		logger.Info("job already finished", zap.String("status", string(job.Status)))
		return nil
	}

	attempt := task.Attempt
	if task.Redelivered {
		attempt = max(attempt, job.Attempt)
	}
	started := p.clock.Now()
	claimed, err := p.store.MarkProcessing(ctx, job.ID, attempt, started)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !claimed {
		logger.Info("job claimed by another run",
			zap.Int("task_attempt", task.Attempt),
			zap.Int("job_attempt", job.Attempt),
		)
		return nil
	}
	job, err = p.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", jobID, err)
	}
	if job.Status != inspection.JobStatusProcessing {
		logger.Info("job left processing before start", zap.String("status", string(job.Status)))
		return nil
	}

	iconsURL, err := p.iconsURL(ctx)
	if err != nil {
		return err
	}
	banners, err := p.resolve(ctx, job)
	if err != nil {
		return err
	}
	total := len(banners)
	if err := p.store.SetProgressTotal(ctx, job.ID, total); err != nil {
		return fmt.Errorf("set progress total: %w", err)
	}
	if err := p.createLogs(ctx, job.ID, banners); err != nil {
		return err
	}
	done, err := p.finishedBanners(ctx, job.ID)
	if err != nil {
		return err
	}

	logger.Info("job started", zap.Int("banners", total), zap.Int("attempt", job.Attempt), zap.Int("resumed", len(done)))
	p.emit(job, progress.Event{Stage: progress.StageJobStart, Total: total})

	var counts tally
	stopped := false
	for start := 0; start < total; start += p.cfg.BatchSize {
		if stop, err := p.shouldStop(ctx, job.ID); err != nil {
			return err
		} else if stop {
			stopped = true
			break
		}
		end := min(start+p.cfg.BatchSize, total)
		p.runBatch(ctx, job, banners[start:end], iconsURL, done, &counts)
		if err := p.store.AdvanceProgress(ctx, job.ID, end); err != nil {
			return fmt.Errorf("advance progress: %w", err)
		}
		p.emit(job, progress.Event{Stage: progress.StageBatchDone, Current: end, Total: total})
		logger.Debug("batch done", zap.Int("current", end), zap.Int("total", total))
	}

	summary, err := p.aggregator.Recompute(ctx, job.CollectionID, job.ID)
	if err != nil {
		return fmt.Errorf("aggregate collection: %w", err)
	}

	fields := []zap.Field{
		zap.Int("passed", counts.passed),
		zap.Int("completed", counts.completed),
		zap.Int("skipped", counts.skipped),
		zap.Int("failed", counts.failed),
		zap.String("collection_status", string(summary.Status)),
		zap.Int("collection_passed", summary.PassedCount),
		zap.Duration("elapsed", p.clock.Now().Sub(started)),
	}
	if stopped {
		p.emit(job, progress.Event{Stage: progress.StageJobCancelled, Total: total, Dur: p.clock.Now().Sub(started)})
		logger.Info("job stopped before all batches ran", fields...)
		return nil
	}

	if err := p.store.MarkCompleted(ctx, job.ID, total, p.clock.Now()); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	metrics.ObserveJob(string(inspection.JobStatusCompleted))
	p.emit(job, progress.Event{Stage: progress.StageJobDone, Current: total, Total: total, Dur: p.clock.Now().Sub(started)})
	logger.Info("job completed", fields...)
	return nil
}

// Fail marks the job failed with cause and releases its collection.
func (p *Pipeline) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, inspection.ErrNotFound) {
			p.logger.Warn("cannot fail unknown job", zap.String("job_id", jobID), zap.Error(cause))
			return nil
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.store.MarkFailed(ctx, job.ID, msg, p.clock.Now()); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := p.store.ReleaseLease(ctx, job.CollectionID, job.ID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	metrics.ObserveJob(string(inspection.JobStatusFailed))
	p.emit(job, progress.Event{Stage: progress.StageJobError, Current: job.ProgressCurrent, Total: job.ProgressTotal, Note: msg})
	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.String("collection_id", job.CollectionID), zap.String("error", msg))
	return nil
}

func (p *Pipeline) iconsURL(ctx context.Context) (string, error) {
	value, err := p.store.GetConfigValue(ctx, p.cfg.IconsConfigKey)
	if err != nil && !errors.Is(err, inspection.ErrNotFound) {
		return "", fmt.Errorf("load %s: %w", p.cfg.IconsConfigKey, err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s is not configured: %w", p.cfg.IconsConfigKey, inspection.ErrMissingConfig)
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value, nil
	}
	return p.blobs.PublicURL(value), nil
}

func (p *Pipeline) resolve(ctx context.Context, job inspection.Job) ([]inspection.Banner, error) {
	target, err := job.Target()
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case inspection.SingleBanner:
		banner, err := p.store.GetBanner(ctx, t.BannerID)
		if err != nil {
			return nil, fmt.Errorf("load banner %s: %w", t.BannerID, err)
		}
		if banner.CollectionID != job.CollectionID {
			return nil, fmt.Errorf("banner %s is not part of collection %s: %w", banner.ID, job.CollectionID, inspection.ErrInvalidJob)
		}
		return []inspection.Banner{banner}, nil
	case inspection.AllBanners:
		banners, err := p.store.ListBanners(ctx, job.CollectionID)
		if err != nil {
			return nil, fmt.Errorf("list banners: %w", err)
		}
		return banners, nil
	default:
		return nil, fmt.Errorf("unsupported job target %T: %w", target, inspection.ErrInvalidJob)
	}
}

func (p *Pipeline) createLogs(ctx context.Context, jobID string, banners []inspection.Banner) error {
	if len(banners) == 0 {
		return nil
	}
	now := p.clock.Now()
	logs := make([]inspection.JobLog, 0, len(banners))
	for _, b := range banners {
		id, err := p.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate log id: %w", err)
		}
		logs = append(logs, inspection.JobLog{
			ID:        id,
			JobID:     jobID,
			BannerID:  b.ID,
			Status:    inspection.LogStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := p.store.CreateLogs(ctx, logs); err != nil {
		return fmt.Errorf("create job logs: %w", err)
	}
	return nil
}

// finishedBanners lists banners already settled by an earlier delivery of the job.
func (p *Pipeline) finishedBanners(ctx context.Context, jobID string) (map[string]bool, error) {
	logs, err := p.store.ListLogs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	done := make(map[string]bool)
	for _, l := range logs {
		switch l.Status {
		case inspection.LogStatusCompleted, inspection.LogStatusSkipped, inspection.LogStatusFailed:
			done[l.BannerID] = true
		}
	}
	return done, nil
}

// shouldStop reports whether the job was cancelled or failed out of band.
func (p *Pipeline) shouldStop(ctx context.Context, jobID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("check job status: %w", err)
	}
	return job.Status == inspection.JobStatusCancelled || job.Status == inspection.JobStatusFailed, nil
}

func (p *Pipeline) runBatch(
	ctx context.Context,
	job inspection.Job,
	batch []inspection.Banner,
	iconsURL string,
	done map[string]bool,
	counts *tally,
) {
	var wg conc.WaitGroup
	for _, banner := range batch {
		if done[banner.ID] {
			continue
		}
		wg.Go(func() {
			start := p.clock.Now()
			outcome, err := p.inspectOne(ctx, job.ID, banner, iconsURL)
			counts.record(outcome)
			evt := progress.Event{
				Stage:    progress.StageBannerDone,
				BannerID: banner.ID,
				Outcome:  string(outcome.Status),
				Dur:      max(p.clock.Now().Sub(start), 0),
			}
			if err != nil {
				evt.Note = err.Error()
			}
			p.emit(job, evt)
		})
	}
	wg.Wait()
}

func (p *Pipeline) inspectOne(ctx context.Context, jobID string, banner inspection.Banner, iconsURL string) (inspector.Outcome, error) {
	var (
		outcome inspector.Outcome
		err     error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		outcome, err = p.inspector.Inspect(ctx, jobID, banner, iconsURL)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
		outcome = inspector.Outcome{Status: inspection.LogStatusFailed}
		p.logger.Error("banner inspection panicked",
			zap.String("job_id", jobID),
			zap.String("banner_id", banner.ID),
			zap.String("panic", fmt.Sprint(recovered.Value)),
		)
		if recErr := p.inspector.RecordFailure(ctx, jobID, banner.ID, fmt.Errorf("panic: %v", recovered.Value)); recErr != nil {
			p.logger.Warn("record panic failure", zap.String("banner_id", banner.ID), zap.Error(recErr))
		}
	}
	return outcome, err
}

func (p *Pipeline) emit(job inspection.Job, evt progress.Event) {
	evt.JobID = progress.JobKey(job.ID)
	evt.CollectionID = job.CollectionID
	evt.TS = p.clock.Now()
	p.emitter.Emit(evt)
}
