// Package jobs creates, dispatches and cancels inspection jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/metrics"
)

// DefaultLeaseTTL bounds how long a crashed job can block its collection.
const DefaultLeaseTTL = time.Hour

// Store is the persistence the service needs.
type Store interface {
	inspection.CollectionStore
	inspection.JobStore
	GetBanner(ctx context.Context, id string) (inspection.Banner, error)
}

// Enqueuer accepts tasks for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, task inspection.Task) error
}

// Service owns the job lifecycle outside of execution.
type Service struct {
	store    Store
	queue    Enqueuer
	ids      inspection.IDGenerator
	clock    inspection.Clock
	leaseTTL time.Duration
	logger   *zap.Logger
}

// New wires a Service.
func New(
	store Store,
	queue Enqueuer,
	ids inspection.IDGenerator,
	clock inspection.Clock,
	leaseTTL time.Duration,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Service{
		store:    store,
		queue:    queue,
		ids:      ids,
		clock:    clock,
		leaseTTL: leaseTTL,
		logger:   logger,
	}
}

// Create validates the request, takes the collection lease and stores a
// pending job, then submits it for execution.
func (s *Service) Create(
	ctx context.Context,
	collectionID string,
	jobType inspection.JobType,
	bannerID *string,
) (inspection.Job, error) {
	target, err := inspection.NewJobTarget(jobType, bannerID)
	if err != nil {
		return inspection.Job{}, err
	}
	if _, err := s.store.GetCollection(ctx, collectionID); err != nil {
		return inspection.Job{}, err
	}
	if single, ok := target.(inspection.SingleBanner); ok {
		banner, err := s.store.GetBanner(ctx, single.BannerID)
		if err != nil {
			return inspection.Job{}, err
		}
		if banner.CollectionID != collectionID {
			return inspection.Job{}, fmt.Errorf("%w: banner %s is not in collection %s",
				inspection.ErrInvalidJob, single.BannerID, collectionID)
		}
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		return inspection.Job{}, fmt.Errorf("job id: %w", err)
	}
	now := s.clock.Now()
	acquired, err := s.store.AcquireLease(ctx, collectionID, jobID, now, now.Add(s.leaseTTL))
	if err != nil {
		return inspection.Job{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return inspection.Job{}, fmt.Errorf("collection %s: %w", collectionID, inspection.ErrLeaseHeld)
	}

	job := inspection.Job{
		ID:           jobID,
		CollectionID: collectionID,
		Type:         jobType,
		BannerID:     bannerID,
		Status:       inspection.JobStatusPending,
		CreatedAt:    now,
	}
	if jobType == inspection.JobTypeAllBanners {
		job.BannerID = nil
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if relErr := s.store.ReleaseLease(ctx, collectionID, jobID); relErr != nil {
			s.logger.Warn("release lease after failed create", zap.String("job_id", jobID), zap.Error(relErr))
		}
		return inspection.Job{}, fmt.Errorf("store job: %w", err)
	}
	metrics.ObserveJob(string(inspection.JobStatusPending))
	s.logger.Info("job created",
		zap.String("job_id", jobID),
		zap.String("collection_id", collectionID),
		zap.String("job_type", string(jobType)),
	)

	if _, err := s.Submit(ctx, jobID); err != nil {
		return inspection.Job{}, err
	}
	return job, nil
}

// Submit hands a pending job to the queue. A job is enqueued at most once:
// later calls for a job that is already queued or running report false and
// enqueue nothing. When the queue rejects the task the job is marked failed
// and its lease released before the error is returned.
func (s *Service) Submit(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, fmt.Errorf("%w: job %s is already %s", inspection.ErrInvalidJob, jobID, job.Status)
	}
	now := s.clock.Now()
	queued, err := s.store.MarkQueued(ctx, jobID, now)
	if err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	if !queued {
		s.logger.Info("job already queued", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return false, nil
	}
	task := inspection.Task{JobID: jobID, Attempt: job.Attempt, Submitted: now.Unix()}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.logger.Error("enqueue failed", zap.String("job_id", jobID), zap.Error(err))
		// The request context may already be gone; record the failure regardless.
		cleanup := context.WithoutCancel(ctx)
		msg := fmt.Sprintf("enqueue: %v", err)
		if markErr := s.store.MarkFailed(cleanup, jobID, msg, s.clock.Now()); markErr != nil {
			s.logger.Error("mark job failed", zap.String("job_id", jobID), zap.Error(markErr))
		}
		if relErr := s.store.ReleaseLease(cleanup, job.CollectionID, jobID); relErr != nil {
			s.logger.Error("release lease", zap.String("job_id", jobID), zap.Error(relErr))
		}
		metrics.ObserveJob(string(inspection.JobStatusFailed))
		return false, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return true, nil
}

// Cancel marks an active job cancelled. A job that never started gives its
// lease back immediately; a running job releases it when the orchestrator
// observes the cancellation.
func (s *Service) Cancel(ctx context.Context, jobID string) (inspection.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return inspection.Job{}, err
	}
	if job.Status.Terminal() {
		return inspection.Job{}, fmt.Errorf("%w: job %s is already %s", inspection.ErrInvalidJob, jobID, job.Status)
	}
	if err := s.store.MarkCancelled(ctx, jobID, s.clock.Now()); err != nil {
		return inspection.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if job.Status == inspection.JobStatusPending {
		if err := s.store.ReleaseLease(ctx, job.CollectionID, jobID); err != nil {
			return inspection.Job{}, fmt.Errorf("release lease: %w", err)
		}
	}
	metrics.ObserveJob(string(inspection.JobStatusCancelled))
	s.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("previous", string(job.Status)))
	return s.store.GetJob(ctx, jobID)
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, jobID string) (inspection.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Active returns the collection's running job, or nil when it has none.
func (s *Service) Active(ctx context.Context, collectionID string) (*inspection.Job, error) {
	if _, err := s.store.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}
	job, err := s.store.ActiveJob(ctx, collectionID)
	if errors.Is(err, inspection.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns the collection's jobs, newest first.
func (s *Service) List(ctx context.Context, collectionID string) ([]inspection.Job, error) {
	if _, err := s.store.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}
	return s.store.ListJobs(ctx, collectionID)
}

// Logs returns the per-banner logs of a job.
func (s *Service) Logs(ctx context.Context, jobID string) ([]inspection.JobLog, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, jobID)
}
