package inspection

import (
	"context"
	"io"
	"time"
)

// CollectionStore persists collections and their lease.
type CollectionStore interface {
	CreateCollection(ctx context.Context, c Collection) error
	// SaveCollection writes a collection and its banners atomically.
	SaveCollection(ctx context.Context, c Collection, banners []Banner) error
	GetCollection(ctx context.Context, id string) (Collection, error)
	// AcquireLease sets current_job_id only when it is empty or expired.
	AcquireLease(ctx context.Context, collectionID, jobID string, now, expiresAt time.Time) (bool, error)
	// ReleaseLease clears current_job_id when it still points at jobID.
	ReleaseLease(ctx context.Context, collectionID, jobID string) error
	// UpdateSummary writes the aggregate fields and clears current_job_id
	// when it still points at jobID.
	UpdateSummary(ctx context.Context, collectionID, jobID string, status CollectionStatus, passed int) error
}

// BannerStore persists extracted banners.
type BannerStore interface {
	CreateBanners(ctx context.Context, banners []Banner) error
	GetBanner(ctx context.Context, id string) (Banner, error)
	// ListBanners returns banners ordered by extraction time, then position.
	ListBanners(ctx context.Context, collectionID string) ([]Banner, error)
}

// JobStore owns InspectionJob and InspectionJobLog records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	// ActiveJob returns the most recent pending or processing job.
	ActiveJob(ctx context.Context, collectionID string) (Job, error)
	ListJobs(ctx context.Context, collectionID string) ([]Job, error)
	// MarkQueued flags a pending job as handed to the queue. It reports false
	// when the job was already queued or is no longer pending.
	MarkQueued(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkProcessing claims an active job for one run: it succeeds only while
	// the stored attempt is at most attempt, and stores attempt+1. A false
	// return means another run owns the job.
	MarkProcessing(ctx context.Context, id string, attempt int, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id string, progressFinal int, at time.Time) error
	MarkFailed(ctx context.Context, id string, message string, at time.Time) error
	MarkCancelled(ctx context.Context, id string, at time.Time) error
	SetProgressTotal(ctx context.Context, id string, total int) error
	// AdvanceProgress raises progress_current to at least current.
	AdvanceProgress(ctx context.Context, id string, current int) error

	CreateLogs(ctx context.Context, logs []JobLog) error
	UpdateLog(ctx context.Context, jobID, bannerID string, update LogUpdate) error
	ListLogs(ctx context.Context, jobID string) ([]JobLog, error)
}

// ResultStore persists inspection results, one per banner.
type ResultStore interface {
	UpsertResult(ctx context.Context, result Result) error
	GetResult(ctx context.Context, bannerID string) (Result, error)
	ListResults(ctx context.Context, collectionID string) ([]Result, error)
	DeleteResult(ctx context.Context, bannerID string) error
}

// ConfigStore exposes named system configuration values.
type ConfigStore interface {
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// Repository bundles every store the pipeline touches.
type Repository interface {
	CollectionStore
	BannerStore
	JobStore
	ResultStore
	ConfigStore
}

// BlobStore writes raw artifacts and resolves their public URLs.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// DeleteObject removes path; a missing object is not an error.
	DeleteObject(ctx context.Context, path string) error
	PublicURL(path string) string
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Queue provides at-least-once delivery of job tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Ack(ctx context.Context, task Task) error
}

// VisionModel runs one multimodal completion and returns the raw text.
type VisionModel interface {
	Complete(ctx context.Context, request ModelRequest) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
