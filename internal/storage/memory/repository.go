package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

type logKey struct {
	jobID    string
	bannerID string
}

// Repository is a goroutine-safe in-memory inspection.Repository.
type Repository struct {
	mu          sync.RWMutex
	collections map[string]inspection.Collection
	banners     map[string]inspection.Banner
	jobs        map[string]inspection.Job
	queued      map[string]time.Time
	logs        map[logKey]inspection.JobLog
	results     map[string]inspection.Result
	config      map[string]string
}

var _ inspection.Repository = (*Repository)(nil)

// NewRepository builds an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		collections: make(map[string]inspection.Collection),
		banners:     make(map[string]inspection.Banner),
		jobs:        make(map[string]inspection.Job),
		queued:      make(map[string]time.Time),
		logs:        make(map[logKey]inspection.JobLog),
		results:     make(map[string]inspection.Result),
		config:      make(map[string]string),
	}
}

// CreateCollection stores a new collection.
func (r *Repository) CreateCollection(_ context.Context, c inspection.Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collections[c.ID]; exists {
		return fmt.Errorf("collection %s already exists", c.ID)
	}
	r.collections[c.ID] = cloneCollection(c)
	return nil
}

// SaveCollection stores a collection and its banners, or nothing on a duplicate ID.
func (r *Repository) SaveCollection(_ context.Context, c inspection.Collection, banners []inspection.Banner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collections[c.ID]; exists {
		return fmt.Errorf("collection %s already exists", c.ID)
	}
	for _, b := range banners {
		if _, exists := r.banners[b.ID]; exists {
			return fmt.Errorf("banner %s already exists", b.ID)
		}
	}
	r.collections[c.ID] = cloneCollection(c)
	for _, b := range banners {
		r.banners[b.ID] = b
	}
	return nil
}

// GetCollection returns the collection by ID.
func (r *Repository) GetCollection(_ context.Context, id string) (inspection.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[id]
	if !ok {
		return inspection.Collection{}, fmt.Errorf("collection %s: %w", id, inspection.ErrNotFound)
	}
	return cloneCollection(c), nil
}

// AcquireLease takes the collection for jobID when it is free or the previous lease expired.
func (r *Repository) AcquireLease(
	_ context.Context,
	collectionID, jobID string,
	now, expiresAt time.Time,
) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collections[collectionID]
	if !ok {
		return false, fmt.Errorf("collection %s: %w", collectionID, inspection.ErrNotFound)
	}
	held := c.CurrentJobID != nil && *c.CurrentJobID != ""
	if held && c.LeaseExpiresAt != nil && !c.LeaseExpiresAt.Before(now) {
		return false, nil
	}
	c.CurrentJobID = &jobID
	c.LeaseExpiresAt = &expiresAt
	r.collections[collectionID] = c
	return true, nil
}

// ReleaseLease clears the lease when jobID still holds it.
func (r *Repository) ReleaseLease(_ context.Context, collectionID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collections[collectionID]
	if !ok {
		return fmt.Errorf("collection %s: %w", collectionID, inspection.ErrNotFound)
	}
	if c.CurrentJobID != nil && *c.CurrentJobID == jobID {
		c.CurrentJobID = nil
		c.LeaseExpiresAt = nil
		r.collections[collectionID] = c
	}
	return nil
}

// UpdateSummary writes aggregate fields and releases the lease held by jobID.
func (r *Repository) UpdateSummary(
	_ context.Context,
	collectionID, jobID string,
	status inspection.CollectionStatus,
	passed int,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collections[collectionID]
	if !ok {
		return fmt.Errorf("collection %s: %w", collectionID, inspection.ErrNotFound)
	}
	c.InspectionStatus = status
	c.PassedCount = passed
	if jobID != "" && c.CurrentJobID != nil && *c.CurrentJobID == jobID {
		c.CurrentJobID = nil
		c.LeaseExpiresAt = nil
	}
	r.collections[collectionID] = c
	return nil
}

// CreateBanners stores banners; the batch is rejected as a whole on a duplicate ID.
func (r *Repository) CreateBanners(_ context.Context, banners []inspection.Banner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range banners {
		if _, exists := r.banners[b.ID]; exists {
			return fmt.Errorf("banner %s already exists", b.ID)
		}
	}
	for _, b := range banners {
		r.banners[b.ID] = b
	}
	return nil
}

// GetBanner returns the banner by ID.
func (r *Repository) GetBanner(_ context.Context, id string) (inspection.Banner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.banners[id]
	if !ok {
		return inspection.Banner{}, fmt.Errorf("banner %s: %w", id, inspection.ErrNotFound)
	}
	return b, nil
}

// ListBanners returns the collection's banners by extraction time, then position.
func (r *Repository) ListBanners(_ context.Context, collectionID string) ([]inspection.Banner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]inspection.Banner, 0)
	for _, b := range r.banners {
		if b.CollectionID == collectionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExtractedAt.Equal(out[j].ExtractedAt) {
			return out[i].ExtractedAt.Before(out[j].ExtractedAt)
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// CreateJob stores a new job.
func (r *Repository) CreateJob(_ context.Context, job inspection.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	r.jobs[job.ID] = job
	return nil
}

// GetJob returns the job by ID.
func (r *Repository) GetJob(_ context.Context, id string) (inspection.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return inspection.Job{}, fmt.Errorf("job %s: %w", id, inspection.ErrNotFound)
	}
	return job, nil
}

// ActiveJob returns the newest pending or processing job of the collection.
func (r *Repository) ActiveJob(_ context.Context, collectionID string) (inspection.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		found  inspection.Job
		exists bool
	)
	for _, job := range r.jobs {
		if job.CollectionID != collectionID || !job.Status.Active() {
			continue
		}
		if !exists || job.CreatedAt.After(found.CreatedAt) {
			found = job
			exists = true
		}
	}
	if !exists {
		return inspection.Job{}, fmt.Errorf("active job for %s: %w", collectionID, inspection.ErrNotFound)
	}
	return found, nil
}

// ListJobs returns the collection's jobs, newest first.
func (r *Repository) ListJobs(_ context.Context, collectionID string) ([]inspection.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]inspection.Job, 0)
	for _, job := range r.jobs {
		if job.CollectionID == collectionID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) mutateJob(id string, fn func(*inspection.Job) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, inspection.ErrNotFound)
	}
	if fn(&job) {
		r.jobs[id] = job
	}
	return nil
}

// MarkQueued flags a pending job as queued exactly once.
func (r *Repository) MarkQueued(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, inspection.ErrNotFound)
	}
	if job.Status != inspection.JobStatusPending {
		return false, nil
	}
	if _, done := r.queued[id]; done {
		return false, nil
	}
	r.queued[id] = at
	return true, nil
}

// MarkProcessing claims an active job whose attempt is at most attempt.
func (r *Repository) MarkProcessing(_ context.Context, id string, attempt int, at time.Time) (bool, error) {
	claimed := false
	err := r.mutateJob(id, func(job *inspection.Job) bool {
		if !job.Status.Active() || job.Attempt > attempt {
			return false
		}
		job.Status = inspection.JobStatusProcessing
		if job.StartedAt == nil {
			started := at
			job.StartedAt = &started
		}
		job.Attempt = attempt + 1
		claimed = true
		return true
	})
	return claimed, err
}

// MarkCompleted finalises a non-terminal job.
func (r *Repository) MarkCompleted(_ context.Context, id string, progressFinal int, at time.Time) error {
	return r.mutateJob(id, func(job *inspection.Job) bool {
		if job.Status.Terminal() {
			return false
		}
		job.Status = inspection.JobStatusCompleted
		job.ProgressCurrent = max(job.ProgressCurrent, progressFinal)
		completed := at
		job.CompletedAt = &completed
		return true
	})
}

// MarkFailed records the failure message on a non-terminal job.
func (r *Repository) MarkFailed(_ context.Context, id string, message string, at time.Time) error {
	return r.mutateJob(id, func(job *inspection.Job) bool {
		if job.Status.Terminal() {
			return false
		}
		job.Status = inspection.JobStatusFailed
		msg := message
		job.ErrorMessage = &msg
		completed := at
		job.CompletedAt = &completed
		return true
	})
}

// MarkCancelled cancels a pending or processing job.
func (r *Repository) MarkCancelled(_ context.Context, id string, at time.Time) error {
	return r.mutateJob(id, func(job *inspection.Job) bool {
		if !job.Status.Active() {
			return false
		}
		job.Status = inspection.JobStatusCancelled
		completed := at
		job.CompletedAt = &completed
		return true
	})
}

// SetProgressTotal records the number of banners the job targets.
func (r *Repository) SetProgressTotal(_ context.Context, id string, total int) error {
	return r.mutateJob(id, func(job *inspection.Job) bool {
		job.ProgressTotal = total
		return true
	})
}

// AdvanceProgress raises progress_current; it never moves backwards.
func (r *Repository) AdvanceProgress(_ context.Context, id string, current int) error {
	return r.mutateJob(id, func(job *inspection.Job) bool {
		if current <= job.ProgressCurrent {
			return false
		}
		job.ProgressCurrent = current
		return true
	})
}

// CreateLogs inserts logs, ignoring rows whose (job, banner) pair already exists.
func (r *Repository) CreateLogs(_ context.Context, logs []inspection.JobLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range logs {
		key := logKey{jobID: l.JobID, bannerID: l.BannerID}
		if _, exists := r.logs[key]; exists {
			continue
		}
		r.logs[key] = l
	}
	return nil
}

// UpdateLog applies a status transition to the (job, banner) log.
func (r *Repository) UpdateLog(_ context.Context, jobID, bannerID string, update inspection.LogUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := logKey{jobID: jobID, bannerID: bannerID}
	l, ok := r.logs[key]
	if !ok {
		return fmt.Errorf("log %s/%s: %w", jobID, bannerID, inspection.ErrNotFound)
	}
	l.Status = update.Status
	l.SkipReason = update.SkipReason
	l.ErrorMessage = update.ErrorMessage
	l.ResultSummary = update.ResultSummary
	l.UpdatedAt = update.UpdatedAt
	r.logs[key] = l
	return nil
}

// ListLogs returns the job's logs in creation order.
func (r *Repository) ListLogs(_ context.Context, jobID string) ([]inspection.JobLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]inspection.JobLog, 0)
	for key, l := range r.logs {
		if key.jobID == jobID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpsertResult replaces the banner's result, keeping the original row ID.
func (r *Repository) UpsertResult(_ context.Context, result inspection.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.results[result.BannerID]; ok {
		result.ID = existing.ID
	}
	r.results[result.BannerID] = result
	return nil
}

// GetResult returns the banner's result.
func (r *Repository) GetResult(_ context.Context, bannerID string) (inspection.Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[bannerID]
	if !ok {
		return inspection.Result{}, fmt.Errorf("result for banner %s: %w", bannerID, inspection.ErrNotFound)
	}
	return res, nil
}

// ListResults returns the results of every banner in the collection.
func (r *Repository) ListResults(_ context.Context, collectionID string) ([]inspection.Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]inspection.Result, 0)
	for bannerID, res := range r.results {
		if b, ok := r.banners[bannerID]; ok && b.CollectionID == collectionID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BannerID < out[j].BannerID })
	return out, nil
}

// DeleteResult removes the banner's result.
func (r *Repository) DeleteResult(_ context.Context, bannerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[bannerID]; !ok {
		return fmt.Errorf("result for banner %s: %w", bannerID, inspection.ErrNotFound)
	}
	delete(r.results, bannerID)
	return nil
}

// GetConfigValue returns a system config value.
func (r *Repository) GetConfigValue(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.config[key]
	if !ok {
		return "", fmt.Errorf("config %q: %w", key, inspection.ErrNotFound)
	}
	return v, nil
}

// SetConfigValue stores a system config value.
func (r *Repository) SetConfigValue(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config[key] = value
	return nil
}

func cloneCollection(c inspection.Collection) inspection.Collection {
	if c.CurrentJobID != nil {
		id := *c.CurrentJobID
		c.CurrentJobID = &id
	}
	if c.LeaseExpiresAt != nil {
		at := *c.LeaseExpiresAt
		c.LeaseExpiresAt = &at
	}
	return c
}
