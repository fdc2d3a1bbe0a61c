package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/aggregator"
	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/inspector"
	"github.com/JakeFAU/banner-inspector/internal/progress"
	"github.com/JakeFAU/banner-inspector/internal/storage/memory"
)

const (
	testJobID        = "0190a5f4-9c8e-7b3a-8f00-000000000001"
	testCollectionID = "col-1"
	approvedJSON     = `{"bannerInspectionReport":{"desktop":{"overallStatus":"적합"},"mobile":{"overallStatus":"적합"}}}`
)

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", g.n.Add(1)), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// trackingModel records peak concurrency and can run a hook per call.
type trackingModel struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
	delay    time.Duration
	onCall   func(call int32)
	response string
}

func (m *trackingModel) Complete(ctx context.Context, _ inspection.ModelRequest) (string, error) {
	call := m.calls.Add(1)
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.peak.Load()
		if cur <= peak || m.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	if m.onCall != nil {
		m.onCall(call)
	}
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return m.response, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		if evt.Stage != progress.StageBannerDone {
			out = append(out, evt.Stage)
		}
	}
	return out
}

// progressStore records every progress value written.
type progressStore struct {
	*memory.Repository
	mu       sync.Mutex
	advances []int
}

func (s *progressStore) AdvanceProgress(ctx context.Context, id string, current int) error {
	s.mu.Lock()
	s.advances = append(s.advances, current)
	s.mu.Unlock()
	return s.Repository.AdvanceProgress(ctx, id, current)
}

type fixture struct {
	repo    *progressStore
	model   *trackingModel
	emitter *recordingEmitter
	pipe    *Pipeline
}

func newFixture(t *testing.T, banners int, withImages func(i int) bool, job inspection.Job) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := &progressStore{Repository: memory.NewRepository()}
	require.NoError(t, repo.CreateCollection(ctx, inspection.Collection{
		ID:               testCollectionID,
		SourceURL:        "https://example.com/promo",
		InspectionStatus: inspection.CollectionNotInspected,
		BannerCount:      banners,
		CollectedAt:      now,
	}))
	list := make([]inspection.Banner, 0, banners)
	for i := 0; i < banners; i++ {
		b := inspection.Banner{
			ID:           fmt.Sprintf("banner-%d", i+1),
			CollectionID: testCollectionID,
			Position:     i,
			Title:        fmt.Sprintf("Banner %d", i+1),
			ExtractedAt:  now,
		}
		if withImages(i) {
			b.ImageDesktop = inspection.StringPtr(fmt.Sprintf("https://cdn.example.com/%d-d.jpg", i))
			b.ImageMobile = inspection.StringPtr(fmt.Sprintf("https://cdn.example.com/%d-m.jpg", i))
		}
		list = append(list, b)
	}
	require.NoError(t, repo.CreateBanners(ctx, list))
	require.NoError(t, repo.SetConfigValue(ctx, DefaultIconsConfigKey, "icons/approved.png"))

	if job.ID == "" {
		job.ID = testJobID
	}
	if job.Type == "" {
		job.Type = inspection.JobTypeAllBanners
	}
	job.CollectionID = testCollectionID
	job.Status = inspection.JobStatusPending
	job.CreatedAt = now
	require.NoError(t, repo.CreateJob(ctx, job))
	ok, err := repo.AcquireLease(ctx, testCollectionID, job.ID, now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	model := &trackingModel{delay: 10 * time.Millisecond, response: approvedJSON}
	ids := &seqIDs{}
	clock := fixedClock{t: now}
	insp := inspector.New(model, repo, ids, clock, time.Second, zap.NewNop())
	agg := aggregator.New(repo, zap.NewNop())
	emitter := &recordingEmitter{}
	pipe := New(Config{}, repo, insp, agg, memory.NewBlobStore(), ids, clock, emitter, zap.NewNop())

	return &fixture{repo: repo, model: model, emitter: emitter, pipe: pipe}
}

func allImages(int) bool { return true }

func countLogs(t *testing.T, repo *progressStore, jobID string) map[inspection.LogStatus]int {
	t.Helper()
	logs, err := repo.ListLogs(context.Background(), jobID)
	require.NoError(t, err)
	out := map[inspection.LogStatus]int{}
	for _, l := range logs {
		out[l.Status]++
	}
	return out
}

func TestRunAllBannersApproved(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 5, allImages, inspection.Job{})
	ctx := context.Background()

	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID}))

	job, err := f.repo.GetJob(ctx, testJobID)
	require.NoError(t, err)
	require.Equal(t, inspection.JobStatusCompleted, job.Status)
	require.Equal(t, 5, job.ProgressCurrent)
	require.Equal(t, 5, job.ProgressTotal)
	require.Equal(t, 1, job.Attempt)

	col, err := f.repo.GetCollection(ctx, testCollectionID)
	require.NoError(t, err)
	require.Equal(t, inspection.CollectionInspected, col.InspectionStatus)
	require.Equal(t, 5, col.PassedCount)
	require.Nil(t, col.CurrentJobID)

	require.Equal(t, map[inspection.LogStatus]int{inspection.LogStatusCompleted: 5}, countLogs(t, f.repo, testJobID))
	require.Equal(t, []int{3, 5}, f.repo.advances)
	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StageBatchDone,
		progress.StageBatchDone,
		progress.StageJobDone,
	}, f.emitter.stages())
}

func TestRunSkipsBannerWithoutImages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4, func(i int) bool { return i != 2 }, inspection.Job{})
	ctx := context.Background()

	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID}))

	require.Equal(t, map[inspection.LogStatus]int{
		inspection.LogStatusCompleted: 3,
		inspection.LogStatusSkipped:   1,
	}, countLogs(t, f.repo, testJobID))
	require.EqualValues(t, 3, f.model.calls.Load())

	job, err := f.repo.GetJob(ctx, testJobID)
	require.NoError(t, err)
	require.Equal(t, inspection.JobStatusCompleted, job.Status)
	require.Equal(t, 4, job.ProgressCurrent)

	col, err := f.repo.GetCollection(ctx, testCollectionID)
	require.NoError(t, err)
	require.Equal(t, 3, col.PassedCount)
	require.Equal(t, inspection.CollectionInspecting, col.InspectionStatus)
}

func TestRunBoundsConcurrencyToBatchSize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 8, allImages, inspection.Job{})
	f.model.delay = 30 * time.Millisecond

	require.NoError(t, f.pipe.Run(context.Background(), inspection.Task{JobID: testJobID}))
	require.LessOrEqual(t, f.model.peak.Load(), int32(DefaultBatchSize))
	require.EqualValues(t, 8, f.model.calls.Load())

	for i := 1; i < len(f.repo.advances); i++ {
		require.Greater(t, f.repo.advances[i], f.repo.advances[i-1])
	}
	require.Equal(t, []int{3, 6, 8}, f.repo.advances)
}

func TestRunStopsAfterCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 7, allImages, inspection.Job{})
	ctx := context.Background()
	f.model.onCall = func(call int32) {
		if call == 1 {
			_ = f.repo.MarkCancelled(ctx, testJobID, time.Now())
		}
	}

	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID}))

	job, err := f.repo.GetJob(ctx, testJobID)
	require.NoError(t, err)
	require.Equal(t, inspection.JobStatusCancelled, job.Status)
	require.Equal(t, 3, job.ProgressCurrent)
	require.EqualValues(t, 3, f.model.calls.Load())

	require.Equal(t, map[inspection.LogStatus]int{
		inspection.LogStatusCompleted: 3,
		inspection.LogStatusPending:   4,
	}, countLogs(t, f.repo, testJobID))

	col, err := f.repo.GetCollection(ctx, testCollectionID)
	require.NoError(t, err)
	require.Nil(t, col.CurrentJobID)
	require.Equal(t, inspection.CollectionInspecting, col.InspectionStatus)
	require.Contains(t, f.emitter.stages(), progress.StageJobCancelled)
}

func TestRunSingleBanner(t *testing.T) {
	t.Parallel()

	bannerID := "banner-2"
	f := newFixture(t, 3, allImages, inspection.Job{Type: inspection.JobTypeSingleBanner, BannerID: &bannerID})
	ctx := context.Background()

	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID}))

	logs, err := f.repo.ListLogs(ctx, testJobID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, bannerID, logs[0].BannerID)
	require.Equal(t, inspection.LogStatusCompleted, logs[0].Status)

	col, err := f.repo.GetCollection(ctx, testCollectionID)
	require.NoError(t, err)
	require.Equal(t, inspection.CollectionInspecting, col.InspectionStatus)
	require.Equal(t, 1, col.PassedCount)
}

func TestRunMissingIconsConfigIsJobFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, allImages, inspection.Job{})
	ctx := context.Background()
	require.NoError(t, f.repo.SetConfigValue(ctx, DefaultIconsConfigKey, " "))

	err := f.pipe.Run(ctx, inspection.Task{JobID: testJobID})
	require.ErrorIs(t, err, inspection.ErrMissingConfig)
	require.True(t, inspection.IsPermanent(err))
	require.Zero(t, f.model.calls.Load())

	require.NoError(t, f.pipe.Fail(ctx, testJobID, err))
	job, getErr := f.repo.GetJob(ctx, testJobID)
	require.NoError(t, getErr)
	require.Equal(t, inspection.JobStatusFailed, job.Status)
	require.Contains(t, *job.ErrorMessage, DefaultIconsConfigKey)

	col, getErr := f.repo.GetCollection(ctx, testCollectionID)
	require.NoError(t, getErr)
	require.Nil(t, col.CurrentJobID)
	require.Contains(t, f.emitter.stages(), progress.StageJobError)
}

func TestRunRejectsBannerFromAnotherCollection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, allImages, inspection.Job{})
	ctx := context.Background()
	require.NoError(t, f.repo.CreateCollection(ctx, inspection.Collection{ID: "col-2"}))
	require.NoError(t, f.repo.CreateBanners(ctx, []inspection.Banner{{ID: "foreign", CollectionID: "col-2"}}))
	foreign := "foreign"
	require.NoError(t, f.repo.CreateJob(ctx, inspection.Job{
		ID:           "job-foreign",
		CollectionID: testCollectionID,
		Type:         inspection.JobTypeSingleBanner,
		BannerID:     &foreign,
		Status:       inspection.JobStatusPending,
	}))

	err := f.pipe.Run(ctx, inspection.Task{JobID: "job-foreign"})
	require.ErrorIs(t, err, inspection.ErrInvalidJob)
}

func TestRunIgnoresTerminalJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, allImages, inspection.Job{})
	ctx := context.Background()
	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID}))
	calls := f.model.calls.Load()

	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID}))
	require.Equal(t, calls, f.model.calls.Load())

	err := f.pipe.Run(ctx, inspection.Task{JobID: "missing"})
	require.ErrorIs(t, err, inspection.ErrNotFound)
}

func TestRunResumesSettledBanners(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4, allImages, inspection.Job{})
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.repo.CreateLogs(ctx, []inspection.JobLog{
		{ID: "pre-1", JobID: testJobID, BannerID: "banner-1", Status: inspection.LogStatusPending},
	}))
	require.NoError(t, f.repo.UpdateLog(ctx, testJobID, "banner-1", inspection.LogUpdate{Status: inspection.LogStatusFailed, UpdatedAt: now}))

	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID}))
	require.EqualValues(t, 3, f.model.calls.Load())

	job, err := f.repo.GetJob(ctx, testJobID)
	require.NoError(t, err)
	require.Equal(t, 4, job.ProgressCurrent)
}

func TestConcurrentRunsOfOneTaskClaimOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6, allImages, inspection.Job{})
	f.model.delay = 100 * time.Millisecond
	task := inspection.Task{JobID: testJobID}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.pipe.Run(context.Background(), task)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	require.EqualValues(t, 6, f.model.calls.Load())
	require.LessOrEqual(t, f.model.peak.Load(), int32(DefaultBatchSize))

	job, err := f.repo.GetJob(context.Background(), testJobID)
	require.NoError(t, err)
	require.Equal(t, inspection.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.Attempt)
}

func TestRedeliveredTaskTakesOverInterruptedRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, allImages, inspection.Job{})
	ctx := context.Background()
	// A previous consumer claimed the job and died before finishing.
	claimed, err := f.repo.MarkProcessing(ctx, testJobID, 0, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID}))
	require.Zero(t, f.model.calls.Load(), "a duplicate of the claimed attempt does no work")

	require.NoError(t, f.pipe.Run(ctx, inspection.Task{JobID: testJobID, Redelivered: true}))
	require.EqualValues(t, 2, f.model.calls.Load())

	job, err := f.repo.GetJob(ctx, testJobID)
	require.NoError(t, err)
	require.Equal(t, inspection.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.Attempt)
}

type panickyInspector struct {
	Inspector
	mu       sync.Mutex
	recorded []string
}

func (p *panickyInspector) Inspect(_ context.Context, _ string, banner inspection.Banner, _ string) (inspector.Outcome, error) {
	if banner.ID == "banner-2" {
		panic("boom")
	}
	return inspector.Outcome{Status: inspection.LogStatusCompleted, Passed: true}, nil
}

func (p *panickyInspector) RecordFailure(_ context.Context, _ string, bannerID string, _ error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorded = append(p.recorded, bannerID)
	return nil
}

func TestRunRecoversPanicsPerBanner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, allImages, inspection.Job{})
	insp := &panickyInspector{}
	f.pipe.inspector = insp

	require.NoError(t, f.pipe.Run(context.Background(), inspection.Task{JobID: testJobID}))
	require.Equal(t, []string{"banner-2"}, insp.recorded)

	job, err := f.repo.GetJob(context.Background(), testJobID)
	require.NoError(t, err)
	require.Equal(t, inspection.JobStatusCompleted, job.Status)
}

func TestFailUnknownJobIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, allImages, inspection.Job{})
	require.NoError(t, f.pipe.Fail(context.Background(), "missing", fmt.Errorf("x")))
}
