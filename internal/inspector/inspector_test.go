package inspector

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

const approvedReport = `{"bannerInspectionReport":{"desktop":{"overallStatus":"적합","issues":[]},"mobile":{"overallStatus":"적합","issues":[]}}}`

type fakeModel struct {
	mu       sync.Mutex
	calls    []inspection.ModelRequest
	response string
	err      error
	block    bool
}

func (m *fakeModel) Complete(ctx context.Context, req inspection.ModelRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return m.response, m.err
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakeStore struct {
	mu        sync.Mutex
	logs      map[string]inspection.LogUpdate
	results   map[string]inspection.Result
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{logs: map[string]inspection.LogUpdate{}, results: map[string]inspection.Result{}}
}

func (s *fakeStore) UpdateLog(_ context.Context, _ string, bannerID string, update inspection.LogUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[bannerID] = update
	return nil
}

func (s *fakeStore) UpsertResult(_ context.Context, result inspection.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if existing, ok := s.results[result.BannerID]; ok {
		result.ID = existing.ID
	}
	s.results[result.BannerID] = result
	return nil
}

func (s *fakeStore) log(bannerID string) inspection.LogUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[bannerID]
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "result-" + strconv.Itoa(g.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newInspector(model inspection.VisionModel, store Store) *Inspector {
	return New(model, store, &seqIDs{}, fixedClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}, time.Second, zap.NewNop())
}

func bannerWithImages(id string) inspection.Banner {
	return inspection.Banner{
		ID:           id,
		Title:        "Summer Sale",
		HTMLFragment: `<div class="c-carousel__item">Hot Days</div>`,
		ImageDesktop: inspection.StringPtr("https://cdn.example.com/" + id + "-d.jpg"),
		ImageMobile:  inspection.StringPtr("https://cdn.example.com/" + id + "-m.jpg"),
	}
}

func TestInspectCompletesAndUpserts(t *testing.T) {
	t.Parallel()

	model := &fakeModel{response: approvedReport}
	store := newFakeStore()
	insp := newInspector(model, store)

	outcome, err := insp.Inspect(context.Background(), "job-1", bannerWithImages("b1"), "https://cdn.example.com/icons.png")
	require.NoError(t, err)
	require.Equal(t, inspection.LogStatusCompleted, outcome.Status)
	require.True(t, outcome.Passed)

	log := store.log("b1")
	require.Equal(t, inspection.LogStatusCompleted, log.Status)
	require.NotNil(t, log.ResultSummary)
	require.Equal(t, inspection.SummaryPass, *log.ResultSummary)

	// A second audit updates the same row.
	_, err = insp.Inspect(context.Background(), "job-2", bannerWithImages("b1"), "")
	require.NoError(t, err)
	require.Len(t, store.results, 1)
	require.Equal(t, "result-1", store.results["b1"].ID)
	require.Equal(t, inspection.ApprovalApproved, store.results["b1"].Report.Mobile.Approval)
}

func TestInspectSkipsBannerWithoutImages(t *testing.T) {
	t.Parallel()

	model := &fakeModel{response: approvedReport}
	store := newFakeStore()
	insp := newInspector(model, store)

	outcome, err := insp.Inspect(context.Background(), "job-1", inspection.Banner{ID: "b3"}, "https://cdn.example.com/icons.png")
	require.NoError(t, err)
	require.Equal(t, inspection.LogStatusSkipped, outcome.Status)
	require.Equal(t, inspection.SkipMissingImages, outcome.SkipReason)
	require.Zero(t, model.callCount())

	log := store.log("b3")
	require.Equal(t, inspection.LogStatusSkipped, log.Status)
	require.Equal(t, inspection.SkipMissingImages, *log.SkipReason)
	require.Nil(t, log.ErrorMessage)
}

func TestInspectClassifiesImageErrorsAsSkips(t *testing.T) {
	t.Parallel()

	model := &fakeModel{err: errors.New("model error 400 Bad Request: Invalid image format: unsupported")}
	store := newFakeStore()
	insp := newInspector(model, store)

	outcome, err := insp.Inspect(context.Background(), "job-1", bannerWithImages("b1"), "")
	require.NoError(t, err)
	require.Equal(t, inspection.SkipUnsupportedImageFormat, outcome.SkipReason)

	log := store.log("b1")
	require.Equal(t, inspection.LogStatusSkipped, log.Status)
	require.Contains(t, *log.ErrorMessage, "Invalid image format")
}

func TestInspectFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		model    *fakeModel
		contains string
	}{
		{"malformed json", &fakeModel{response: "not json"}, "parse model response"},
		{"missing report key", &fakeModel{response: `{"desktop":{}}`}, "bannerInspectionReport"},
		{"missing viewport", &fakeModel{response: `{"bannerInspectionReport":{"desktop":{}}}`}, "desktop or mobile"},
		{"timeout", &fakeModel{block: true}, "timed out"},
		{"transport", &fakeModel{err: errors.New("connection reset by peer")}, "connection reset"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newFakeStore()
			insp := New(tt.model, store, &seqIDs{}, fixedClock{}, 20*time.Millisecond, nil)

			outcome, err := insp.Inspect(context.Background(), "job-1", bannerWithImages("b1"), "")
			require.ErrorContains(t, err, tt.contains)
			require.Equal(t, inspection.LogStatusFailed, outcome.Status)

			log := store.log("b1")
			require.Equal(t, inspection.LogStatusFailed, log.Status)
			require.Contains(t, *log.ErrorMessage, tt.contains)
			require.Empty(t, store.results)
		})
	}
}

func TestInspectPersistenceErrorFails(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.upsertErr = errors.New("connection refused")
	insp := newInspector(&fakeModel{response: approvedReport}, store)

	_, err := insp.Inspect(context.Background(), "job-1", bannerWithImages("b1"), "")
	require.ErrorContains(t, err, "save result")
	require.Equal(t, inspection.LogStatusFailed, store.log("b1").Status)
}

func TestRecordFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	insp := newInspector(&fakeModel{}, store)

	require.NoError(t, insp.RecordFailure(context.Background(), "job-1", "b9", errors.New("panic: boom")))
	require.Equal(t, inspection.LogStatusFailed, store.log("b9").Status)
}

func TestParseReportNormalizesApproval(t *testing.T) {
	t.Parallel()

	report, err := ParseReport(`{"bannerInspectionReport":{"desktop":{"overallStatus":"부적합","issues":[{"category":"레이아웃","description":"x"}]},"mobile":{"overallStatus":"적합"}}}`)
	require.NoError(t, err)
	require.Equal(t, inspection.ApprovalRejected, report.Desktop.Approval)
	require.Equal(t, inspection.ApprovalApproved, report.Mobile.Approval)
	require.False(t, report.Passed())
	require.Equal(t, 1, report.IssueCount())
}

func TestParseReportIgnoresModelSuppliedApproval(t *testing.T) {
	t.Parallel()

	report, err := ParseReport(`{"bannerInspectionReport":{` +
		`"desktop":{"overallStatus":"부적합","approval":"approved"},` +
		`"mobile":{"overallStatus":"부적합","approval":"approved"}}}`)
	require.NoError(t, err)
	require.Equal(t, inspection.ApprovalRejected, report.Desktop.Approval)
	require.Equal(t, inspection.ApprovalRejected, report.Mobile.Approval)
	require.False(t, report.Passed())
	require.Equal(t, inspection.SummaryFail, report.ResultSummary())

	report, err = ParseReport(`{"bannerInspectionReport":{` +
		`"desktop":{"overallStatus":"부분 준수","approval":"approved"},` +
		`"mobile":{"overallStatus":"적합"}}}`)
	require.NoError(t, err)
	require.Equal(t, inspection.ApprovalUnknown, report.Desktop.Approval)
	require.False(t, report.Passed())
}
