package inspection

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseApproval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		token string
		want  Approval
	}{
		{"적합", ApprovalApproved},
		{"준수", ApprovalApproved},
		{" Approved ", ApprovalApproved},
		{"부적합", ApprovalRejected},
		{"rejected", ApprovalRejected},
		{"부분 준수", ApprovalUnknown},
		{"", ApprovalUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.token, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ParseApproval(tt.token))
		})
	}
}

func TestReportNormalizeFromLegacyJSON(t *testing.T) {
	t.Parallel()

	raw := `{"desktop":{"overallStatus":"적합","issues":[]},"mobile":{"overallStatus":"준수"}}`
	var report Report
	require.NoError(t, json.Unmarshal([]byte(raw), &report))
	report.Normalize()

	require.Equal(t, ApprovalApproved, report.Desktop.Approval)
	require.Equal(t, ApprovalApproved, report.Mobile.Approval)
	require.NotNil(t, report.Mobile.Issues)
	require.True(t, report.Passed())
	require.Equal(t, "Passed", report.Summary())
	require.Equal(t, SummaryPass, report.ResultSummary())
}

func TestReportSummaryAndIssueCount(t *testing.T) {
	t.Parallel()

	failed := Report{
		Desktop: ViewportInspection{Approval: ApprovalRejected, Issues: []Issue{{Category: "레이아웃"}}},
		Mobile:  ViewportInspection{Approval: ApprovalApproved, Issues: []Issue{{}, {}}},
	}
	require.False(t, failed.Passed())
	require.Equal(t, "Failed", failed.Summary())
	require.Equal(t, 3, failed.IssueCount())
	require.Equal(t, SummaryFail, failed.ResultSummary())

	partial := Report{
		Desktop: ViewportInspection{Approval: ApprovalApproved},
		Mobile:  ViewportInspection{Approval: ApprovalUnknown},
	}
	require.Equal(t, "Partial", partial.Summary())
}

func TestNewJobTarget(t *testing.T) {
	t.Parallel()

	id := "banner-1"
	target, err := NewJobTarget(JobTypeSingleBanner, &id)
	require.NoError(t, err)
	require.Equal(t, SingleBanner{BannerID: id}, target)

	target, err = NewJobTarget(JobTypeAllBanners, nil)
	require.NoError(t, err)
	require.Equal(t, AllBanners{}, target)

	_, err = NewJobTarget(JobTypeSingleBanner, nil)
	require.ErrorIs(t, err, ErrInvalidJob)
	require.True(t, IsPermanent(err))

	_, err = NewJobTarget("weekly", nil)
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	require.True(t, IsPermanent(ErrNotFound))
	require.True(t, IsPermanent(ErrMissingConfig))
	require.False(t, IsPermanent(errors.New("connection reset")))
	require.False(t, IsPermanent(nil))
}

func TestBannerHasImages(t *testing.T) {
	t.Parallel()

	require.False(t, Banner{}.HasImages())
	require.False(t, Banner{ImageDesktop: new(string)}.HasImages())
	require.True(t, Banner{ImageMobile: StringPtr("https://cdn.example.com/m.jpg")}.HasImages())
	require.True(t, JobStatusCancelled.Terminal())
	require.True(t, JobStatusPending.Active())
	require.False(t, JobStatusCompleted.Active())
}

func TestNormalizeDerivesApprovalFromOverallStatus(t *testing.T) {
	t.Parallel()

	v := ViewportInspection{OverallStatus: "부적합", Approval: ApprovalApproved}
	v.Normalize()
	require.Equal(t, ApprovalRejected, v.Approval)

	v = ViewportInspection{Approval: ApprovalApproved}
	v.Normalize()
	require.Equal(t, ApprovalUnknown, v.Approval)
}
