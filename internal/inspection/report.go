package inspection

import "strings"

// Approval is the normalised verdict for one viewport.
type Approval string

// Approval values. Reports from every prompt version map onto these.
const (
	ApprovalApproved Approval = "approved"
	ApprovalRejected Approval = "rejected"
	ApprovalUnknown  Approval = "unknown"
)

var approvalTokens = map[string]Approval{
	"적합":       ApprovalApproved,
	"준수":       ApprovalApproved,
	"approved": ApprovalApproved,
	"pass":     ApprovalApproved,
	"passed":   ApprovalApproved,
	"부적합":      ApprovalRejected,
	"위반":       ApprovalRejected,
	"rejected": ApprovalRejected,
	"fail":     ApprovalRejected,
	"failed":   ApprovalRejected,
}

// ParseApproval maps a raw overallStatus token onto an Approval.
func ParseApproval(token string) Approval {
	if a, ok := approvalTokens[strings.ToLower(strings.TrimSpace(token))]; ok {
		return a
	}
	return ApprovalUnknown
}

// Issue is one guideline violation reported for a viewport.
type Issue struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

// ReportItem is one category verdict in the detailed report.
type ReportItem struct {
	Category string `json:"category"`
	Status   string `json:"status"`
	Comment  string `json:"comment"`
}

// ViewportInspection is the audit of one rendering context.
type ViewportInspection struct {
	OverallStatus  string       `json:"overallStatus"`
	Approval       Approval     `json:"approval"`
	Issues         []Issue      `json:"issues"`
	DetailedReport []ReportItem `json:"detailedReport"`
}

// Normalize derives Approval from OverallStatus. Any approval value carried
// in the decoded JSON is discarded.
func (v *ViewportInspection) Normalize() {
	v.Approval = ParseApproval(v.OverallStatus)
	if v.Issues == nil {
		v.Issues = []Issue{}
	}
	if v.DetailedReport == nil {
		v.DetailedReport = []ReportItem{}
	}
}

// Report holds both viewport audits of a banner.
type Report struct {
	Desktop ViewportInspection `json:"desktop"`
	Mobile  ViewportInspection `json:"mobile"`
}

// Normalize normalises both viewports in place.
func (r *Report) Normalize() {
	r.Desktop.Normalize()
	r.Mobile.Normalize()
}

// Passed reports whether both viewports are approved.
func (r Report) Passed() bool {
	return r.Desktop.Approval == ApprovalApproved && r.Mobile.Approval == ApprovalApproved
}

// Summary returns "Passed", "Failed" or "Partial".
func (r Report) Summary() string {
	switch {
	case r.Passed():
		return "Passed"
	case r.Desktop.Approval == ApprovalRejected || r.Mobile.Approval == ApprovalRejected:
		return "Failed"
	default:
		return "Partial"
	}
}

// IssueCount totals the issues of both viewports.
func (r Report) IssueCount() int {
	return len(r.Desktop.Issues) + len(r.Mobile.Issues)
}

// ResultSummary converts the verdict into the job log summary.
func (r Report) ResultSummary() ResultSummary {
	if r.Passed() {
		return SummaryPass
	}
	return SummaryFail
}
