// Package inspection defines the core types shared across the banner
// inspection pipeline: collections, banners, jobs, job logs and results.
package inspection

import (
	"net/http"
	"time"
)

// CollectionStatus summarises how much of a collection has been audited.
type CollectionStatus string

// Collection inspection states. Only the aggregator writes these.
const (
	CollectionNotInspected CollectionStatus = "not_inspected"
	CollectionInspecting   CollectionStatus = "inspecting"
	CollectionInspected    CollectionStatus = "inspected"
)

// JobType selects which banners a job audits.
type JobType string

// Supported job types.
const (
	JobTypeSingleBanner JobType = "single_banner"
	JobTypeAllBanners   JobType = "all_banners"
)

// JobStatus represents the lifecycle state of an inspection job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the job still holds its collection.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// LogStatus is the per-banner execution state inside a job.
type LogStatus string

// Job log status values.
const (
	LogStatusPending    LogStatus = "pending"
	LogStatusProcessing LogStatus = "processing"
	LogStatusCompleted  LogStatus = "completed"
	LogStatusFailed     LogStatus = "failed"
	LogStatusSkipped    LogStatus = "skipped"
)

// SkipReason explains why a banner audit was not attempted.
type SkipReason string

// Skip reasons recorded on job logs.
const (
	SkipMissingImages          SkipReason = "missing_images"
	SkipUnsupportedImageFormat SkipReason = "unsupported_image_format"
	SkipImageTooLarge          SkipReason = "image_too_large"
	SkipImageNotAccessible     SkipReason = "image_not_accessible"
	SkipAPIImageError          SkipReason = "api_image_error"
)

// ResultSummary is the pass/fail verdict stored on completed logs.
type ResultSummary string

// Result summaries.
const (
	SummaryPass ResultSummary = "pass"
	SummaryFail ResultSummary = "fail"
)

// DefaultBannerTitle is used when a carousel item carries no title.
const DefaultBannerTitle = "Untitled Banner"

// Collection is the outcome of one crawl of one source URL.
type Collection struct {
	ID               string           `json:"id"`
	SourceURL        string           `json:"source_url"`
	CollectedAt      time.Time        `json:"collected_at"`
	InspectionStatus CollectionStatus `json:"inspection_status"`
	PassedCount      int              `json:"passed_count"`
	BannerCount      int              `json:"banner_count"`
	CSSKey           string           `json:"css_key,omitempty"`
	CurrentJobID     *string          `json:"current_job_id,omitempty"`
	LeaseExpiresAt   *time.Time       `json:"lease_expires_at,omitempty"`
}

// Banner is one extracted marketing creative.
type Banner struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Position     int       `json:"position"`
	Title        string    `json:"title"`
	HTMLFragment string    `json:"html_fragment"`
	ImageDesktop *string   `json:"image_desktop,omitempty"`
	ImageMobile  *string   `json:"image_mobile,omitempty"`
	ExtractedAt  time.Time `json:"extracted_at"`
}

// HasImages reports whether at least one viewport image is known.
func (b Banner) HasImages() bool {
	return nonEmpty(b.ImageDesktop) || nonEmpty(b.ImageMobile)
}

// Job is one request to audit one banner or all banners of a collection.
type Job struct {
	ID              string     `json:"id"`
	CollectionID    string     `json:"collection_id"`
	Type            JobType    `json:"job_type"`
	BannerID        *string    `json:"banner_id,omitempty"`
	Status          JobStatus  `json:"status"`
	ProgressCurrent int        `json:"progress_current"`
	ProgressTotal   int        `json:"progress_total"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	Attempt         int        `json:"attempt"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Target returns the tagged variant describing the job's banner set.
func (j Job) Target() (JobTarget, error) {
	return NewJobTarget(j.Type, j.BannerID)
}

// JobLog is the per-banner execution record within a job.
type JobLog struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	BannerID      string         `json:"banner_id"`
	Status        LogStatus      `json:"status"`
	SkipReason    *SkipReason    `json:"skip_reason,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ResultSummary *ResultSummary `json:"result_summary,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LogUpdate carries the fields written when a job log transitions.
type LogUpdate struct {
	Status        LogStatus
	SkipReason    *SkipReason
	ErrorMessage  *string
	ResultSummary *ResultSummary
	UpdatedAt     time.Time
}

// Result is the stored audit of one banner. At most one exists per banner.
type Result struct {
	ID          string    `json:"id"`
	BannerID    string    `json:"banner_id"`
	Report      Report    `json:"report"`
	InspectedAt time.Time `json:"inspected_at"`
}

// Task is the queue payload that drives one job execution.
type Task struct {
	JobID     string `json:"job_id"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
	// Redelivered is set on tasks recovered from a crashed consumer; such a
	// task may take over the job from the run it interrupted.
	Redelivered bool `json:"redelivered,omitempty"`
}

// BannerCandidate is the extractor's view of a banner before persistence.
type BannerCandidate struct {
	Title        string  `json:"dataTitle"`
	HTML         string  `json:"bannerHtml"`
	ImageDesktop *string `json:"imageDesktop"`
	ImageMobile  *string `json:"imageMobile"`
}

// Extraction is the extractor output for one page.
type Extraction struct {
	Banners []BannerCandidate `json:"banners"`
	CSS     string            `json:"css"`
}

// CarouselItemClass marks one banner slide in source pages.
const CarouselItemClass = "cmp-carousel__item"

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
