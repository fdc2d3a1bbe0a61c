// Package inspector audits one banner against the vision model and records
// the outcome on the banner's job log.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/metrics"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 150 * time.Second

// Store is the persistence the inspector writes to.
type Store interface {
	UpdateLog(ctx context.Context, jobID, bannerID string, update inspection.LogUpdate) error
	UpsertResult(ctx context.Context, result inspection.Result) error
}

// Outcome is the recorded result of one banner audit.
type Outcome struct {
	Status     inspection.LogStatus
	SkipReason inspection.SkipReason
	Passed     bool
	Report     *inspection.Report
}

// Inspector runs per-banner audits. It is safe for concurrent use.
type Inspector struct {
	model   inspection.VisionModel
	store   Store
	ids     inspection.IDGenerator
	clock   inspection.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// New wires an Inspector. A non-positive timeout selects DefaultTimeout.
func New(model inspection.VisionModel, store Store, ids inspection.IDGenerator, clock inspection.Clock, timeout time.Duration, logger *zap.Logger) *Inspector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{
		model:   model,
		store:   store,
		ids:     ids,
		clock:   clock,
		timeout: timeout,
		logger:  logger,
	}
}

// Inspect audits banner for jobID and writes the job log. A returned error
// means the banner failed; the failure has already been recorded when the
// log write itself succeeded. Skips are not errors.
func (i *Inspector) Inspect(ctx context.Context, jobID string, banner inspection.Banner, iconsURL string) (Outcome, error) {
	logger := i.logger.With(zap.String("job_id", jobID), zap.String("banner_id", banner.ID))

	if err := i.store.UpdateLog(ctx, jobID, banner.ID, inspection.LogUpdate{
		Status:    inspection.LogStatusProcessing,
		UpdatedAt: i.clock.Now(),
	}); err != nil {
		logger.Warn("mark log processing failed", zap.Error(err))
	}

	if !banner.HasImages() {
		logger.Info("skipping banner without images")
		return i.skip(ctx, jobID, banner.ID, inspection.SkipMissingImages, nil)
	}

	report, err := i.audit(ctx, banner, iconsURL)
	if err == nil {
		err = i.save(ctx, banner.ID, report)
	}
	if err != nil {
		if reason, ok := Classify(err); ok {
			logger.Info("skipping banner after image error", zap.String("skip_reason", string(reason)), zap.Error(err))
			return i.skip(ctx, jobID, banner.ID, reason, err)
		}
		logger.Warn("banner inspection failed", zap.Error(err))
		return i.fail(ctx, jobID, banner.ID, err)
	}

	summary := report.ResultSummary()
	if updateErr := i.store.UpdateLog(ctx, jobID, banner.ID, inspection.LogUpdate{
		Status:        inspection.LogStatusCompleted,
		ResultSummary: &summary,
		UpdatedAt:     i.clock.Now(),
	}); updateErr != nil {
		logger.Warn("mark log completed failed", zap.Error(updateErr))
	}
	metrics.ObserveBanner(string(inspection.LogStatusCompleted))
	logger.Info("banner inspected",
		zap.String("desktop", string(report.Desktop.Approval)),
		zap.String("mobile", string(report.Mobile.Approval)),
		zap.Bool("passed", report.Passed()),
	)
	return Outcome{Status: inspection.LogStatusCompleted, Passed: report.Passed(), Report: &report}, nil
}

// RecordFailure marks a banner failed for causes raised outside Inspect,
// such as a recovered panic.
func (i *Inspector) RecordFailure(ctx context.Context, jobID, bannerID string, cause error) error {
	return i.markFailed(ctx, jobID, bannerID, cause)
}

func (i *Inspector) audit(ctx context.Context, banner inspection.Banner, iconsURL string) (inspection.Report, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	raw, err := i.model.Complete(callCtx, BuildRequest(banner, iconsURL))
	if err != nil {
		metrics.ObserveModelCall("error", time.Since(start))
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return inspection.Report{}, fmt.Errorf("model call timed out after %s: %w", i.timeout, err)
		}
		return inspection.Report{}, err
	}
	metrics.ObserveModelCall("ok", time.Since(start))

	return ParseReport(raw)
}

type envelope struct {
	Report *struct {
		Desktop *inspection.ViewportInspection `json:"desktop"`
		Mobile  *inspection.ViewportInspection `json:"mobile"`
	} `json:"bannerInspectionReport"`
}

// ParseReport decodes the model's JSON answer into a normalised Report.
func ParseReport(raw string) (inspection.Report, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return inspection.Report{}, fmt.Errorf("parse model response: %w", err)
	}
	if env.Report == nil {
		return inspection.Report{}, errors.New("model response is missing bannerInspectionReport")
	}
	if env.Report.Desktop == nil || env.Report.Mobile == nil {
		return inspection.Report{}, errors.New("model response is missing a desktop or mobile verdict")
	}
	report := inspection.Report{Desktop: *env.Report.Desktop, Mobile: *env.Report.Mobile}
	report.Normalize()
	return report, nil
}

func (i *Inspector) skip(ctx context.Context, jobID, bannerID string, reason inspection.SkipReason, cause error) (Outcome, error) {
	update := inspection.LogUpdate{
		Status:     inspection.LogStatusSkipped,
		SkipReason: &reason,
		UpdatedAt:  i.clock.Now(),
	}
	if cause != nil {
		msg := cause.Error()
		update.ErrorMessage = &msg
	}
	metrics.ObserveBanner(string(inspection.LogStatusSkipped))
	if err := i.store.UpdateLog(ctx, jobID, bannerID, update); err != nil {
		i.logger.Warn("mark log skipped failed", zap.String("job_id", jobID), zap.String("banner_id", bannerID), zap.Error(err))
	}
	return Outcome{Status: inspection.LogStatusSkipped, SkipReason: reason}, nil
}

func (i *Inspector) fail(ctx context.Context, jobID, bannerID string, cause error) (Outcome, error) {
	if err := i.markFailed(ctx, jobID, bannerID, cause); err != nil {
		return Outcome{Status: inspection.LogStatusFailed}, errors.Join(cause, err)
	}
	return Outcome{Status: inspection.LogStatusFailed}, cause
}

func (i *Inspector) markFailed(ctx context.Context, jobID, bannerID string, cause error) error {
	msg := cause.Error()
	metrics.ObserveBanner(string(inspection.LogStatusFailed))
	if err := i.store.UpdateLog(ctx, jobID, bannerID, inspection.LogUpdate{
		Status:       inspection.LogStatusFailed,
		ErrorMessage: &msg,
		UpdatedAt:    i.clock.Now(),
	}); err != nil {
		return fmt.Errorf("mark log failed: %w", err)
	}
	return nil
}

func (i *Inspector) save(ctx context.Context, bannerID string, report inspection.Report) error {
	id, err := i.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate result id: %w", err)
	}
	if err := i.store.UpsertResult(ctx, inspection.Result{
		ID:          id,
		BannerID:    bannerID,
		Report:      report,
		InspectedAt: i.clock.Now(),
	}); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}
