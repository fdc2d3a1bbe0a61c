// Package aggregator recomputes a collection's cached audit summary from
// the stored results of all of its banners.
package aggregator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// Store is the subset of the repository the aggregator reads and writes.
type Store interface {
	ListBanners(ctx context.Context, collectionID string) ([]inspection.Banner, error)
	ListResults(ctx context.Context, collectionID string) ([]inspection.Result, error)
	UpdateSummary(ctx context.Context, collectionID, jobID string, status inspection.CollectionStatus, passed int) error
}

// Summary is the recomputed collection state.
type Summary struct {
	Status      inspection.CollectionStatus `json:"inspection_status"`
	PassedCount int                         `json:"passed_count"`
	Inspected   int                         `json:"inspected"`
	Total       int                         `json:"total"`
}

// Aggregator recomputes collection summaries. Running it twice on an
// unchanged result set writes the same values.
type Aggregator struct {
	store  Store
	logger *zap.Logger
}

// New returns an Aggregator backed by store.
func New(store Store, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, logger: logger}
}

// Recompute derives the collection status and passed count from scratch and
// writes them. The collection's current job is cleared only when jobID still
// holds it; an empty jobID leaves the lease untouched.
func (a *Aggregator) Recompute(ctx context.Context, collectionID, jobID string) (Summary, error) {
	banners, err := a.store.ListBanners(ctx, collectionID)
	if err != nil {
		return Summary{}, fmt.Errorf("list banners: %w", err)
	}
	results, err := a.store.ListResults(ctx, collectionID)
	if err != nil {
		return Summary{}, fmt.Errorf("list results: %w", err)
	}

	summary := Compute(banners, results)
	if err := a.store.UpdateSummary(ctx, collectionID, jobID, summary.Status, summary.PassedCount); err != nil {
		return Summary{}, fmt.Errorf("update summary: %w", err)
	}
	a.logger.Info("collection summary recomputed",
		zap.String("collection_id", collectionID),
		zap.String("job_id", jobID),
		zap.String("inspection_status", string(summary.Status)),
		zap.Int("passed_count", summary.PassedCount),
		zap.Int("inspected", summary.Inspected),
		zap.Int("total", summary.Total),
	)
	return summary, nil
}

// Compute is the pure part of Recompute. Results for banners outside the
// list are ignored. An empty collection counts as inspected.
func Compute(banners []inspection.Banner, results []inspection.Result) Summary {
	byBanner := make(map[string]inspection.Result, len(results))
	for _, r := range results {
		byBanner[r.BannerID] = r
	}

	summary := Summary{Total: len(banners)}
	for _, b := range banners {
		r, ok := byBanner[b.ID]
		if !ok {
			continue
		}
		summary.Inspected++
		report := r.Report
		report.Normalize()
		if report.Passed() {
			summary.PassedCount++
		}
	}

	switch {
	case summary.Inspected == summary.Total:
		summary.Status = inspection.CollectionInspected
	case summary.Inspected > 0:
		summary.Status = inspection.CollectionInspecting
	default:
		summary.Status = inspection.CollectionNotInspected
	}
	return summary
}
