// Package ingest persists an extraction as a collection plus its banners.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// CSSContentType is the content type used for uploaded stylesheets.
const CSSContentType = "text/css"

// Extractor produces banner candidates for a page.
type Extractor interface {
	Extract(ctx context.Context, sourceURL string) (inspection.Extraction, error)
}

// Store is the subset of persistence ingest writes to.
type Store interface {
	SaveCollection(ctx context.Context, c inspection.Collection, banners []inspection.Banner) error
}

// Service turns extractions into stored collections.
type Service struct {
	extractor Extractor
	store     Store
	blobs     inspection.BlobStore
	ids       inspection.IDGenerator
	clock     inspection.Clock
	logger    *zap.Logger
}

// New wires a Service. extractor may be nil when only Ingest is used.
func New(
	extractor Extractor,
	store Store,
	blobs inspection.BlobStore,
	ids inspection.IDGenerator,
	clock inspection.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		extractor: extractor,
		store:     store,
		blobs:     blobs,
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}
}

// CSSKey is the object path of a collection's stylesheet.
func CSSKey(collectionID string) string {
	return "collections/" + collectionID + "/styles.css"
}

// Crawl extracts sourceURL and ingests the result.
func (s *Service) Crawl(ctx context.Context, sourceURL string) (inspection.Collection, error) {
	if s.extractor == nil {
		return inspection.Collection{}, fmt.Errorf("crawl %s: extractor not configured", sourceURL)
	}
	extraction, err := s.extractor.Extract(ctx, sourceURL)
	if err != nil {
		return inspection.Collection{}, fmt.Errorf("extract %s: %w", sourceURL, err)
	}
	return s.Ingest(ctx, sourceURL, extraction)
}

// Ingest uploads the CSS and stores the collection and its banners in extraction order.
// A failed write leaves neither rows nor the stylesheet behind.
func (s *Service) Ingest(
	ctx context.Context,
	sourceURL string,
	extraction inspection.Extraction,
) (inspection.Collection, error) {
	collectionID, err := s.ids.NewID()
	if err != nil {
		return inspection.Collection{}, fmt.Errorf("collection id: %w", err)
	}
	now := s.clock.Now()
	logger := s.logger.With(zap.String("collection_id", collectionID), zap.String("url", sourceURL))

	banners := make([]inspection.Banner, 0, len(extraction.Banners))
	for i, candidate := range extraction.Banners {
		bannerID, err := s.ids.NewID()
		if err != nil {
			return inspection.Collection{}, fmt.Errorf("banner id: %w", err)
		}
		title := strings.TrimSpace(candidate.Title)
		if title == "" {
			title = inspection.DefaultBannerTitle
		}
		banners = append(banners, inspection.Banner{
			ID:           bannerID,
			CollectionID: collectionID,
			Position:     i,
			Title:        title,
			HTMLFragment: candidate.HTML,
			ImageDesktop: candidate.ImageDesktop,
			ImageMobile:  candidate.ImageMobile,
			ExtractedAt:  now,
		})
	}

	var cssKey string
	if strings.TrimSpace(extraction.CSS) != "" {
		cssKey = CSSKey(collectionID)
		uri, err := s.blobs.PutObject(ctx, cssKey, CSSContentType, strings.NewReader(extraction.CSS))
		if err != nil {
			return inspection.Collection{}, fmt.Errorf("upload css: %w", err)
		}
		logger.Debug("css uploaded", zap.String("uri", uri), zap.Int("bytes", len(extraction.CSS)))
	}

	collection := inspection.Collection{
		ID:               collectionID,
		SourceURL:        sourceURL,
		CollectedAt:      now,
		InspectionStatus: inspection.CollectionNotInspected,
		PassedCount:      0,
		BannerCount:      len(banners),
		CSSKey:           cssKey,
	}
	if err := s.store.SaveCollection(ctx, collection, banners); err != nil {
		if cssKey != "" {
			if delErr := s.blobs.DeleteObject(context.WithoutCancel(ctx), cssKey); delErr != nil {
				logger.Warn("orphaned css not removed", zap.String("key", cssKey), zap.Error(delErr))
			}
		}
		return inspection.Collection{}, fmt.Errorf("store collection: %w", err)
	}

	logger.Info("collection ingested", zap.Int("banners", len(banners)), zap.Bool("css", cssKey != ""))
	return collection, nil
}
