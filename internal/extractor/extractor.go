// Package extractor fetches a source page and pulls out its carousel banners
// together with the page's aggregated stylesheet text.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/policy/ratelimit"
)

// DefaultUserAgent is the browser-like agent sent with page and CSS fetches.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// ErrInvalidURL is returned when the source URL is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("source url must be an absolute http(s) url")

// Config controls page and stylesheet fetching.
type Config struct {
	UserAgent      string
	PageTimeout    time.Duration
	CSSTimeout     time.Duration
	CSSMaxAttempts int
	CSSRetryWait   time.Duration
}

// Extractor implements the crawl step for one source URL.
type Extractor struct {
	cfg      Config
	fetcher  inspection.Fetcher
	headless inspection.Fetcher
	detector inspection.HeadlessDetector
	css      *cssCollector
	logger   *zap.Logger
}

// New wires an Extractor. limiter may be nil to disable CSS rate limiting.
func New(cfg Config, fetcher inspection.Fetcher, limiter *ratelimit.Limiter, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.CSSTimeout <= 0 {
		cfg.CSSTimeout = 10 * time.Second
	}
	if cfg.CSSMaxAttempts <= 0 {
		cfg.CSSMaxAttempts = 2
	}
	if cfg.CSSRetryWait < 0 {
		cfg.CSSRetryWait = 0
	}
	return &Extractor{
		cfg:     cfg,
		fetcher: fetcher,
		css: &cssCollector{
			fetcher:     fetcher,
			limiter:     limiter,
			userAgent:   cfg.UserAgent,
			timeout:     cfg.CSSTimeout,
			maxAttempts: cfg.CSSMaxAttempts,
			retryWait:   cfg.CSSRetryWait,
			logger:      logger,
		},
		logger: logger,
	}
}

// WithHeadless enables re-rendering client-side pages through fetcher when
// detector flags the static HTML.
func (e *Extractor) WithHeadless(fetcher inspection.Fetcher, detector inspection.HeadlessDetector) *Extractor {
	e.headless = fetcher
	e.detector = detector
	return e
}

// Extract fetches sourceURL and returns its banners and CSS. A non-2xx page
// response fails the extraction; stylesheet failures never do.
func (e *Extractor) Extract(ctx context.Context, sourceURL string) (inspection.Extraction, error) {
	if !validPageURL(sourceURL) {
		return inspection.Extraction{}, fmt.Errorf("%w: %q", ErrInvalidURL, sourceURL)
	}
	logger := e.logger.With(zap.String("url", sourceURL))

	page, err := e.fetchPage(ctx, sourceURL, logger)
	if err != nil {
		return inspection.Extraction{}, err
	}

	banners, err := ParseBanners(page.Body, sourceURL)
	if err != nil {
		return inspection.Extraction{}, err
	}

	html := string(page.Body)
	external, err := e.css.collect(ctx, StylesheetURLs(html, sourceURL))
	if err != nil {
		return inspection.Extraction{}, fmt.Errorf("collect css: %w", err)
	}

	logger.Info("page extracted",
		zap.Int("banners", len(banners)),
		zap.Bool("headless", page.UsedHeadless),
		zap.Duration("fetch_duration", page.Duration),
	)
	return inspection.Extraction{
		Banners: banners,
		CSS:     JoinCSS(external, InlineStyles(html)),
	}, nil
}

func (e *Extractor) fetchPage(ctx context.Context, sourceURL string, logger *zap.Logger) (inspection.FetchResponse, error) {
	request := inspection.FetchRequest{
		URL:     sourceURL,
		Headers: http.Header{"User-Agent": {e.cfg.UserAgent}},
		Timeout: e.cfg.PageTimeout,
	}
	resp, err := e.fetcher.Fetch(ctx, request)
	if err != nil {
		return inspection.FetchResponse{}, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return inspection.FetchResponse{}, fmt.Errorf("fetch %s: %d %s", sourceURL, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if e.headless == nil || e.detector == nil || !e.detector.ShouldPromote(resp) {
		return resp, nil
	}

	rendered, err := e.headless.Fetch(ctx, request)
	if err != nil {
		logger.Warn("headless render failed, using static html", zap.Error(err))
		return resp, nil
	}
	return rendered, nil
}
