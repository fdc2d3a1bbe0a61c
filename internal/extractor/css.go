package extractor

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/metrics"
	"github.com/JakeFAU/banner-inspector/internal/policy/ratelimit"
)

var (
	relFirstLink  = regexp.MustCompile(`(?i)<link[^>]*rel=["']stylesheet["'][^>]*href=["']([^"']+)["'][^>]*>`)
	hrefFirstLink = regexp.MustCompile(`(?i)<link[^>]*href=["']([^"']+)["'][^>]*rel=["']stylesheet["'][^>]*>`)
	styleBlock    = regexp.MustCompile(`(?i)<style[^>]*>([\s\S]*?)</style>`)
)

// StylesheetURLs lists linked stylesheets in discovery order, resolved against
// pageURL and de-duplicated. Both attribute orders of <link> are recognised.
func StylesheetURLs(html, pageURL string) []string {
	seen := make(map[string]struct{})
	urls := make([]string, 0)
	for _, re := range []*regexp.Regexp{relFirstLink, hrefFirstLink} {
		for _, match := range re.FindAllStringSubmatch(html, -1) {
			resolved := ResolveURL(match[1], pageURL)
			if _, ok := seen[resolved]; ok {
				continue
			}
			seen[resolved] = struct{}{}
			urls = append(urls, resolved)
		}
	}
	return urls
}

// InlineStyles concatenates the non-empty <style> blocks under a single
// header, or returns "" when there are none.
func InlineStyles(html string) string {
	blocks := make([]string, 0)
	for _, match := range styleBlock.FindAllStringSubmatch(html, -1) {
		if content := strings.TrimSpace(match[1]); content != "" {
			blocks = append(blocks, content)
		}
	}
	if len(blocks) == 0 {
		return ""
	}
	return "/* Inline Styles */\n" + strings.Join(blocks, "\n\n")
}

// JoinCSS combines the external and inline sections, skipping empty ones.
func JoinCSS(external, inline string) string {
	parts := make([]string, 0, 2)
	for _, part := range []string{external, inline} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n\n")
}

// cssCollector fetches external stylesheets. A sheet that cannot be fetched is
// skipped; only context cancellation aborts collection.
type cssCollector struct {
	fetcher     inspection.Fetcher
	limiter     *ratelimit.Limiter
	userAgent   string
	timeout     time.Duration
	maxAttempts int
	retryWait   time.Duration
	logger      *zap.Logger
}

func (c *cssCollector) collect(ctx context.Context, urls []string) (string, error) {
	sheets := make([]string, 0, len(urls))
	for _, sheetURL := range urls {
		css, ok, err := c.fetchSheet(ctx, sheetURL)
		if err != nil {
			return "", err
		}
		if !ok {
			metrics.ObserveCSSFailure(sheetURL)
			c.logger.Warn("stylesheet skipped", zap.String("url", sheetURL), zap.Int("attempts", c.maxAttempts))
			continue
		}
		sheets = append(sheets, fmt.Sprintf("/* Source: %s */\n%s\n", sheetURL, css))
	}
	if len(urls) > 0 && len(sheets) == 0 {
		c.logger.Warn("no stylesheets collected", zap.Int("linked", len(urls)))
	}
	return strings.Join(sheets, "\n"), nil
}

// fetchSheet returns the sheet body and whether it was fetched. A non-2xx
// response is retried at once; a transport error waits retryWait first.
func (c *cssCollector) fetchSheet(ctx context.Context, sheetURL string) (string, bool, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx, sheetURL); err != nil {
			return "", false, fmt.Errorf("stylesheet %s: %w", sheetURL, err)
		}
		resp, err := c.fetcher.Fetch(ctx, inspection.FetchRequest{
			URL:     sheetURL,
			Headers: http.Header{"User-Agent": {c.userAgent}},
			Timeout: c.timeout,
		})
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("stylesheet %s: %w", sheetURL, ctx.Err())
		}
		if err != nil {
			c.logger.Debug("stylesheet fetch failed",
				zap.String("url", sheetURL), zap.Int("attempt", attempt), zap.Error(err))
			if attempt < c.maxAttempts {
				if err := sleepCtx(ctx, c.retryWait); err != nil {
					return "", false, fmt.Errorf("stylesheet %s: %w", sheetURL, err)
				}
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			c.logger.Debug("stylesheet returned non-success status",
				zap.String("url", sheetURL), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			continue
		}
		return string(resp.Body), true, nil
	}
	return "", false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
