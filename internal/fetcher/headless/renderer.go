// Package headless renders client-side pages in headless Chrome so the
// extractor sees carousel slides injected by JavaScript.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// Defaults applied by NewRenderer.
const (
	DefaultNavigationTimeout = 45 * time.Second
	DefaultCarouselWait      = 10 * time.Second
	DefaultSettle            = 500 * time.Millisecond
)

// DefaultCarouselSelector matches the first banner slide.
var DefaultCarouselSelector = "." + inspection.CarouselItemClass

// Config controls the headless renderer.
type Config struct {
	// MaxParallel bounds concurrent browser tabs; zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// CarouselSelector is awaited after navigation. Pages that never render it
	// are captured once CarouselWait elapses.
	CarouselSelector string
	CarouselWait     time.Duration
	// Settle lets slide images and lazy sources attach after the first slide appears.
	Settle time.Duration
	Logger *zap.Logger
}

// Renderer implements inspection.Fetcher with chromedp.
type Renderer struct {
	cfg         Config
	tabs        *semaphore.Weighted
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ inspection.Fetcher = (*Renderer)(nil)

// NewRenderer starts a Chrome allocator. Browsers launch lazily on first Fetch.
func NewRenderer(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	cfg = withDefaults(cfg)
	var tabs *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1440, 900),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		tabs:        tabs,
		logger:      cfg.Logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.CarouselSelector == "" {
		cfg.CarouselSelector = DefaultCarouselSelector
	}
	if cfg.CarouselWait <= 0 {
		cfg.CarouselWait = DefaultCarouselWait
	}
	// The carousel wait shares the navigation budget.
	if cfg.CarouselWait > cfg.NavigationTimeout {
		cfg.CarouselWait = cfg.NavigationTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Fetch loads the page in a fresh tab, waits for the carousel and returns the rendered DOM.
func (r *Renderer) Fetch(ctx context.Context, request inspection.FetchRequest) (inspection.FetchResponse, error) {
	if r.tabs != nil {
		if err := r.tabs.Acquire(ctx, 1); err != nil {
			return inspection.FetchResponse{}, fmt.Errorf("headless slot wait canceled: %w", err)
		}
		defer r.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(r.allocator)
	defer closeTab()
	// Stop the tab when the caller gives up.
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	if err := chromedp.Run(tabCtx, r.prepare(request.Headers), chromedp.Navigate(request.URL)); err != nil {
		return inspection.FetchResponse{}, fmt.Errorf("navigate %s: %w", request.URL, err)
	}
	found, err := r.awaitCarousel(tabCtx)
	if err != nil {
		return inspection.FetchResponse{}, fmt.Errorf("await carousel on %s: %w", request.URL, err)
	}
	if !found {
		r.logger.Debug("carousel not rendered before wait elapsed",
			zap.String("url", request.URL),
			zap.String("selector", r.cfg.CarouselSelector),
			zap.Duration("wait", r.cfg.CarouselWait),
		)
	}

	var html, location string
	capture := []chromedp.Action{
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if found {
		capture = append([]chromedp.Action{chromedp.Sleep(r.cfg.Settle)}, capture...)
	}
	if err := chromedp.Run(tabCtx, capture...); err != nil {
		return inspection.FetchResponse{}, fmt.Errorf("capture %s: %w", request.URL, err)
	}

	status, headers, url := doc.result(request.URL, location)
	return inspection.FetchResponse{
		URL:          url,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// awaitCarousel reports whether the carousel selector appeared within
// CarouselWait. Only the wait's own deadline counts as "not found".
func (r *Renderer) awaitCarousel(tabCtx context.Context) (bool, error) {
	waitCtx, cancel := context.WithTimeout(tabCtx, r.cfg.CarouselWait)
	defer cancel()
	err := chromedp.Run(waitCtx, chromedp.WaitReady(r.cfg.CarouselSelector, chromedp.ByQuery))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded) && tabCtx.Err() == nil:
		return false, nil
	default:
		return false, err
	}
}

func (r *Renderer) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		userAgent := r.cfg.UserAgent
		if ua := headers.Get("User-Agent"); ua != "" {
			userAgent = ua
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if extra := extraHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// extraHeaders converts request headers for Chrome. User-Agent travels
// through the emulation override instead.
func extraHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) == 0 || strings.EqualFold(key, "User-Agent") {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// documentResponse remembers the last main-document response, which is the
// landing page after any redirects.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		headers.Add(key, fmt.Sprint(value))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(event.Response.Status)
	d.headers = headers
	d.url = event.Response.URL
}

// result falls back to the tab location, then the requested URL, and treats
// an unobserved status as 200 since the DOM did load.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
