// Package detector decides when a source page must be re-rendered headlessly
// before banner extraction.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// DefaultMinVisibleText is the visible-text floor below which a scripted page
// counts as an unrendered shell.
const DefaultMinVisibleText = 512

// Reasons reported by Assess.
const (
	ReasonNotOK          = "non-200 response"
	ReasonEmpty          = "empty body"
	ReasonSlidesPresent  = "carousel slides in static html"
	ReasonEmptyCarousel  = "carousel root without slides"
	ReasonAppShell       = "client app mount point"
	ReasonThinScripted   = "little visible text behind scripts"
	ReasonStatic         = "static page"
	ReasonUnparseable    = "unparseable html"
	carouselRootSelector = ".cmp-carousel"
)

var appMounts = []string{"#__next", "#root", "#app", "[data-reactroot]", "[ng-version]"}

// Assessment explains a promotion decision.
type Assessment struct {
	Promote bool
	Reason  string
}

// Heuristic promotes pages whose carousel is filled in by JavaScript.
type Heuristic struct {
	MinVisibleText int
}

var _ inspection.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic creates a detector; minVisibleText <= 0 selects the default.
func NewHeuristic(minVisibleText int) *Heuristic {
	if minVisibleText <= 0 {
		minVisibleText = DefaultMinVisibleText
	}
	return &Heuristic{MinVisibleText: minVisibleText}
}

// ShouldPromote implements inspection.HeadlessDetector.
func (h *Heuristic) ShouldPromote(resp inspection.FetchResponse) bool {
	return h.Assess(resp).Promote
}

// Assess inspects the static HTML. Slides already present always win; an
// empty carousel root or an app mount point always promotes.
func (h *Heuristic) Assess(resp inspection.FetchResponse) Assessment {
	if resp.StatusCode != http.StatusOK {
		return Assessment{Reason: ReasonNotOK}
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return Assessment{Promote: true, Reason: ReasonEmpty}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return Assessment{Reason: ReasonUnparseable}
	}
	if doc.Find("." + inspection.CarouselItemClass).Length() > 0 {
		return Assessment{Reason: ReasonSlidesPresent}
	}
	if doc.Find(carouselRootSelector).Length() > 0 {
		return Assessment{Promote: true, Reason: ReasonEmptyCarousel}
	}
	for _, mount := range appMounts {
		if doc.Find(mount).Length() > 0 {
			return Assessment{Promote: true, Reason: ReasonAppShell}
		}
	}
	if doc.Find("script").Length() > 0 && visibleTextLen(doc) < h.MinVisibleText {
		return Assessment{Promote: true, Reason: ReasonThinScripted}
	}
	return Assessment{Reason: ReasonStatic}
}

func visibleTextLen(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}
