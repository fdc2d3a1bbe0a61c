package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

const (
	itemSelector      = "div." + inspection.CarouselItemClass
	containerSelector = "div.cmp-container"
	desktopMedia      = "min-width: 769px"
	mobileMedia       = "max-width: 768px"
)

// ParseBanners returns one candidate per carousel item that wraps a content
// container, in document order.
func ParseBanners(body []byte, pageURL string) ([]inspection.BannerCandidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	banners := make([]inspection.BannerCandidate, 0)
	var parseErr error
	doc.Find(itemSelector).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		container := item.Find(containerSelector).First()
		if container.Length() == 0 {
			return true
		}
		html, err := goquery.OuterHtml(item)
		if err != nil {
			parseErr = fmt.Errorf("render banner html: %w", err)
			return false
		}
		desktop, mobile := pictureSources(container, pageURL)
		banners = append(banners, inspection.BannerCandidate{
			Title:        item.AttrOr("data-title", ""),
			HTML:         html,
			ImageDesktop: inspection.StringPtr(desktop),
			ImageMobile:  inspection.StringPtr(mobile),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return banners, nil
}

// pictureSources reads the first picture of the container. Later sources
// with the same media query win.
func pictureSources(container *goquery.Selection, pageURL string) (desktop, mobile string) {
	container.Find("picture").First().Find("source").Each(func(_ int, source *goquery.Selection) {
		media := source.AttrOr("media", "")
		srcset := source.AttrOr("srcset", "")
		switch {
		case strings.Contains(media, desktopMedia):
			desktop = ResolveURL(srcset, pageURL)
		case strings.Contains(media, mobileMedia):
			mobile = ResolveURL(srcset, pageURL)
		}
	})
	return desktop, mobile
}
