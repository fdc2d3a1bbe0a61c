package extractor

import (
	"net/url"
	"strings"
)

// ResolveURL resolves raw against the page it was found on. Absolute http(s)
// URLs pass through, protocol-relative URLs inherit the page scheme, root
// paths attach to the page origin and anything else is joined per RFC 3986.
// An empty raw yields an empty string.
func ResolveURL(raw, page string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	base, err := url.Parse(page)
	if err != nil {
		return raw
	}
	switch {
	case strings.HasPrefix(raw, "//"):
		return base.Scheme + ":" + raw
	case strings.HasPrefix(raw, "/"):
		return base.Scheme + "://" + base.Host + raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

func validPageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
