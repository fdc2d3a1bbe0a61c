package inspector

import (
	"strings"

	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

// Classify decides whether a per-banner error is an image problem worth
// skipping. It returns false for errors that should be recorded as failures.
func Classify(err error) (inspection.SkipReason, bool) {
	if err == nil {
		return "", false
	}
	msg := strings.ToLower(err.Error())
	if !containsAny(msg, "image", "format", "unsupported") {
		return "", false
	}
	switch {
	case strings.Contains(msg, "unsupported") && strings.Contains(msg, "format"):
		return inspection.SkipUnsupportedImageFormat, true
	case containsAny(msg, "size", "large"):
		return inspection.SkipImageTooLarge, true
	case containsAny(msg, "not accessible", "404", "403"):
		return inspection.SkipImageNotAccessible, true
	default:
		return inspection.SkipAPIImageError, true
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
