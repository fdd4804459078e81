package enrich

import (
	"math"
	"net/url"
	"strings"
)

// ComputeHeight returns the card height for an entity of the given width
// showing an image of the given natural size.
func ComputeHeight(width float64, naturalWidth, naturalHeight int, hasText bool, opts Options) float64 {
	imageHeight := math.Round(width * float64(naturalHeight) / float64(naturalWidth))
	imageHeight = math.Max(opts.MinImageHeight, imageHeight)
	if hasText {
		return imageHeight + opts.TextReserve
	}
	return imageHeight + opts.BareReserve
}

// NormalizeImage resolves an image reference returned by the enrichment service.
// Absolute and opaque references (https:, data:, blob:) are returned as is.
// Scheme-relative and path-relative references are resolved against the page URL.
// File extensions are never touched.
func NormalizeImage(ref, pageURL string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}

	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return ref
	}

	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		if strings.HasPrefix(ref, "//") {
			return "https:" + ref
		}
		return ref
	}
	return base.ResolveReference(u).String()
}
