package enrich

import (
	"net/url"
	"strings"
)

// PlatformUnknown is the tag for URLs that cannot be parsed.
const PlatformUnknown = "unknown"

var knownPlatforms = map[string]string{
	"youtube.com":   "youtube",
	"m.youtube.com": "youtube",
	"youtu.be":      "youtube",
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"github.com":    "github",
	"instagram.com": "instagram",
	"vimeo.com":     "vimeo",
	"tiktok.com":    "tiktok",
	"reddit.com":    "reddit",
}

// Classify maps a pasted URL to a platform tag. Known hosts map to their
// platform, any other host is its own tag, and unparsable input is "unknown".
func Classify(raw string) string {
	host := hostOf(raw)
	if host == "" {
		return PlatformUnknown
	}
	if platform, ok := knownPlatforms[host]; ok {
		return platform
	}
	return host
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
