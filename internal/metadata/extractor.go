package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/netguard"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxPageBytes       = 2 << 20
	cacheTTLSeconds    = 60 * 60
	userAgent          = "Mozilla/5.0 (compatible; canvasd-enrich/1.0)"
)

var (
	ErrUnsafeURL = netguard.ErrBlocked

	tracer = otel.Tracer("metadata")
)

// Cache is the subset of the memcache client the extractor needs.
type Cache interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

type Options struct {
	Timeout time.Duration
	// Guard vets the page URL, its redirects and the dialed addresses.
	// Nil means a guard that only allows public destinations.
	Guard *netguard.Guard
}

// Extractor fetches a page and reads its OpenGraph, Twitter card and standard meta tags.
type Extractor struct {
	client *http.Client
	cache  Cache
	guard  *netguard.Guard
}

func NewExtractor(cache Cache, opts Options) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.Guard == nil {
		opts.Guard = netguard.New(false)
	}
	return &Extractor{
		client: opts.Guard.Client(opts.Timeout),
		cache:  cache,
		guard:  opts.Guard,
	}
}

func (e *Extractor) Extract(ctx context.Context, rawURL string) (domain.EnrichmentResult, error) {
	ctx, span := tracer.Start(ctx, "Metadata.Extractor.Extract")
	defer span.End()

	pageURL, err := e.guard.CheckURL(ctx, rawURL)
	if err != nil {
		return domain.EnrichmentResult{}, err
	}

	key := cacheKey(pageURL.String())
	if e.cache != nil {
		if item, err := e.cache.Get(key); err == nil {
			var cached domain.EnrichmentResult
			if err := json.Unmarshal(item.Value, &cached); err == nil {
				return cached, nil
			}
		} else if !errors.Is(err, memcache.ErrCacheMiss) {
			slog.WarnContext(
				ctx, "metadata cache unavailable",
				slog.String("error", err.Error()),
				slog.String("module", "metadata"),
			)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), http.NoBody)
	if err != nil {
		return domain.EnrichmentResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return domain.EnrichmentResult{}, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.EnrichmentResult{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return domain.EnrichmentResult{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	result := parseDocument(doc)

	if e.cache != nil {
		if value, err := json.Marshal(result); err == nil {
			if err := e.cache.Set(&memcache.Item{Key: key, Value: value, Expiration: cacheTTLSeconds}); err != nil {
				slog.DebugContext(
					ctx, "failed to cache metadata",
					slog.String("error", err.Error()),
					slog.String("module", "metadata"),
				)
			}
		}
	}

	slog.DebugContext(
		ctx, "metadata extracted",
		slog.String("url", pageURL.String()),
		slog.String("title", result.Title),
		slog.String("module", "metadata"),
	)

	return result, nil
}

func parseDocument(doc *goquery.Document) domain.EnrichmentResult {
	result := domain.EnrichmentResult{
		Title: firstNonEmpty(
			metaContent(doc, "meta[property='og:title']"),
			metaContent(doc, "meta[name='twitter:title']"),
			strings.TrimSpace(doc.Find("title").First().Text()),
		),
		Description: firstNonEmpty(
			metaContent(doc, "meta[property='og:description']"),
			metaContent(doc, "meta[name='twitter:description']"),
			metaContent(doc, "meta[name='description']"),
		),
		Image: firstNonEmpty(
			metaContent(doc, "meta[property='og:image']"),
			metaContent(doc, "meta[property='og:image:url']"),
			metaContent(doc, "meta[name='twitter:image']"),
		),
		Thumbnail: metaContent(doc, "meta[itemprop='thumbnailUrl']"),
		Favicon:   favicon(doc),
	}

	w, _ := strconv.Atoi(metaContent(doc, "meta[property='og:image:width']"))
	h, _ := strconv.Atoi(metaContent(doc, "meta[property='og:image:height']"))
	if w > 0 && h > 0 {
		result.Width = w
		result.Height = h
	}
	return result
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func favicon(doc *goquery.Document) string {
	for _, sel := range []string{"link[rel='icon']", "link[rel='shortcut icon']", "link[rel='apple-touch-icon']"} {
		if href, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			return strings.TrimSpace(href)
		}
	}
	return "/favicon.ico"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func cacheKey(u string) string {
	return "canvasd:meta:" + strconv.FormatUint(xxh3.HashString(u), 16)
}
