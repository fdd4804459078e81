package enrich

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/totegamma/canvasd/internal/netguard"
	"github.com/totegamma/canvasd/internal/timing"
)

const (
	defaultProbeTimeout = 5 * time.Second
	maxProbeBytes       = 4 << 20
)

// Prober reports the natural dimensions of an image.
type Prober interface {
	Probe(ctx context.Context, imageURL string) (width, height int, err error)
}

// HTTPProber downloads just enough of an image to decode its header.
// Image URLs come from third party pages, so every request goes through the guard.
type HTTPProber struct {
	client   *http.Client
	guard    *netguard.Guard
	attempts int
	interval time.Duration
}

func NewHTTPProber(guard *netguard.Guard, attempts int, interval time.Duration) *HTTPProber {
	if guard == nil {
		guard = netguard.New(false)
	}
	return &HTTPProber{
		client:   guard.Client(defaultProbeTimeout),
		guard:    guard,
		attempts: attempts,
		interval: interval,
	}
}

type dimensions struct {
	width, height int
}

func (p *HTTPProber) Probe(ctx context.Context, imageURL string) (int, int, error) {
	if _, err := p.guard.CheckURL(ctx, imageURL); err != nil {
		return 0, 0, fmt.Errorf("cannot probe %q: %w", imageURL, err)
	}

	var lastErr error
	d, err := timing.AwaitCondition(ctx, func() (dimensions, bool) {
		w, h, err := p.probeOnce(ctx, imageURL)
		if err != nil {
			lastErr = err
			return dimensions{}, false
		}
		return dimensions{w, h}, true
	}, p.attempts, p.interval)
	if err != nil {
		if lastErr != nil {
			return 0, 0, fmt.Errorf("probe %s: %w", imageURL, lastErr)
		}
		return 0, 0, err
	}
	return d.width, d.height, nil
}

func (p *HTTPProber) probeOnce(ctx context.Context, imageURL string) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, http.NoBody)
	if err != nil {
		return 0, 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil {
		return 0, 0, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("image has no size")
	}
	return cfg.Width, cfg.Height, nil
}
