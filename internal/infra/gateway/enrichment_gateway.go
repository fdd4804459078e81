package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/usecase"
)

const defaultTimeout = 10 * time.Second

var tracer = otel.Tracer("gateway")

// EnrichmentGateway calls the external enrichment service over HTTP.
type EnrichmentGateway struct {
	endpoint string
	client   *http.Client
	cache    *cache.Cache
}

func NewEnrichmentGateway(endpoint string, timeout time.Duration) *EnrichmentGateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &EnrichmentGateway{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		cache:    cache.New(10*time.Minute, 15*time.Minute),
	}
}

func (g *EnrichmentGateway) Enrich(ctx context.Context, req domain.EnrichmentRequest) (domain.EnrichmentResult, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Enrichment.Enrich")
	defer span.End()

	if cached, found := g.cache.Get(req.URL); found {
		return cached.(domain.EnrichmentResult), nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return domain.EnrichmentResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/v1/enrich", bytes.NewReader(body))
	if err != nil {
		return domain.EnrichmentResult{}, fmt.Errorf("failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return domain.EnrichmentResult{}, fmt.Errorf("failed to perform request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("unexpected status code: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		span.RecordError(err)
		return domain.EnrichmentResult{}, err
	}

	var result domain.EnrichmentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.EnrichmentResult{}, fmt.Errorf("failed to decode response: %v", err)
	}

	g.cache.Set(req.URL, result, cache.DefaultExpiration)
	return result, nil
}

var _ usecase.EnrichmentGateway = (*EnrichmentGateway)(nil)
