package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/timing"
	"github.com/totegamma/canvasd/internal/usecase"
)

var tracer = otel.Tracer("enrich")

// Options tunes the pipeline. Zero values fall back to defaults.
type Options struct {
	PollAttempts     int
	PollInterval     time.Duration
	PlaceholderImage string
	InterimHeight    float64
	DefaultWidth     float64
	MinImageHeight   float64
	TextReserve      float64
	BareReserve      float64
	CacheTTL         time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollAttempts:     40,
		PollInterval:     50 * time.Millisecond,
		PlaceholderImage: "/static/loading.svg",
		InterimHeight:    180,
		DefaultWidth:     300,
		MinImageHeight:   60,
		TextReserve:      110,
		BareReserve:      40,
		CacheTTL:         30 * time.Minute,
	}
}

func (o *Options) defaults() {
	d := DefaultOptions()
	if o.PollAttempts <= 0 {
		o.PollAttempts = d.PollAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PlaceholderImage == "" {
		o.PlaceholderImage = d.PlaceholderImage
	}
	if o.InterimHeight <= 0 {
		o.InterimHeight = d.InterimHeight
	}
	if o.DefaultWidth <= 0 {
		o.DefaultWidth = d.DefaultWidth
	}
	if o.MinImageHeight <= 0 {
		o.MinImageHeight = d.MinImageHeight
	}
	if o.TextReserve <= 0 {
		o.TextReserve = d.TextReserve
	}
	if o.BareReserve <= 0 {
		o.BareReserve = d.BareReserve
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
}

// Outcome is how one entity's enrichment ended.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeApplied
	OutcomeAssetTimeout
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAssetTimeout:
		return "asset_timeout"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Pipeline enriches newly pasted link entities with metadata from the gateway.
// Each entity is processed on its own goroutine; nothing is shared between them
// except the result cache.
type Pipeline struct {
	owner   string
	store   usecase.DocumentStore
	gateway usecase.EnrichmentGateway
	prober  Prober
	sink    usecase.EventSink
	opts    Options
	cache   *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards unsubscribe, detached and wg.Add.
	mu          sync.Mutex
	unsubscribe func()
	detached    bool
}

func New(owner string, store usecase.DocumentStore, gateway usecase.EnrichmentGateway, prober Prober, sink usecase.EventSink, opts Options) *Pipeline {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		owner:   owner,
		store:   store,
		gateway: gateway,
		prober:  prober,
		sink:    sink,
		opts:    opts,
		cache:   cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach starts watching the store for pasted links.
func (p *Pipeline) Attach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil || p.detached {
		return
	}
	p.unsubscribe = p.store.Subscribe(p.onChange, domain.ChangeFilter{
		Origin: domain.OriginUser,
		Scope:  domain.ScopeDocument,
	})
}

// Detach stops watching and waits for in-flight enrichments to give up.
func (p *Pipeline) Detach() {
	p.mu.Lock()
	p.detached = true
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) onChange(b domain.ChangeBatch) {
	for _, r := range b.Added {
		e, ok := r.(domain.Entity)
		if !ok || !e.IsLink() {
			continue
		}
		if !p.spawn(e.ID) {
			return
		}
	}
}

// spawn starts an enrichment unless the pipeline has been detached.
// A batch can still be delivered after Detach unsubscribed, so the check and
// wg.Add happen under mu, which Detach also holds while marking itself detached.
func (p *Pipeline) spawn(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached || p.ctx.Err() != nil {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Enrich(p.ctx, id)
	}()
	return true
}

// Enrich runs the full enrichment flow for one link entity. It never fails
// the session: every problem ends up as a non-applied Outcome.
func (p *Pipeline) Enrich(ctx context.Context, entityID string) Outcome {
	ctx, span := tracer.Start(ctx, "Enrich.Pipeline.Enrich")
	defer span.End()
	span.SetAttributes(attribute.String("entity", entityID))

	entity, ok := p.store.Entity(entityID)
	if !ok || !entity.IsLink() {
		return OutcomeSkipped
	}

	platform := Classify(entity.URL)
	span.SetAttributes(attribute.String("platform", platform))
	p.emit(ctx, domain.Event{
		Type:     domain.EventEnrichStarted,
		EntityID: entityID,
		Detail:   map[string]any{"url": entity.URL, "platform": platform},
	})

	asset, err := timing.AwaitCondition(ctx, func() (domain.Asset, bool) {
		return p.assetFor(entityID)
	}, p.opts.PollAttempts, p.opts.PollInterval)
	if err != nil {
		slog.WarnContext(
			ctx, "asset never appeared, skipping enrichment",
			slog.String("entity", entityID),
			slog.String("error", err.Error()),
			slog.String("module", "enrich"),
		)
		p.emit(ctx, domain.Event{Type: domain.EventEnrichAssetTimeout, EntityID: entityID, Error: err.Error()})
		return OutcomeAssetTimeout
	}

	asset.Image = p.opts.PlaceholderImage
	if err := p.store.UpdateAsset(asset, domain.OriginUser); err != nil {
		return p.fail(ctx, entityID, err)
	}
	interim := p.opts.InterimHeight
	if _, err := p.store.UpdateEntity(entityID, domain.EntityPatch{Height: &interim}, domain.OriginUser); err != nil {
		return p.fail(ctx, entityID, err)
	}

	id := entityID
	result, err := p.gateway.Enrich(ctx, domain.EnrichmentRequest{
		URL:      entity.URL,
		EntityID: &id,
		Platform: platform,
	})
	if err != nil {
		span.RecordError(err)
		return p.fail(ctx, entityID, err)
	}

	p.cache.Set(entityKey(entityID), result, cache.DefaultExpiration)
	p.cache.Set(urlKey(entity.URL), result, cache.DefaultExpiration)

	return p.apply(ctx, entityID, result)
}

// Reapply applies a previously fetched result again, looked up by entity id
// and then by the entity's URL.
func (p *Pipeline) Reapply(ctx context.Context, entityID string) (Outcome, error) {
	entity, ok := p.store.Entity(entityID)
	if !ok {
		return OutcomeSkipped, domain.NotFoundError{Resource: "entity"}
	}

	cached, found := p.cache.Get(entityKey(entityID))
	if !found {
		cached, found = p.cache.Get(urlKey(entity.URL))
	}
	if !found {
		return OutcomeSkipped, domain.NotFoundError{Resource: "enrichment"}
	}
	return p.apply(ctx, entityID, cached.(domain.EnrichmentResult)), nil
}

func (p *Pipeline) apply(ctx context.Context, entityID string, result domain.EnrichmentResult) Outcome {
	entity, ok := p.store.Entity(entityID)
	if !ok {
		return OutcomeSkipped
	}
	asset, ok := p.assetFor(entityID)
	if !ok {
		return p.fail(ctx, entityID, domain.NotFoundError{Resource: "asset"})
	}

	image := NormalizeImage(result.ImageRef(), entity.URL)
	asset.Title = result.Title
	asset.Description = result.Description
	asset.Favicon = NormalizeImage(result.Favicon, entity.URL)
	asset.Image = image
	if err := p.store.UpdateAsset(asset, domain.OriginUser); err != nil {
		return p.fail(ctx, entityID, err)
	}

	// views re-read the asset only when the reference changes
	cleared := ""
	if _, err := p.store.UpdateEntity(entityID, domain.EntityPatch{AssetID: &cleared}, domain.OriginUser); err != nil {
		return p.fail(ctx, entityID, err)
	}
	restored := asset.ID
	if _, err := p.store.UpdateEntity(entityID, domain.EntityPatch{AssetID: &restored}, domain.OriginUser); err != nil {
		return p.fail(ctx, entityID, err)
	}

	p.emit(ctx, domain.Event{
		Type:     domain.EventEnrichApplied,
		EntityID: entityID,
		Detail:   map[string]any{"title": asset.Title, "image": image},
	})

	width, height := result.Width, result.Height
	if (width <= 0 || height <= 0) && image != "" && p.prober != nil {
		w, h, err := p.prober.Probe(ctx, image)
		if err != nil {
			slog.DebugContext(
				ctx, "image probe failed",
				slog.String("entity", entityID),
				slog.String("error", err.Error()),
				slog.String("module", "enrich"),
			)
		} else {
			width, height = w, h
		}
	}
	if width <= 0 || height <= 0 {
		return OutcomeApplied
	}

	targetWidth := entity.Width
	if targetWidth <= 0 {
		targetWidth = p.opts.DefaultWidth
	}
	targetHeight := ComputeHeight(targetWidth, width, height, result.HasText(), p.opts)
	if _, err := p.store.UpdateEntity(entityID, domain.EntityPatch{Width: &targetWidth, Height: &targetHeight}, domain.OriginUser); err != nil {
		return p.fail(ctx, entityID, err)
	}

	p.emit(ctx, domain.Event{
		Type:     domain.EventEnrichResized,
		EntityID: entityID,
		Detail:   map[string]any{"width": targetWidth, "height": targetHeight},
	})
	return OutcomeApplied
}

func (p *Pipeline) assetFor(entityID string) (domain.Asset, bool) {
	e, ok := p.store.Entity(entityID)
	if !ok || e.AssetID == "" {
		return domain.Asset{}, false
	}
	return p.store.Asset(e.AssetID)
}

func (p *Pipeline) fail(ctx context.Context, entityID string, err error) Outcome {
	slog.WarnContext(
		ctx, "enrichment failed",
		slog.String("entity", entityID),
		slog.String("error", err.Error()),
		slog.String("module", "enrich"),
	)
	p.emit(ctx, domain.Event{Type: domain.EventEnrichFailed, EntityID: entityID, Error: err.Error()})
	return OutcomeFailed
}

func (p *Pipeline) emit(ctx context.Context, ev domain.Event) {
	if p.sink == nil {
		return
	}
	ev.Owner = p.owner
	ev.At = time.Now().UTC()
	p.sink.Emit(ctx, ev)
}

func entityKey(id string) string { return "entity:" + id }
func urlKey(u string) string     { return "url:" + u }
