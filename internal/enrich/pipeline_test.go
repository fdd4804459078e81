package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/totegamma/canvasd/internal/document"
	"github.com/totegamma/canvasd/internal/domain"
)

type stubGateway struct {
	mu       sync.Mutex
	result   domain.EnrichmentResult
	err      error
	requests []domain.EnrichmentRequest
}

func (g *stubGateway) Enrich(ctx context.Context, req domain.EnrichmentRequest) (domain.EnrichmentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.result, g.err
}

func (g *stubGateway) calls() []domain.EnrichmentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.EnrichmentRequest(nil), g.requests...)
}

type stubProber struct {
	width, height int
	err           error
	probed        []string
}

func (p *stubProber) Probe(ctx context.Context, imageURL string) (int, int, error) {
	p.probed = append(p.probed, imageURL)
	return p.width, p.height, p.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(ctx context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) indexOf(typ, entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ev := range s.events {
		if ev.Type == typ && ev.EntityID == entity {
			return i
		}
	}
	return -1
}

func (s *recordingSink) waitFor(t *testing.T, typ, entity string) int {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if i := s.indexOf(typ, entity); i >= 0 {
			return i
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s for %s never emitted", typ, entity)
	return -1
}

func testOptions() Options {
	return Options{
		PollAttempts:     40,
		PollInterval:     10 * time.Millisecond,
		PlaceholderImage: "/placeholder.svg",
	}
}

func newLinkStore(t *testing.T, entities ...domain.Entity) *document.Store {
	t.Helper()
	store := document.NewStore(document.Options{AssetDelay: 5 * time.Millisecond})
	t.Cleanup(store.Close)
	if len(entities) > 0 {
		store.LoadEntities(entities, domain.OriginUser)
	}
	return store
}

func link(id, url string) domain.Entity {
	return domain.Entity{ID: id, Kind: domain.EntityKindLink, URL: url, Width: 300, Height: 100}
}

func TestEnrichAppliesResultAndResizes(t *testing.T) {
	store := newLinkStore(t, link("entity:1", "https://www.youtube.com/watch?v=abc"))

	var assetRefs []string
	store.Subscribe(func(b domain.ChangeBatch) {
		for _, r := range b.Updated {
			if e, ok := r.(domain.Entity); ok && e.ID == "entity:1" {
				assetRefs = append(assetRefs, e.AssetID)
			}
		}
	}, domain.ChangeFilter{Origin: domain.OriginUser})

	gateway := &stubGateway{result: domain.EnrichmentResult{
		Title:     "A video",
		Thumbnail: "https://img.example.com/thumb.jpg",
		Image:     "https://img.example.com/full.jpg",
		Width:     1600,
		Height:    900,
	}}
	sink := &recordingSink{}
	p := New("alice", store, gateway, nil, sink, testOptions())

	if out := p.Enrich(context.Background(), "entity:1"); out != OutcomeApplied {
		t.Fatalf("expected applied got %s", out)
	}

	calls := gateway.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one gateway call got %d", len(calls))
	}
	if calls[0].Platform != "youtube" || calls[0].EntityID == nil || *calls[0].EntityID != "entity:1" {
		t.Fatalf("unexpected request %+v", calls[0])
	}

	entity, _ := store.Entity("entity:1")
	if entity.Height != 169+110 {
		t.Fatalf("expected height 279 got %v", entity.Height)
	}
	asset, ok := store.Asset(entity.AssetID)
	if !ok {
		t.Fatalf("asset missing")
	}
	if asset.Title != "A video" || asset.Image != "https://img.example.com/thumb.jpg" {
		t.Fatalf("unexpected asset %+v", asset)
	}

	// interim height, cleared reference, restored reference, resize
	if len(assetRefs) != 4 || assetRefs[1] != "" || assetRefs[2] != entity.AssetID {
		t.Fatalf("unexpected asset reference history %q", assetRefs)
	}

	if sink.indexOf(domain.EventEnrichApplied, "entity:1") < 0 || sink.indexOf(domain.EventEnrichResized, "entity:1") < 0 {
		t.Fatalf("missing events %+v", sink.events)
	}
}

func TestEnrichGatewayFailureKeepsPlaceholder(t *testing.T) {
	store := newLinkStore(t, link("entity:1", "https://example.com/post"))
	gateway := &stubGateway{err: errors.New("upstream down")}
	sink := &recordingSink{}
	p := New("alice", store, gateway, nil, sink, testOptions())

	if out := p.Enrich(context.Background(), "entity:1"); out != OutcomeFailed {
		t.Fatalf("expected failed got %s", out)
	}

	entity, _ := store.Entity("entity:1")
	if entity.Height != DefaultOptions().InterimHeight {
		t.Fatalf("expected interim height got %v", entity.Height)
	}
	asset, _ := store.Asset(entity.AssetID)
	if asset.Image != "/placeholder.svg" {
		t.Fatalf("expected placeholder got %q", asset.Image)
	}
	if sink.indexOf(domain.EventEnrichFailed, "entity:1") < 0 {
		t.Fatalf("expected failed event")
	}
}

func TestEnrichProbesImageWhenSizeMissing(t *testing.T) {
	store := newLinkStore(t, link("entity:1", "https://example.com/page"))
	gateway := &stubGateway{result: domain.EnrichmentResult{Image: "/images/cover.png"}}
	prober := &stubProber{width: 400, height: 200}
	p := New("alice", store, gateway, prober, nil, testOptions())

	if out := p.Enrich(context.Background(), "entity:1"); out != OutcomeApplied {
		t.Fatalf("expected applied got %s", out)
	}

	if len(prober.probed) != 1 || prober.probed[0] != "https://example.com/images/cover.png" {
		t.Fatalf("unexpected probe calls %q", prober.probed)
	}
	entity, _ := store.Entity("entity:1")
	if entity.Height != 150+40 {
		t.Fatalf("expected height 190 got %v", entity.Height)
	}
}

func TestEnrichClampsTinyImages(t *testing.T) {
	store := newLinkStore(t, link("entity:1", "https://example.com/banner"))
	gateway := &stubGateway{result: domain.EnrichmentResult{Image: "https://example.com/b.png", Width: 1000, Height: 50}}
	p := New("alice", store, gateway, nil, nil, testOptions())

	p.Enrich(context.Background(), "entity:1")

	entity, _ := store.Entity("entity:1")
	if entity.Height != 60+40 {
		t.Fatalf("expected clamped height 100 got %v", entity.Height)
	}
}

func TestEnrichWithoutSizeLeavesInterimHeight(t *testing.T) {
	store := newLinkStore(t, link("entity:1", "https://example.com/text-only"))
	gateway := &stubGateway{result: domain.EnrichmentResult{Title: "Only words"}}
	p := New("alice", store, gateway, &stubProber{}, nil, testOptions())

	if out := p.Enrich(context.Background(), "entity:1"); out != OutcomeApplied {
		t.Fatalf("expected applied got %s", out)
	}
	entity, _ := store.Entity("entity:1")
	if entity.Height != DefaultOptions().InterimHeight {
		t.Fatalf("expected interim height got %v", entity.Height)
	}
}

func TestEnrichSkipsNonLinks(t *testing.T) {
	store := newLinkStore(t, domain.Entity{ID: "entity:geo", Kind: domain.EntityKindGeo})
	gateway := &stubGateway{}
	p := New("alice", store, gateway, nil, nil, testOptions())

	if out := p.Enrich(context.Background(), "entity:geo"); out != OutcomeSkipped {
		t.Fatalf("expected skipped got %s", out)
	}
	if out := p.Enrich(context.Background(), "entity:missing"); out != OutcomeSkipped {
		t.Fatalf("expected skipped got %s", out)
	}
	if len(gateway.calls()) != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestAttachedPipelineIsolatesEntities(t *testing.T) {
	store := newLinkStore(t)
	gateway := &stubGateway{result: domain.EnrichmentResult{Title: "ok", Image: "https://example.com/i.png", Width: 300, Height: 300}}
	sink := &recordingSink{}
	opts := testOptions()
	opts.PollAttempts = 30
	p := New("alice", store, gateway, nil, sink, opts)
	p.Attach()
	defer p.Detach()

	ghost := link("entity:ghost", "https://example.com/ghost")
	ghost.AssetID = "asset:never"
	store.LoadEntities([]domain.Entity{ghost, link("entity:ok", "https://example.com/ok")}, domain.OriginUser)

	applied := sink.waitFor(t, domain.EventEnrichApplied, "entity:ok")
	timedOut := sink.waitFor(t, domain.EventEnrichAssetTimeout, "entity:ghost")
	if applied > timedOut {
		t.Fatalf("healthy entity waited for the stuck one")
	}

	entity, _ := store.Entity("entity:ok")
	if entity.Height != 300+110 {
		t.Fatalf("expected height 410 got %v", entity.Height)
	}
}

func TestReapplyUsesCachedResult(t *testing.T) {
	store := newLinkStore(t, link("entity:1", "https://example.com/video"))
	gateway := &stubGateway{result: domain.EnrichmentResult{Title: "t", Image: "https://example.com/i.jpg", Width: 1600, Height: 900}}
	p := New("alice", store, gateway, nil, nil, testOptions())
	p.Enrich(context.Background(), "entity:1")

	width := 600.0
	if _, err := store.UpdateEntity("entity:1", domain.EntityPatch{Width: &width}, domain.OriginUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := p.Reapply(context.Background(), "entity:1")
	if err != nil || out != OutcomeApplied {
		t.Fatalf("unexpected reapply result %s %v", out, err)
	}
	if len(gateway.calls()) != 1 {
		t.Fatalf("reapply must not call the gateway")
	}
	entity, _ := store.Entity("entity:1")
	if entity.Height != 338+110 {
		t.Fatalf("expected height 448 got %v", entity.Height)
	}

	if _, err := p.Reapply(context.Background(), "entity:missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestDetachedPipelineIgnoresLateBatches(t *testing.T) {
	store := newLinkStore(t, link("entity:late", "https://example.com/late"))
	gateway := &stubGateway{result: domain.EnrichmentResult{Title: "late"}}
	p := New("alice", store, gateway, nil, nil, testOptions())
	p.Attach()
	p.Detach()

	late := link("entity:late", "https://example.com/late")
	p.onChange(domain.ChangeBatch{Added: []domain.Record{late}, Origin: domain.OriginUser, Scope: domain.ScopeDocument})
	p.Attach()
	store.LoadEntities([]domain.Entity{link("entity:after", "https://example.com/after")}, domain.OriginUser)

	time.Sleep(20 * time.Millisecond)
	if n := len(gateway.calls()); n != 0 {
		t.Fatalf("detached pipeline started %d enrichments", n)
	}
}

func TestDetachWhileBatchesArrive(t *testing.T) {
	store := newLinkStore(t)
	gateway := &stubGateway{err: errors.New("unavailable")}
	p := New("alice", store, gateway, nil, nil, testOptions())
	p.Attach()

	batch := domain.ChangeBatch{
		Added:  []domain.Record{link("entity:1", "https://example.com/1")},
		Origin: domain.OriginUser,
		Scope:  domain.ScopeDocument,
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.onChange(batch)
			}
		}()
	}
	p.Detach()
	wg.Wait()

	before := len(gateway.calls())
	p.onChange(batch)
	time.Sleep(20 * time.Millisecond)
	if after := len(gateway.calls()); after != before {
		t.Fatalf("enrichment started after detach: %d -> %d", before, after)
	}
}
