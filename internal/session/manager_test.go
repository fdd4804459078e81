package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/totegamma/canvasd/internal/document"
	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/engine"
	"github.com/totegamma/canvasd/internal/service"
	"github.com/totegamma/canvasd/internal/snapshot"
	"github.com/totegamma/canvasd/internal/timing"
	"github.com/totegamma/canvasd/internal/usecase"
)

type mockCanvasRepo struct {
	mu      sync.Mutex
	fetches int
	inserts int
	data    *domain.UserContentPackage
}

func (m *mockCanvasRepo) FetchByOwner(ctx context.Context, owner string) (domain.CanvasState, error) {
	if err := ctx.Err(); err != nil {
		return domain.CanvasState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.data == nil {
		return domain.CanvasState{}, domain.NotFoundError{Resource: "canvas"}
	}
	return domain.CanvasState{OwnerID: owner, Data: *m.data}, nil
}

func (m *mockCanvasRepo) UpdateByOwner(ctx context.Context, owner string, payload domain.CanvasPayload) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return 0, nil
	}
	m.data = &payload.Data
	return 1, nil
}

func (m *mockCanvasRepo) InsertForOwner(ctx context.Context, owner string, payload domain.CanvasPayload) (domain.CanvasState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	m.data = &payload.Data
	return domain.CanvasState{OwnerID: owner, Data: payload.Data}, nil
}

type nopGateway struct{}

func (nopGateway) Enrich(ctx context.Context, req domain.EnrichmentRequest) (domain.EnrichmentResult, error) {
	return domain.EnrichmentResult{}, errors.New("unavailable")
}

func newManager(repo *mockCanvasRepo, clock *timing.FakeClock, flushOnClose bool) *Manager {
	return NewManager(
		usecase.NewCanvasUsecase(repo),
		nopGateway{},
		nil,
		service.NopSink{},
		Options{
			Document:     document.Options{DisableAssets: true},
			Engine:       engine.Options{Clock: clock},
			FlushOnClose: flushOnClose,
		},
	)
}

func TestOpenReturnsSameSession(t *testing.T) {
	repo := &mockCanvasRepo{}
	m := newManager(repo, timing.NewFakeClock(time.Now()), false)
	defer m.CloseAll(context.Background())

	first, err := m.Open(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.Open(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same session")
	}
	if repo.fetches != 1 {
		t.Fatalf("expected one hydration got %d", repo.fetches)
	}
	if got, ok := m.Get("alice"); !ok || got != first {
		t.Fatalf("Get did not return the open session")
	}
}

func TestCloseUnknownSession(t *testing.T) {
	m := newManager(&mockCanvasRepo{}, timing.NewFakeClock(time.Now()), false)
	if err := m.Close(context.Background(), "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestCloseFlushesOutstandingEdits(t *testing.T) {
	repo := &mockCanvasRepo{}
	clock := timing.NewFakeClock(time.Now())
	m := newManager(repo, clock, true)

	s, err := m.Open(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.Advance(engine.DefaultSettle)
	if !s.Engine.Ready() {
		t.Fatalf("engine should be ready after settle")
	}

	s.Store.LoadEntities([]domain.Entity{{ID: "entity:1", Kind: domain.EntityKindGeo}}, domain.OriginUser)
	if err := m.Close(context.Background(), "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.inserts != 1 {
		t.Fatalf("expected outstanding edit to be persisted, inserts=%d", repo.inserts)
	}
	if _, ok := m.Get("alice"); ok {
		t.Fatalf("session should be gone")
	}
}

func TestOpenWithCancelledRequestKeepsSavedCanvas(t *testing.T) {
	saved := snapshot.Filter(domain.Snapshot{
		"entity:1": domain.Entity{ID: "entity:1", TypeName: domain.TypeEntity, Kind: domain.EntityKindGeo},
		"entity:2": domain.Entity{ID: "entity:2", TypeName: domain.TypeEntity, Kind: domain.EntityKindText},
	}, time.Now())
	repo := &mockCanvasRepo{data: &saved}
	clock := timing.NewFakeClock(time.Now())
	m := newManager(repo, clock, false)
	defer m.CloseAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := m.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(3 * time.Second)
	s.Store.LoadEntities([]domain.Entity{{ID: "entity:3", Kind: domain.EntityKindGeo}}, domain.OriginUser)
	clock.Advance(2 * time.Second)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if got := len(repo.data.Entities); got != 3 {
		t.Fatalf("remote entities after edit: %d, want 3", got)
	}
	if repo.inserts != 0 {
		t.Fatalf("existing row must be updated, got %d inserts", repo.inserts)
	}
}

func TestSessionPackageFiltersViewState(t *testing.T) {
	m := newManager(&mockCanvasRepo{}, timing.NewFakeClock(time.Now()), false)
	defer m.CloseAll(context.Background())

	s, err := m.Open(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Store.LoadEntities([]domain.Entity{{ID: "entity:1", Kind: domain.EntityKindText}}, domain.OriginUser)
	s.Store.PutView(domain.ViewRecord{ID: "view:camera"}, domain.OriginUser)

	pkg := s.Package()
	if pkg.Metadata.Counts.Entities != 1 || len(pkg.Assets) != 0 {
		t.Fatalf("unexpected package %+v", pkg.Metadata)
	}
}

func TestCloseAll(t *testing.T) {
	m := newManager(&mockCanvasRepo{}, timing.NewFakeClock(time.Now()), false)
	for _, owner := range []string{"a", "b", "c"} {
		if _, err := m.Open(context.Background(), owner); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	m.CloseAll(context.Background())
	if len(m.Owners()) != 0 {
		t.Fatalf("expected no sessions left")
	}
}
