package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/totegamma/canvasd/internal/domain"
)

type mockCanvasRepo struct {
	affected  int64
	updateErr error
	insertErr error
	fetchErr  error
	state     domain.CanvasState

	updates int
	inserts int
	last    domain.CanvasPayload
}

func (m *mockCanvasRepo) FetchByOwner(ctx context.Context, owner string) (domain.CanvasState, error) {
	return m.state, m.fetchErr
}

func (m *mockCanvasRepo) UpdateByOwner(ctx context.Context, owner string, payload domain.CanvasPayload) (int64, error) {
	m.updates++
	m.last = payload
	return m.affected, m.updateErr
}

func (m *mockCanvasRepo) InsertForOwner(ctx context.Context, owner string, payload domain.CanvasPayload) (domain.CanvasState, error) {
	m.inserts++
	m.last = payload
	return domain.CanvasState{OwnerID: owner, Data: payload.Data, UpdatedAt: payload.UpdatedAt}, m.insertErr
}

func samplePackage() domain.UserContentPackage {
	return domain.UserContentPackage{
		Entities: map[string]domain.Entity{"entity:a": {ID: "entity:a"}},
		Assets:   map[string]domain.Asset{},
		Metadata: domain.PackageMetadata{Counts: domain.PackageCounts{Entities: 1}, Format: domain.PackageFormat},
	}
}

func TestCanvasSaveUpdatesExistingRow(t *testing.T) {
	repo := &mockCanvasRepo{affected: 1}
	uc := NewCanvasUsecase(repo)

	if err := uc.Save(context.Background(), "alice", samplePackage()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if repo.updates != 1 || repo.inserts != 0 {
		t.Fatalf("expected 1 update 0 inserts, got %d/%d", repo.updates, repo.inserts)
	}
	if repo.last.UpdatedAt.IsZero() {
		t.Fatalf("expected updatedAt to be stamped")
	}
}

func TestCanvasSaveInsertsOnceWhenNoRow(t *testing.T) {
	repo := &mockCanvasRepo{affected: 0}
	uc := NewCanvasUsecase(repo)

	if err := uc.Save(context.Background(), "alice", samplePackage()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if repo.updates != 1 || repo.inserts != 1 {
		t.Fatalf("expected 1 update 1 insert, got %d/%d", repo.updates, repo.inserts)
	}
}

func TestCanvasSaveInsertFailureIsNotRetried(t *testing.T) {
	repo := &mockCanvasRepo{affected: 0, insertErr: errors.New("conflict")}
	uc := NewCanvasUsecase(repo)

	if err := uc.Save(context.Background(), "alice", samplePackage()); err == nil {
		t.Fatalf("expected error")
	}
	if repo.updates != 1 || repo.inserts != 1 {
		t.Fatalf("expected exactly one attempt each, got %d/%d", repo.updates, repo.inserts)
	}
}

func TestCanvasSaveUpdateErrorSkipsInsert(t *testing.T) {
	repo := &mockCanvasRepo{updateErr: errors.New("connection reset")}
	uc := NewCanvasUsecase(repo)

	if err := uc.Save(context.Background(), "alice", samplePackage()); err == nil {
		t.Fatalf("expected error")
	}
	if repo.inserts != 0 {
		t.Fatalf("insert must not run after a failed update")
	}
}

func TestCanvasLoadNotFound(t *testing.T) {
	repo := &mockCanvasRepo{fetchErr: domain.NotFoundError{Resource: "canvas"}}
	uc := NewCanvasUsecase(repo)

	_, err := uc.Load(context.Background(), "alice")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
