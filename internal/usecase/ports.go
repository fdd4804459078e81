package usecase

import (
	"context"

	"github.com/totegamma/canvasd/internal/domain"
)

// CanvasRepository persists one canvas row per owner.
type CanvasRepository interface {
	FetchByOwner(ctx context.Context, owner string) (domain.CanvasState, error)
	UpdateByOwner(ctx context.Context, owner string, payload domain.CanvasPayload) (int64, error)
	InsertForOwner(ctx context.Context, owner string, payload domain.CanvasPayload) (domain.CanvasState, error)
}

// EnrichmentGateway encapsulates the external link metadata service.
type EnrichmentGateway interface {
	Enrich(ctx context.Context, req domain.EnrichmentRequest) (domain.EnrichmentResult, error)
}

// DocumentStore is the live in-memory document the engine and pipeline work against.
type DocumentStore interface {
	Snapshot() domain.Snapshot
	LoadEntities(batch []domain.Entity, origin domain.Origin)
	LoadAssets(batch []domain.Asset, origin domain.Origin)
	UpdateAsset(asset domain.Asset, origin domain.Origin) error
	UpdateEntity(id string, patch domain.EntityPatch, origin domain.Origin) (domain.Entity, error)
	Subscribe(fn func(domain.ChangeBatch), filter domain.ChangeFilter) func()
	Entity(id string) (domain.Entity, bool)
	Asset(id string) (domain.Asset, bool)
}

// EventSink receives structured observations from the engine and pipeline.
type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
}
