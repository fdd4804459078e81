package usecase

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/canvasd/internal/domain"
)

var tracer = otel.Tracer("usecase")

type CanvasUsecase struct {
	repo CanvasRepository
	now  func() time.Time
}

func NewCanvasUsecase(repo CanvasRepository) *CanvasUsecase {
	return &CanvasUsecase{repo: repo, now: time.Now}
}

// Load returns the owner's persisted canvas. domain.ErrNotFound means first use.
func (uc *CanvasUsecase) Load(ctx context.Context, owner string) (domain.CanvasState, error) {
	ctx, span := tracer.Start(ctx, "Canvas.Usecase.Load")
	defer span.End()
	span.SetAttributes(attribute.String("owner", owner))

	state, err := uc.repo.FetchByOwner(ctx, owner)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
		}
		return domain.CanvasState{}, err
	}
	return state, nil
}

// Save writes pkg for owner. It updates the existing row and inserts only when
// the update touched nothing, so it is correct whether or not a row exists.
func (uc *CanvasUsecase) Save(ctx context.Context, owner string, pkg domain.UserContentPackage) error {
	ctx, span := tracer.Start(ctx, "Canvas.Usecase.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner", owner),
		attribute.Int("entities", pkg.Metadata.Counts.Entities),
		attribute.Int("assets", pkg.Metadata.Counts.Assets),
	)

	payload := domain.CanvasPayload{
		Data:      pkg,
		UpdatedAt: uc.now().UTC(),
	}

	affected, err := uc.repo.UpdateByOwner(ctx, owner, payload)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "update canvas")
	}
	if affected > 0 {
		return nil
	}

	_, err = uc.repo.InsertForOwner(ctx, owner, payload)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "insert canvas")
	}
	return nil
}
