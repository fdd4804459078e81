package repository

import (
	"context"
	"encoding/json"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/infra/database/models"
)

var tracer = otel.Tracer("repository")

type CanvasRepository struct {
	db *gorm.DB
}

func NewCanvasRepository(db *gorm.DB) *CanvasRepository {
	return &CanvasRepository{db: db}
}

func (r *CanvasRepository) FetchByOwner(ctx context.Context, owner string) (domain.CanvasState, error) {
	ctx, span := tracer.Start(ctx, "Repository.Canvas.FetchByOwner")
	defer span.End()

	var row models.CanvasState
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", owner).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CanvasState{}, domain.NotFoundError{Resource: "canvas"}
		}
		span.RecordError(err)
		return domain.CanvasState{}, err
	}

	var pkg domain.UserContentPackage
	if err := json.Unmarshal([]byte(row.Data), &pkg); err != nil {
		return domain.CanvasState{}, pkgerrors.Wrap(domain.ErrInvalidPackage, err.Error())
	}

	return domain.CanvasState{
		OwnerID:   row.OwnerID,
		Data:      pkg,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (r *CanvasRepository) UpdateByOwner(ctx context.Context, owner string, payload domain.CanvasPayload) (int64, error) {
	ctx, span := tracer.Start(ctx, "Repository.Canvas.UpdateByOwner")
	defer span.End()

	data, err := json.Marshal(payload.Data)
	if err != nil {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Model(&models.CanvasState{}).
		Where("owner_id = ?", owner).
		Updates(map[string]any{
			"data":       string(data),
			"updated_at": payload.UpdatedAt,
		})
	if result.Error != nil {
		span.RecordError(result.Error)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *CanvasRepository) InsertForOwner(ctx context.Context, owner string, payload domain.CanvasPayload) (domain.CanvasState, error) {
	ctx, span := tracer.Start(ctx, "Repository.Canvas.InsertForOwner")
	defer span.End()

	data, err := json.Marshal(payload.Data)
	if err != nil {
		return domain.CanvasState{}, err
	}

	row := models.CanvasState{
		OwnerID:   owner,
		Data:      string(data),
		UpdatedAt: payload.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		span.RecordError(err)
		return domain.CanvasState{}, err
	}

	return domain.CanvasState{
		OwnerID:   owner,
		Data:      payload.Data,
		UpdatedAt: payload.UpdatedAt,
	}, nil
}
