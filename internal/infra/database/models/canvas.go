package models

import (
	"time"
)

// CanvasState is one persisted canvas per owner. Data holds the serialized user content package.
type CanvasState struct {
	OwnerID   string    `json:"ownerId" gorm:"primaryKey;type:text"`
	Data      string    `json:"data" gorm:"type:jsonb;not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"type:timestamp with time zone;not null"`
}

func (CanvasState) TableName() string {
	return "canvas_states"
}
