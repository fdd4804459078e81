package domain

import "time"

// PackageFormat marks a persisted package as produced by this service.
const PackageFormat = "canvasd/user-content@1"

// UserContentPackage is the persisted subset of a document: entities and assets only.
type UserContentPackage struct {
	Entities map[string]Entity `json:"entities"`
	Assets   map[string]Asset  `json:"assets"`
	Metadata PackageMetadata   `json:"metadata"`
}

type PackageMetadata struct {
	Counts  PackageCounts `json:"counts"`
	SavedAt time.Time     `json:"savedAt"`
	Format  string        `json:"format"`
}

type PackageCounts struct {
	Entities int `json:"entities"`
	Assets   int `json:"assets"`
}

// Empty reports whether there is nothing worth persisting.
func (p UserContentPackage) Empty() bool {
	return len(p.Entities) == 0
}

// CanvasState is the single remote row kept per owner.
type CanvasState struct {
	OwnerID   string             `json:"ownerId"`
	Data      UserContentPackage `json:"data"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// CanvasPayload is what gets written for an owner.
type CanvasPayload struct {
	Data      UserContentPackage `json:"data"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
