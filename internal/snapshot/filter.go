package snapshot

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/totegamma/canvasd/internal/domain"
)

// Filter reduces a document snapshot to the user content that gets persisted.
// Only entity and asset records survive.
func Filter(s domain.Snapshot, now time.Time) domain.UserContentPackage {
	pkg := domain.UserContentPackage{
		Entities: make(map[string]domain.Entity),
		Assets:   make(map[string]domain.Asset),
	}

	for key, record := range s {
		switch r := record.(type) {
		case domain.Entity:
			pkg.Entities[key] = r.Clone().(domain.Entity)
		case domain.Asset:
			pkg.Assets[key] = r
		}
	}

	pkg.Metadata = domain.PackageMetadata{
		Counts: domain.PackageCounts{
			Entities: len(pkg.Entities),
			Assets:   len(pkg.Assets),
		},
		SavedAt: now.UTC(),
		Format:  domain.PackageFormat,
	}

	return pkg
}

// Validate checks the structural markers of a persisted package before it is replayed.
func Validate(pkg domain.UserContentPackage) error {
	if pkg.Entities == nil || pkg.Assets == nil {
		return errors.Wrap(domain.ErrInvalidPackage, "missing entities or assets")
	}
	if pkg.Metadata.Format != domain.PackageFormat {
		return errors.Wrapf(domain.ErrInvalidPackage, "unexpected format %q", pkg.Metadata.Format)
	}

	for key, e := range pkg.Entities {
		if key != e.ID {
			return errors.Wrapf(domain.ErrInvalidPackage, "entity key %s does not match id %s", key, e.ID)
		}
		if domain.TypeOf(key) != domain.TypeEntity {
			return errors.Wrapf(domain.ErrInvalidPackage, "entity key %s has wrong prefix", key)
		}
	}

	for key, a := range pkg.Assets {
		if key != a.ID {
			return errors.Wrapf(domain.ErrInvalidPackage, "asset key %s does not match id %s", key, a.ID)
		}
		if domain.TypeOf(key) != domain.TypeAsset {
			return errors.Wrapf(domain.ErrInvalidPackage, "asset key %s has wrong prefix", key)
		}
	}

	return nil
}

// Replay returns the package contents in the order they must be loaded:
// assets first, then entities, each sorted by id.
func Replay(pkg domain.UserContentPackage) ([]domain.Asset, []domain.Entity) {
	assets := make([]domain.Asset, 0, len(pkg.Assets))
	for _, a := range pkg.Assets {
		a.TypeName = domain.TypeAsset
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })

	entities := make([]domain.Entity, 0, len(pkg.Entities))
	for _, e := range pkg.Entities {
		e.TypeName = domain.TypeEntity
		entities = append(entities, e.Clone().(domain.Entity))
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	return assets, entities
}

// Describe is a short human readable summary used in logs.
func Describe(pkg domain.UserContentPackage) string {
	return fmt.Sprintf("%d entities, %d assets", pkg.Metadata.Counts.Entities, pkg.Metadata.Counts.Assets)
}
