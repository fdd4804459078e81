package domain

import (
	"maps"
	"strings"
)

// TypeName is the kind tag carried by every record. It is also the key prefix.
type TypeName string

const (
	TypeEntity  TypeName = "entity"
	TypeAsset   TypeName = "asset"
	TypeView    TypeName = "view"
	TypeSession TypeName = "session"
	TypeHistory TypeName = "history"
)

const (
	EntityKindGeo  = "geo"
	EntityKindText = "text"
	EntityKindLink = "link"

	AssetKindLink = "link"
)

// Record is a single keyed value held by the document store.
type Record interface {
	Key() string
	Type() TypeName
	Clone() Record
}

// TypeOf returns the type prefix of a record key ("entity:abc" -> "entity").
func TypeOf(key string) TypeName {
	prefix, _, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	return TypeName(prefix)
}

// NewKey composes a namespaced record key.
func NewKey(t TypeName, id string) string {
	return string(t) + ":" + id
}

// Entity is a drawable document entity.
type Entity struct {
	ID       string         `json:"id"`
	TypeName TypeName       `json:"typeName"`
	Kind     string         `json:"kind"`
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
	Width    float64        `json:"w"`
	Height   float64        `json:"h"`
	URL      string         `json:"url,omitempty"`
	AssetID  string         `json:"assetId,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
}

func (e Entity) Key() string    { return e.ID }
func (e Entity) Type() TypeName { return TypeEntity }

func (e Entity) Clone() Record {
	e.Props = maps.Clone(e.Props)
	return e
}

// IsLink reports whether the entity is a link reference.
func (e Entity) IsLink() bool {
	return e.Kind == EntityKindLink
}

// Asset is a media asset referenced by at most one link entity.
type Asset struct {
	ID          string   `json:"id"`
	TypeName    TypeName `json:"typeName"`
	Kind        string   `json:"kind"`
	OwnerID     string   `json:"ownerId,omitempty"`
	Src         string   `json:"src,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Image       string   `json:"image,omitempty"`
	Favicon     string   `json:"favicon,omitempty"`
}

func (a Asset) Key() string    { return a.ID }
func (a Asset) Type() TypeName { return TypeAsset }
func (a Asset) Clone() Record  { return a }

// ViewRecord is transient view/session state. It is never persisted.
type ViewRecord struct {
	ID    string         `json:"id"`
	Value map[string]any `json:"value,omitempty"`
}

func (v ViewRecord) Key() string    { return v.ID }
func (v ViewRecord) Type() TypeName { return TypeOf(v.ID) }

func (v ViewRecord) Clone() Record {
	v.Value = maps.Clone(v.Value)
	return v
}

// Snapshot is a point-in-time copy of every record in a document.
type Snapshot map[string]Record

// EntityPatch is a partial update applied to an entity. Nil fields are left unchanged.
type EntityPatch struct {
	X       *float64       `json:"x,omitempty"`
	Y       *float64       `json:"y,omitempty"`
	Width   *float64       `json:"w,omitempty"`
	Height  *float64       `json:"h,omitempty"`
	URL     *string        `json:"url,omitempty"`
	AssetID *string        `json:"assetId,omitempty"`
	Props   map[string]any `json:"props,omitempty"`
}

// Apply returns a copy of e with the patch applied.
func (p EntityPatch) Apply(e Entity) Entity {
	e = e.Clone().(Entity)
	if p.X != nil {
		e.X = *p.X
	}
	if p.Y != nil {
		e.Y = *p.Y
	}
	if p.Width != nil {
		e.Width = *p.Width
	}
	if p.Height != nil {
		e.Height = *p.Height
	}
	if p.URL != nil {
		e.URL = *p.URL
	}
	if p.AssetID != nil {
		e.AssetID = *p.AssetID
	}
	if len(p.Props) > 0 {
		if e.Props == nil {
			e.Props = make(map[string]any, len(p.Props))
		}
		maps.Copy(e.Props, p.Props)
	}
	return e
}
