package domain

// Origin tells who caused a change.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginRemote Origin = "remote"
)

// Scope tells whether a change touched document content or only view state.
type Scope string

const (
	ScopeDocument Scope = "document"
	ScopeSession  Scope = "session"
)

// ChangeBatch is one atomic mutation as reported to subscribers.
type ChangeBatch struct {
	Added   []Record
	Updated []Record
	Removed []Record
	Origin  Origin
	Scope   Scope
}

// ChangeFilter selects which batches a subscriber receives. Zero fields match everything.
type ChangeFilter struct {
	Origin Origin
	Scope  Scope
}

func (f ChangeFilter) Match(b ChangeBatch) bool {
	if f.Origin != "" && f.Origin != b.Origin {
		return false
	}
	if f.Scope != "" && f.Scope != b.Scope {
		return false
	}
	return true
}

// TouchesEntities reports whether the batch adds, updates or removes an entity.
func (b ChangeBatch) TouchesEntities() bool {
	for _, set := range [][]Record{b.Added, b.Updated, b.Removed} {
		for _, r := range set {
			if r.Type() == TypeEntity {
				return true
			}
		}
	}
	return false
}
