package document

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/totegamma/canvasd/internal/domain"
)

const defaultAssetDelay = 100 * time.Millisecond

// Options tunes the store's toolkit-like behavior.
type Options struct {
	// AssetDelay is how long after a link entity is added its asset appears.
	AssetDelay time.Duration
	// DisableAssets turns off asset materialization entirely.
	DisableAssets bool
}

type subscriber struct {
	id     uint64
	filter domain.ChangeFilter
	fn     func(domain.ChangeBatch)
}

// Store is an in-memory document store. Every mutation is atomic and reported
// to subscribers as one change batch once the lock is released.
type Store struct {
	mu          sync.Mutex
	records     map[string]domain.Record
	subscribers []subscriber
	nextSubID   uint64
	pending     map[string]*time.Timer
	closed      bool
	opts        Options
}

func NewStore(opts Options) *Store {
	if opts.AssetDelay <= 0 {
		opts.AssetDelay = defaultAssetDelay
	}
	return &Store{
		records: make(map[string]domain.Record),
		pending: make(map[string]*time.Timer),
		opts:    opts,
	}
}

// Subscribe registers fn for batches matching filter and returns the unsubscribe func.
func (s *Store) Subscribe(fn func(domain.ChangeBatch), filter domain.ChangeFilter) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers = append(s.subscribers, subscriber{id: id, filter: filter, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subscribers {
				if sub.id == id {
					s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns a deep copy of every record.
func (s *Store) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(domain.Snapshot, len(s.records))
	for k, r := range s.records {
		snap[k] = r.Clone()
	}
	return snap
}

func (s *Store) Entity(id string) (domain.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id].(domain.Entity)
	if !ok {
		return domain.Entity{}, false
	}
	return e.Clone().(domain.Entity), true
}

func (s *Store) Asset(id string) (domain.Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id].(domain.Asset)
	return a, ok
}

// LoadEntities creates or replaces entities in one batch.
func (s *Store) LoadEntities(batch []domain.Entity, origin domain.Origin) {
	records := make([]domain.Record, 0, len(batch))
	for _, e := range batch {
		e.TypeName = domain.TypeEntity
		records = append(records, e.Clone())
	}
	s.put(records, origin)
}

// LoadAssets creates or replaces assets in one batch.
func (s *Store) LoadAssets(batch []domain.Asset, origin domain.Origin) {
	records := make([]domain.Record, 0, len(batch))
	for _, a := range batch {
		a.TypeName = domain.TypeAsset
		records = append(records, a)
	}
	s.put(records, origin)
}

// PutView stores a view or session record.
func (s *Store) PutView(v domain.ViewRecord, origin domain.Origin) {
	s.put([]domain.Record{v.Clone()}, origin)
}

// UpdateAsset replaces an existing asset.
func (s *Store) UpdateAsset(asset domain.Asset, origin domain.Origin) error {
	s.mu.Lock()
	if _, ok := s.records[asset.ID].(domain.Asset); !ok {
		s.mu.Unlock()
		return domain.NotFoundError{Resource: "asset"}
	}
	asset.TypeName = domain.TypeAsset
	s.records[asset.ID] = asset
	subs := s.matchLocked()
	s.mu.Unlock()

	s.emit(subs, domain.ChangeBatch{Updated: []domain.Record{asset}, Origin: origin})
	return nil
}

// UpdateEntity applies patch to an existing entity and returns the result.
func (s *Store) UpdateEntity(id string, patch domain.EntityPatch, origin domain.Origin) (domain.Entity, error) {
	s.mu.Lock()
	current, ok := s.records[id].(domain.Entity)
	if !ok {
		s.mu.Unlock()
		return domain.Entity{}, domain.NotFoundError{Resource: "entity"}
	}
	updated := patch.Apply(current)
	s.records[id] = updated
	subs := s.matchLocked()
	s.mu.Unlock()

	s.emit(subs, domain.ChangeBatch{Updated: []domain.Record{updated.Clone()}, Origin: origin})
	return updated.Clone().(domain.Entity), nil
}

// RemoveEntity deletes an entity together with the asset it owns.
func (s *Store) RemoveEntity(id string, origin domain.Origin) error {
	s.mu.Lock()
	e, ok := s.records[id].(domain.Entity)
	if !ok {
		s.mu.Unlock()
		return domain.NotFoundError{Resource: "entity"}
	}
	removed := []domain.Record{e}
	delete(s.records, id)
	if t, ok := s.pending[id]; ok {
		t.Stop()
		delete(s.pending, id)
	}
	if a, ok := s.records[e.AssetID].(domain.Asset); ok && a.OwnerID == id {
		delete(s.records, a.ID)
		removed = append(removed, a)
	}
	subs := s.matchLocked()
	s.mu.Unlock()

	s.emit(subs, domain.ChangeBatch{Removed: removed, Origin: origin})
	return nil
}

// Close stops pending asset materializations. Subscribers are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	s.subscribers = nil
}

func (s *Store) put(records []domain.Record, origin domain.Origin) {
	if len(records) == 0 {
		return
	}

	var batch domain.ChangeBatch
	batch.Origin = origin

	s.mu.Lock()
	for _, r := range records {
		if _, exists := s.records[r.Key()]; exists {
			batch.Updated = append(batch.Updated, r.Clone())
		} else {
			batch.Added = append(batch.Added, r.Clone())
		}
		s.records[r.Key()] = r

		if e, ok := r.(domain.Entity); ok && origin == domain.OriginUser {
			s.scheduleAssetLocked(e)
		}
	}
	subs := s.matchLocked()
	s.mu.Unlock()

	s.emit(subs, batch)
}

func (s *Store) scheduleAssetLocked(e domain.Entity) {
	if s.opts.DisableAssets || s.closed || !e.IsLink() || e.AssetID != "" {
		return
	}
	if _, ok := s.pending[e.ID]; ok {
		return
	}
	id := e.ID
	s.pending[id] = time.AfterFunc(s.opts.AssetDelay, func() { s.materialize(id) })
}

// materialize mirrors the editor toolkit creating a link asset some time after the entity.
func (s *Store) materialize(entityID string) {
	s.mu.Lock()
	delete(s.pending, entityID)
	e, ok := s.records[entityID].(domain.Entity)
	if s.closed || !ok || e.AssetID != "" {
		s.mu.Unlock()
		return
	}

	asset := domain.Asset{
		ID:       domain.NewKey(domain.TypeAsset, uuid.NewString()),
		TypeName: domain.TypeAsset,
		Kind:     domain.AssetKindLink,
		OwnerID:  entityID,
		Src:      e.URL,
	}
	e = e.Clone().(domain.Entity)
	e.AssetID = asset.ID
	s.records[asset.ID] = asset
	s.records[entityID] = e
	subs := s.matchLocked()
	s.mu.Unlock()

	slog.Debug(
		"asset materialized",
		slog.String("entity", entityID),
		slog.String("asset", asset.ID),
		slog.String("module", "document"),
	)

	s.emit(subs, domain.ChangeBatch{
		Added:   []domain.Record{asset},
		Updated: []domain.Record{e.Clone()},
		Origin:  domain.OriginRemote,
	})
}

func (s *Store) matchLocked() []subscriber {
	subs := make([]subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	return subs
}

func (s *Store) emit(subs []subscriber, batch domain.ChangeBatch) {
	batch.Scope = scopeOf(batch)
	for _, sub := range subs {
		if sub.filter.Match(batch) {
			sub.fn(batch)
		}
	}
}

func scopeOf(b domain.ChangeBatch) domain.Scope {
	for _, set := range [][]domain.Record{b.Added, b.Updated, b.Removed} {
		for _, r := range set {
			if t := r.Type(); t == domain.TypeEntity || t == domain.TypeAsset {
				return domain.ScopeDocument
			}
		}
	}
	return domain.ScopeSession
}
