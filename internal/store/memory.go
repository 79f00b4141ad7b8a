// Package store provides the storage backends the sync engine runs over: an
// in-process memory store for tests and tooling, and a sqlite store for real
// deployments.
package store

import (
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

// MemoryStore holds every entity type in process. One store is shared by all
// handles; each handle stages its own mutations until Save.
type MemoryStore struct {
	mu       stdsync.RWMutex
	registry *sync.Registry
	tables   map[string]map[int64]sync.Entity
	nextID   map[string]int64

	// SaveHook, when set, is called for every staged entity at Save time and
	// can veto the commit. Used to enforce referential rules and to inject
	// faults in tests.
	SaveHook func(typeName string, e sync.Entity) error

	// RemoveHook observes committed removals in order.
	RemoveHook func(typeName string, e sync.Entity) error
}

// NewMemoryStore builds an empty store for the registry's types.
func NewMemoryStore(registry *sync.Registry) *MemoryStore {
	s := &MemoryStore{
		registry: registry,
		tables:   make(map[string]map[int64]sync.Entity),
		nextID:   make(map[string]int64),
	}
	for _, name := range registry.TypeNames() {
		s.tables[name] = make(map[int64]sync.Entity)
		s.nextID[name] = 1
	}
	return s
}

// GetDatabase implements sync.DatabaseProvider.
func (s *MemoryStore) GetDatabase() (sync.Database, error) {
	return &memorySession{store: s, staged: make(map[string][]stagedOp)}, nil
}

// Count returns the number of live rows for a type. Test helper.
func (s *MemoryStore) Count(typeName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[typeName])
}

// ReadBySyncID reads a committed row outside any session. Test helper.
func (s *MemoryStore) ReadBySyncID(typeName string, id uuid.UUID) sync.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.tables[typeName] {
		if e.SyncMeta().SyncID == id {
			return s.clone(typeName, e)
		}
	}
	return nil
}

// clone deep-copies an entity through its descriptor so callers never alias
// committed rows.
func (s *MemoryStore) clone(typeName string, e sync.Entity) sync.Entity {
	d := s.registry.Lookup(typeName)
	fresh := d.New()
	*fresh.SyncMeta() = *e.SyncMeta()
	if d.Apply != nil {
		d.Apply(fresh, e)
	}
	return fresh
}

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opRemove
)

type stagedOp struct {
	kind   opKind
	entity sync.Entity
}

// memorySession is one unit of work. Reads see committed state plus this
// session's own staged mutations; Save commits them atomically.
type memorySession struct {
	store  *MemoryStore
	staged map[string][]stagedOp
	closed bool
}

func (m *memorySession) Repository(typeName string) sync.Repository {
	if _, ok := m.store.tables[typeName]; !ok {
		return nil
	}
	return &memoryRepository{session: m, typeName: typeName}
}

func (m *memorySession) Save() error {
	if m.closed {
		return fmt.Errorf("session closed")
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SaveHook != nil {
		for typeName, ops := range m.staged {
			for _, op := range ops {
				if op.kind == opRemove {
					continue
				}
				if err := s.SaveHook(typeName, op.entity); err != nil {
					m.staged = make(map[string][]stagedOp)
					return err
				}
			}
		}
	}

	for typeName, ops := range m.staged {
		table := s.tables[typeName]
		for _, op := range ops {
			meta := op.entity.SyncMeta()
			switch op.kind {
			case opAdd, opUpdate:
				table[meta.ID] = s.clone(typeName, op.entity)
			case opRemove:
				if s.RemoveHook != nil {
					if err := s.RemoveHook(typeName, op.entity); err != nil {
						m.staged = make(map[string][]stagedOp)
						return err
					}
				}
				delete(table, meta.ID)
			}
		}
	}
	m.staged = make(map[string][]stagedOp)
	return nil
}

func (m *memorySession) Close() error {
	m.closed = true
	m.staged = nil
	return nil
}

type memoryRepository struct {
	session  *memorySession
	typeName string
}

func (r *memoryRepository) TypeName() string { return r.typeName }

// visible returns committed rows overlaid with this session's staged ops.
func (r *memoryRepository) visible() map[int64]sync.Entity {
	s := r.session.store
	s.mu.RLock()
	out := make(map[int64]sync.Entity, len(s.tables[r.typeName]))
	for id, e := range s.tables[r.typeName] {
		out[id] = e
	}
	s.mu.RUnlock()

	for _, op := range r.session.staged[r.typeName] {
		id := op.entity.SyncMeta().ID
		switch op.kind {
		case opAdd, opUpdate:
			out[id] = op.entity
		case opRemove:
			delete(out, id)
		}
	}
	return out
}

// changed reports whether e falls in the half-open window and passes the
// outgoing side of the filter.
func changed(e sync.Entity, since, until time.Time, filter *sync.RepositoryFilter) bool {
	m := e.SyncMeta()
	inWindow := func(t time.Time) bool {
		return !t.Before(since) && t.Before(until)
	}
	if !inWindow(m.CreatedOn) && !inWindow(m.ModifiedOn) {
		return false
	}
	if filter != nil && filter.SkipDeletedOnInitial && since.IsZero() && m.IsDeleted {
		return false
	}
	return filter.AllowsOutgoing(e)
}

func (r *memoryRepository) changedEntities(since, until time.Time, filter *sync.RepositoryFilter) []sync.Entity {
	var out []sync.Entity
	for _, e := range r.visible() {
		if changed(e, since, until, filter) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].SyncMeta(), out[j].SyncMeta()
		if !mi.ModifiedOn.Equal(mj.ModifiedOn) {
			return mi.ModifiedOn.Before(mj.ModifiedOn)
		}
		return mi.ID < mj.ID
	})
	return out
}

func (r *memoryRepository) ChangeCount(since, until time.Time, filter *sync.RepositoryFilter) (int, error) {
	return len(r.changedEntities(since, until, filter)), nil
}

func (r *memoryRepository) Changes(since, until time.Time, skip, take int, filter *sync.RepositoryFilter) ([]sync.Object, error) {
	entities := r.changedEntities(since, until, filter)
	if skip >= len(entities) {
		return nil, nil
	}
	entities = entities[skip:]
	if take > 0 && take < len(entities) {
		entities = entities[:take]
	}
	out := make([]sync.Object, 0, len(entities))
	for _, e := range entities {
		o, err := sync.ToObject(r.typeName, e)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *memoryRepository) ReadByPrimaryID(id int64) (sync.Entity, error) {
	e, ok := r.visible()[id]
	if !ok {
		return nil, nil
	}
	return r.session.store.clone(r.typeName, e), nil
}

func (r *memoryRepository) ReadBySyncID(id uuid.UUID) (sync.Entity, error) {
	for _, e := range r.visible() {
		if e.SyncMeta().SyncID == id {
			return r.session.store.clone(r.typeName, e), nil
		}
	}
	return nil, nil
}

func (r *memoryRepository) ReadMatch(incoming sync.Entity, filter *sync.RepositoryFilter) (sync.Entity, error) {
	if !filter.HasLookup() {
		return r.ReadBySyncID(incoming.SyncMeta().SyncID)
	}
	match := filter.Lookup(incoming)
	var found []sync.Entity
	for _, e := range r.visible() {
		if match(e) {
			found = append(found, e)
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	if len(found) > 1 {
		return nil, fmt.Errorf("lookup matched %d %s rows, want at most one", len(found), r.typeName)
	}
	return r.session.store.clone(r.typeName, found[0]), nil
}

func (r *memoryRepository) Add(e sync.Entity) error {
	s := r.session.store
	s.mu.Lock()
	meta := e.SyncMeta()
	if meta.ID == 0 {
		meta.ID = s.nextID[r.typeName]
		s.nextID[r.typeName]++
	}
	s.mu.Unlock()
	r.session.staged[r.typeName] = append(r.session.staged[r.typeName], stagedOp{kind: opAdd, entity: e})
	return nil
}

func (r *memoryRepository) Update(e sync.Entity) error {
	if e.SyncMeta().ID == 0 {
		return fmt.Errorf("update %s without primary key", r.typeName)
	}
	r.session.staged[r.typeName] = append(r.session.staged[r.typeName], stagedOp{kind: opUpdate, entity: e})
	return nil
}

func (r *memoryRepository) Remove(e sync.Entity) error {
	if e.SyncMeta().ID == 0 {
		return fmt.Errorf("remove %s without primary key", r.typeName)
	}
	r.session.staged[r.typeName] = append(r.session.staged[r.typeName], stagedOp{kind: opRemove, entity: e})
	return nil
}
