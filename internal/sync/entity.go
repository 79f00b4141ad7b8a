package sync

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Entity is implemented by every syncable record, normally by embedding Meta.
type Entity interface {
	SyncMeta() *Meta
}

// Meta carries the fields every sync entity shares. The local primary key is
// store-specific and never crosses the wire; the sync id is the global
// identity and is never reused.
type Meta struct {
	ID         int64     `json:"-"`
	SyncID     uuid.UUID `json:"sync_id"`
	CreatedOn  time.Time `json:"created_on"`
	ModifiedOn time.Time `json:"modified_on"`
	IsDeleted  bool      `json:"is_deleted"`
}

// SyncMeta implements Entity.
func (m *Meta) SyncMeta() *Meta { return m }

// Relationship statically declares one convention pair: a property holding
// the related entity's sync id alongside the local key the store wants
// populated. Declared per type at registration time instead of discovered by
// reflection.
type Relationship struct {
	Name       string
	TargetType string
	SyncID     func(Entity) uuid.UUID
	LocalID    func(Entity) int64
	SetLocalID func(Entity, int64)
}

// TypeDescriptor describes one syncable entity type to the engine.
type TypeDescriptor struct {
	// Name is the type key carried in Object.TypeName.
	Name string
	// New returns a zero entity of this type.
	New func() Entity
	// Apply copies the data members of src onto dst. It must not touch the
	// local primary key or the sync id; the engine owns those.
	Apply func(dst, src Entity)
	// Relationships lists the foreign references the engine repairs after an
	// entity is applied.
	Relationships []Relationship
}

// Registry maps type keys to descriptors. Registration order is preserved and
// used as the default repository iteration order during change enumeration.
type Registry struct {
	types map[string]*TypeDescriptor
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeDescriptor)}
}

// Register adds a descriptor. Registering the same name twice is a
// configuration fault.
func (r *Registry) Register(d *TypeDescriptor) error {
	if d == nil || d.Name == "" || d.New == nil {
		return fmt.Errorf("invalid type descriptor")
	}
	if _, ok := r.types[d.Name]; ok {
		return fmt.Errorf("type %q already registered", d.Name)
	}
	r.types[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// MustRegister registers d and panics on error. For startup wiring.
func (r *Registry) MustRegister(d *TypeDescriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for name, or nil.
func (r *Registry) Lookup(name string) *TypeDescriptor {
	return r.types[name]
}

// TypeNames returns the registered type keys in registration order.
func (r *Registry) TypeNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// orderGroups sorts type names by their position in syncOrder; names not in
// syncOrder sort after those that are, alphabetically.
func orderGroups(names []string, syncOrder []string) []string {
	pos := make(map[string]int, len(syncOrder))
	for i, n := range syncOrder {
		pos[n] = i
	}
	out := make([]string, len(names))
	copy(out, names)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := pos[out[i]]
		pj, jok := pos[out[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		case jok:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}
