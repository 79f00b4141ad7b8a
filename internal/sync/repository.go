package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository adapts one entity type's storage to the engine: change
// enumeration over a half-open time window plus lookup and mutation.
//
// An entity is "changed" in [since, until) when its created or modified stamp
// falls in that window; lower bound inclusive, upper exclusive, so repeated
// calls where until becomes the next since never double-count. Results are
// ordered by (ModifiedOn, primary key) ascending and ChangeCount must agree
// with Changes under the same predicate or pagination windows desync.
type Repository interface {
	TypeName() string

	ChangeCount(since, until time.Time, filter *RepositoryFilter) (int, error)
	Changes(since, until time.Time, skip, take int, filter *RepositoryFilter) ([]Object, error)

	// ReadByPrimaryID and ReadBySyncID return (nil, nil) when absent.
	ReadByPrimaryID(id int64) (Entity, error)
	ReadBySyncID(id uuid.UUID) (Entity, error)
	// ReadMatch locates the local counterpart of incoming using the filter's
	// custom lookup when present, else sync id equality.
	ReadMatch(incoming Entity, filter *RepositoryFilter) (Entity, error)

	Add(e Entity) error
	Update(e Entity) error
	Remove(e Entity) error
}

// Database is one unit-of-work handle over a store. Mutations stage until
// Save; Close without Save discards them.
type Database interface {
	Repository(typeName string) Repository
	Save() error
	Close() error
}

// DatabaseProvider hands out database handles; the engine borrows one per
// batch and never shares handles across goroutines.
type DatabaseProvider interface {
	GetDatabase() (Database, error)
}

// DatabaseProviderFunc adapts a function to DatabaseProvider.
type DatabaseProviderFunc func() (Database, error)

func (f DatabaseProviderFunc) GetDatabase() (Database, error) { return f() }

// KeyCache maps (type, sync id) pairs to local primary keys. Strictly an
// optimization: engine behavior must be identical with or without it, and
// cached keys are re-verified against the live row before use.
type KeyCache interface {
	SupportsType(typeName string) bool
	PrimaryKey(typeName string, syncID uuid.UUID) (int64, bool)
	AddKey(typeName string, syncID uuid.UUID, primaryKey int64)
	RemoveKey(typeName string, syncID uuid.UUID)
}

// MemoryKeyCache is a concurrency-safe KeyCache over an in-process map.
type MemoryKeyCache struct {
	mu    sync.RWMutex
	types map[string]map[uuid.UUID]int64
}

// NewMemoryKeyCache caches keys for the given type names.
func NewMemoryKeyCache(typeNames ...string) *MemoryKeyCache {
	c := &MemoryKeyCache{types: make(map[string]map[uuid.UUID]int64, len(typeNames))}
	for _, n := range typeNames {
		c.types[n] = make(map[uuid.UUID]int64)
	}
	return c
}

func (c *MemoryKeyCache) SupportsType(typeName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[typeName]
	return ok
}

func (c *MemoryKeyCache) PrimaryKey(typeName string, syncID uuid.UUID) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys, ok := c.types[typeName]
	if !ok {
		return 0, false
	}
	pk, ok := keys[syncID]
	return pk, ok
}

func (c *MemoryKeyCache) AddKey(typeName string, syncID uuid.UUID, primaryKey int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keys, ok := c.types[typeName]; ok {
		keys[syncID] = primaryKey
	}
}

func (c *MemoryKeyCache) RemoveKey(typeName string, syncID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keys, ok := c.types[typeName]; ok {
		delete(keys, syncID)
	}
}
