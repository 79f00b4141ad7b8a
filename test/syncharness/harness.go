// Package syncharness wires two real sqlite stores into a full sync pair for
// scenario tests: seed either side, run sessions, assert on both databases.
package syncharness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/BobbyCannon/cornerstone-go/internal/models"
	"github.com/BobbyCannon/cornerstone-go/internal/store"
	tdsync "github.com/BobbyCannon/cornerstone-go/internal/sync"
)

// Base is the fixed reference time scenarios hang their stamps off.
var Base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Harness holds a client/server pair over two sqlite databases.
type Harness struct {
	t *testing.T

	Client *tdsync.DataClient
	Server *tdsync.DataClient

	ClientStore *store.SqliteStore
	ServerStore *store.SqliteStore

	lastClient time.Time
	lastServer time.Time
}

// New builds a harness with empty databases in the test's temp dir.
func New(t *testing.T) *Harness {
	t.Helper()

	open := func(name string) *store.SqliteStore {
		st, err := store.OpenSqlite("sqlite3", filepath.Join(t.TempDir(), name), models.NewRegistry())
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		t.Cleanup(func() { st.Close() })
		return st
	}

	cs := open("client.db")
	ss := open("server.db")
	return &Harness{
		t:           t,
		ClientStore: cs,
		ServerStore: ss,
		Client: tdsync.NewDataClient(tdsync.Options{
			Name: "client", SyncOrder: models.SyncOrder,
		}, models.NewRegistry(), cs),
		Server: tdsync.NewDataClient(tdsync.Options{
			Name: "server", IsServer: true, SyncOrder: models.SyncOrder,
		}, models.NewRegistry(), ss),
	}
}

// Run executes one session with the stored watermarks and returns it.
// Successful sessions advance the watermarks, like the manager would.
func (h *Harness) Run(direction tdsync.Direction) *tdsync.Session {
	h.t.Helper()
	session := tdsync.NewSession(h.Client, h.Server, tdsync.Settings{
		Direction:          direction,
		LastSyncedOnClient: h.lastClient,
		LastSyncedOnServer: h.lastServer,
	})
	session.Run()
	if session.Successful() {
		h.lastClient = session.ClientWatermark()
		h.lastServer = session.ServerWatermark()
	}
	return session
}

// MustRun runs a session and fails the test if it does not succeed.
func (h *Harness) MustRun(direction tdsync.Direction) *tdsync.Session {
	h.t.Helper()
	session := h.Run(direction)
	if !session.Successful() {
		h.t.Fatalf("session failed: %v", session.Issues())
	}
	return session
}

// SeedAddress inserts an address directly into st.
func (h *Harness) SeedAddress(st *store.SqliteStore, city string, modifiedOn time.Time) *models.Address {
	h.t.Helper()
	a := &models.Address{
		Meta: tdsync.Meta{SyncID: uuid.New(), CreatedOn: Base, ModifiedOn: modifiedOn},
		City: city,
	}
	h.insert(st, models.TypeAddress, a)
	return a
}

// SeedAccount inserts an account referencing addressSyncID directly into st.
// The local address key is resolved against st so the row is well formed.
func (h *Harness) SeedAccount(st *store.SqliteStore, name string, addressSyncID uuid.UUID, modifiedOn time.Time) *models.Account {
	h.t.Helper()
	a := &models.Account{
		Meta:          tdsync.Meta{SyncID: uuid.New(), CreatedOn: Base, ModifiedOn: modifiedOn},
		Name:          name,
		AddressSyncID: addressSyncID,
	}
	if addr := h.Read(st, models.TypeAddress, addressSyncID); addr != nil {
		a.AddressID = addr.SyncMeta().ID
	}
	h.insert(st, models.TypeAccount, a)
	return a
}

func (h *Harness) insert(st *store.SqliteStore, typeName string, e tdsync.Entity) {
	h.t.Helper()
	db, err := st.GetDatabase()
	if err != nil {
		h.t.Fatalf("get database: %v", err)
	}
	defer db.Close()
	if err := db.Repository(typeName).Add(e); err != nil {
		h.t.Fatalf("add %s: %v", typeName, err)
	}
	if err := db.Save(); err != nil {
		h.t.Fatalf("save: %v", err)
	}
}

// Read fetches one committed row by sync id, or nil.
func (h *Harness) Read(st *store.SqliteStore, typeName string, syncID uuid.UUID) tdsync.Entity {
	h.t.Helper()
	db, err := st.GetDatabase()
	if err != nil {
		h.t.Fatalf("get database: %v", err)
	}
	defer db.Close()
	e, err := db.Repository(typeName).ReadBySyncID(syncID)
	if err != nil {
		h.t.Fatalf("read %s: %v", typeName, err)
	}
	return e
}

// Count returns the number of rows changed since the beginning of time.
func (h *Harness) Count(st *store.SqliteStore, typeName string) int {
	h.t.Helper()
	db, err := st.GetDatabase()
	if err != nil {
		h.t.Fatalf("get database: %v", err)
	}
	defer db.Close()
	n, err := db.Repository(typeName).ChangeCount(time.Time{}, time.Now().UTC().Add(time.Hour), nil)
	if err != nil {
		h.t.Fatalf("count %s: %v", typeName, err)
	}
	return n
}
