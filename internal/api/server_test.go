package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BobbyCannon/cornerstone-go/internal/api"
	"github.com/BobbyCannon/cornerstone-go/internal/models"
	"github.com/BobbyCannon/cornerstone-go/internal/store"
	"github.com/BobbyCannon/cornerstone-go/internal/sync"
	"github.com/BobbyCannon/cornerstone-go/internal/syncclient"
)

var wireBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type wireEnv struct {
	server      *httptest.Server
	serverStore *store.MemoryStore
	local       *sync.DataClient
	localStore  *store.MemoryStore
	remote      *syncclient.WebClient
}

func newWireEnv(t *testing.T, apiKey string) *wireEnv {
	t.Helper()

	serverRegistry := models.NewRegistry()
	serverStore := store.NewMemoryStore(serverRegistry)
	srv := api.NewServer(api.Config{APIKey: apiKey}, func() sync.Client {
		return sync.NewDataClient(sync.Options{
			Name: "server", IsServer: true, SyncOrder: models.SyncOrder,
		}, serverRegistry, serverStore)
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	localRegistry := models.NewRegistry()
	localStore := store.NewMemoryStore(localRegistry)
	local := sync.NewDataClient(sync.Options{Name: "client", SyncOrder: models.SyncOrder}, localRegistry, localStore)

	return &wireEnv{
		server:      ts,
		serverStore: serverStore,
		local:       local,
		localStore:  localStore,
		remote:      syncclient.New(ts.URL, apiKey),
	}
}

func seedAddress(t *testing.T, st *store.MemoryStore, city string, modifiedOn time.Time) *models.Address {
	t.Helper()
	a := &models.Address{
		Meta: sync.Meta{SyncID: uuid.New(), CreatedOn: wireBase, ModifiedOn: modifiedOn},
		City: city,
	}
	db, err := st.GetDatabase()
	if err != nil {
		t.Fatalf("get database: %v", err)
	}
	if err := db.Repository(models.TypeAddress).Add(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := db.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	return a
}

func TestWireSync_EndToEnd(t *testing.T) {
	env := newWireEnv(t, "")

	clientAddr := seedAddress(t, env.localStore, "local", wireBase)
	serverAddr := seedAddress(t, env.serverStore, "remote", wireBase.Add(time.Second))

	session := sync.NewSession(env.local, env.remote, sync.Settings{
		Direction: sync.DirectionPullDownThenPushUp,
	})
	session.Run()
	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}

	if env.localStore.ReadBySyncID(models.TypeAddress, serverAddr.SyncID) == nil {
		t.Fatal("server row did not arrive over the wire")
	}
	if env.serverStore.ReadBySyncID(models.TypeAddress, clientAddr.SyncID) == nil {
		t.Fatal("client row did not arrive over the wire")
	}
	if session.ServerStats().AppliedChanges != 1 {
		t.Fatalf("server applied = %d, want 1", session.ServerStats().AppliedChanges)
	}
}

func TestWireSync_BadAPIKeyIsUnauthorizedIssue(t *testing.T) {
	env := newWireEnv(t, "secret")
	env.remote = syncclient.New(env.server.URL, "wrong")

	session := sync.NewSession(env.local, env.remote, sync.Settings{Direction: sync.DirectionPushUp})
	session.Run()
	if session.Successful() {
		t.Fatal("session should fail with a bad key")
	}
	found := false
	for _, issue := range session.Issues() {
		if issue.Type == sync.IssueUnauthorized {
			found = true
		}
	}
	if !found {
		t.Fatalf("want an unauthorized issue, got %v", session.Issues())
	}
}

func TestWire_UnknownSessionIsGone(t *testing.T) {
	env := newWireEnv(t, "")

	_, err := env.remote.GetChanges(uuid.New(), sync.Request{})
	if err == nil {
		t.Fatal("unknown session should error")
	}
}

func TestWire_HealthAndMetrics(t *testing.T) {
	env := newWireEnv(t, "")

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(env.server.URL + "/metricz")
	if err != nil {
		t.Fatalf("metricz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metricz status = %d", resp.StatusCode)
	}
}

func TestWire_EndSyncReleasesSession(t *testing.T) {
	env := newWireEnv(t, "")

	id := uuid.New()
	if _, err := env.remote.BeginSync(id, sync.Settings{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := env.remote.EndSync(id); err != nil {
		t.Fatalf("end: %v", err)
	}
	// The session is gone once ended.
	if _, err := env.remote.GetChanges(id, sync.Request{}); err == nil {
		t.Fatal("ended session should not accept further calls")
	}
}
