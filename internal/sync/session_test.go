package sync_test

import (
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BobbyCannon/cornerstone-go/internal/models"
	"github.com/BobbyCannon/cornerstone-go/internal/store"
	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

type pair struct {
	client      *sync.DataClient
	server      *sync.DataClient
	clientStore *store.MemoryStore
	serverStore *store.MemoryStore
}

func newPair(t *testing.T) *pair {
	t.Helper()
	clientRegistry := models.NewRegistry()
	serverRegistry := models.NewRegistry()
	cs := store.NewMemoryStore(clientRegistry)
	ss := store.NewMemoryStore(serverRegistry)
	return &pair{
		client:      sync.NewDataClient(sync.Options{Name: "client", SyncOrder: models.SyncOrder}, clientRegistry, cs),
		server:      sync.NewDataClient(sync.Options{Name: "server", IsServer: true, SyncOrder: models.SyncOrder}, serverRegistry, ss),
		clientStore: cs,
		serverStore: ss,
	}
}

func runSession(t *testing.T, p *pair, settings sync.Settings) *sync.Session {
	t.Helper()
	session := sync.NewSession(p.client, p.server, settings)
	session.Run()
	return session
}

func TestSession_PushUp(t *testing.T) {
	p := newPair(t)

	addr := makeAddress("client town", baseTime, baseTime)
	seed(t, p.clientStore, models.TypeAddress, addr)
	acct := makeAccount("mover", addr.SyncID, baseTime, baseTime.Add(time.Second))
	seed(t, p.clientStore, models.TypeAccount, acct)

	session := runSession(t, p, sync.Settings{Direction: sync.DirectionPushUp})
	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}

	if p.serverStore.ReadBySyncID(models.TypeAddress, addr.SyncID) == nil {
		t.Fatal("address did not reach the server")
	}
	got := p.serverStore.ReadBySyncID(models.TypeAccount, acct.SyncID)
	if got == nil {
		t.Fatal("account did not reach the server")
	}
	serverAddr := p.serverStore.ReadBySyncID(models.TypeAddress, addr.SyncID)
	if got.(*models.Account).AddressID != serverAddr.SyncMeta().ID {
		t.Fatal("relationship not repaired against the server's local keys")
	}
}

func TestSession_Bidirectional(t *testing.T) {
	p := newPair(t)

	clientAddr := makeAddress("client side", baseTime, baseTime)
	seed(t, p.clientStore, models.TypeAddress, clientAddr)
	serverAddr := makeAddress("server side", baseTime, baseTime.Add(time.Second))
	seed(t, p.serverStore, models.TypeAddress, serverAddr)

	session := runSession(t, p, sync.Settings{Direction: sync.DirectionPullDownThenPushUp})
	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}

	if p.clientStore.ReadBySyncID(models.TypeAddress, serverAddr.SyncID) == nil {
		t.Fatal("server change did not reach the client")
	}
	if p.serverStore.ReadBySyncID(models.TypeAddress, clientAddr.SyncID) == nil {
		t.Fatal("client change did not reach the server")
	}
	if n := p.serverStore.Count(models.TypeAddress); n != 2 {
		t.Fatalf("server row count = %d, want 2", n)
	}
}

func TestSession_NoEcho(t *testing.T) {
	// A change pulled from the server must not be pushed straight back.
	p := newPair(t)

	serverAddr := makeAddress("origin", baseTime, baseTime)
	seed(t, p.serverStore, models.TypeAddress, serverAddr)

	session := runSession(t, p, sync.Settings{Direction: sync.DirectionPullDownThenPushUp})
	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}

	stats := session.ServerStats()
	if stats.Changes != 0 {
		t.Fatalf("server received %d echoed change(s)", stats.Changes)
	}
}

func TestSession_NewerWriterWins(t *testing.T) {
	p := newPair(t)

	shared := uuid.New()
	older := &models.Address{Meta: sync.Meta{SyncID: shared, CreatedOn: baseTime, ModifiedOn: baseTime.Add(time.Minute)}, City: "older"}
	newer := &models.Address{Meta: sync.Meta{SyncID: shared, CreatedOn: baseTime, ModifiedOn: baseTime.Add(time.Hour)}, City: "newer"}
	seed(t, p.clientStore, models.TypeAddress, older)
	seed(t, p.serverStore, models.TypeAddress, newer)

	session := runSession(t, p, sync.Settings{Direction: sync.DirectionPullDownThenPushUp})
	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}

	if got := p.clientStore.ReadBySyncID(models.TypeAddress, shared).(*models.Address); got.City != "newer" {
		t.Fatalf("client should hold the newer version, got %q", got.City)
	}
	if got := p.serverStore.ReadBySyncID(models.TypeAddress, shared).(*models.Address); got.City != "newer" {
		t.Fatalf("server must not be overwritten by the stale version, got %q", got.City)
	}
}

func TestSession_WatermarksAdvance(t *testing.T) {
	p := newPair(t)
	seed(t, p.clientStore, models.TypeAddress, makeAddress("w", baseTime, baseTime))

	before := time.Now().UTC()
	session := runSession(t, p, sync.Settings{Direction: sync.DirectionPushUp})
	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}

	if session.ClientWatermark().Before(before) || session.ServerWatermark().Before(before) {
		t.Fatal("watermarks should advance to the session start times")
	}
}

func TestSession_SecondRunIsEmpty(t *testing.T) {
	p := newPair(t)
	seed(t, p.clientStore, models.TypeAddress, makeAddress("once", baseTime, baseTime))

	first := runSession(t, p, sync.Settings{Direction: sync.DirectionPushUp})
	if !first.Successful() {
		t.Fatalf("first session failed: %v", first.Issues())
	}

	second := runSession(t, p, sync.Settings{
		Direction:          sync.DirectionPushUp,
		LastSyncedOnClient: first.ClientWatermark(),
		LastSyncedOnServer: first.ServerWatermark(),
	})
	if !second.Successful() {
		t.Fatalf("second session failed: %v", second.Issues())
	}
	if second.ServerStats().Changes != 0 {
		t.Fatalf("second run should carry nothing, server saw %d", second.ServerStats().Changes)
	}
}

func TestSession_CorrectionsRepairMissingDependency(t *testing.T) {
	p := newPair(t)

	// The server holds an account whose address is older than the change
	// window, so the pull carries the account alone.
	addr := makeAddress("ancient", baseTime.Add(-48*time.Hour), baseTime.Add(-48*time.Hour))
	seed(t, p.serverStore, models.TypeAddress, addr)
	serverDB, _ := p.serverStore.GetDatabase()
	addrRow, _ := serverDB.Repository(models.TypeAddress).ReadBySyncID(addr.SyncID)
	serverDB.Close()

	acct := makeAccount("late joiner", addr.SyncID, baseTime, baseTime)
	acct.AddressID = addrRow.SyncMeta().ID
	seed(t, p.serverStore, models.TypeAccount, acct)

	session := runSession(t, p, sync.Settings{
		Direction:          sync.DirectionPullDown,
		LastSyncedOnClient: baseTime.Add(-time.Hour),
		LastSyncedOnServer: baseTime.Add(-time.Hour),
	})

	// The correction pass ships the missing address, retiring the issue.
	if !session.Successful() {
		t.Fatalf("corrections should retire the issue, got %v", session.Issues())
	}
	if p.clientStore.ReadBySyncID(models.TypeAddress, addr.SyncID) == nil {
		t.Fatal("missing dependency was not corrected onto the client")
	}
}

// observedClient delegates to a real client while recording the order of
// calls and the session's reported progress at each apply.
type observedClient struct {
	inner   sync.Client
	session *sync.Session

	mu       stdsync.Mutex
	calls    []string
	percents []float64
}

func (c *observedClient) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if call == "ApplyChanges" && c.session != nil {
		c.percents = append(c.percents, c.session.Percent())
	}
}

func (c *observedClient) callIndex(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, got := range c.calls {
		if got == call {
			return i
		}
	}
	return -1
}

func (c *observedClient) Name() string { return c.inner.Name() }

func (c *observedClient) BeginSync(sessionID uuid.UUID, settings sync.Settings) (*sync.SessionInfo, error) {
	c.record("BeginSync")
	return c.inner.BeginSync(sessionID, settings)
}

func (c *observedClient) GetChanges(sessionID uuid.UUID, req sync.Request) (*sync.Page, error) {
	c.record("GetChanges")
	return c.inner.GetChanges(sessionID, req)
}

func (c *observedClient) ApplyChanges(sessionID uuid.UUID, changes []sync.Object) ([]sync.Issue, error) {
	c.record("ApplyChanges")
	return c.inner.ApplyChanges(sessionID, changes)
}

func (c *observedClient) GetCorrections(sessionID uuid.UUID, issues []sync.Issue) (*sync.Page, error) {
	c.record("GetCorrections")
	return c.inner.GetCorrections(sessionID, issues)
}

func (c *observedClient) ApplyCorrections(sessionID uuid.UUID, corrections []sync.Object) ([]sync.Issue, error) {
	c.record("ApplyCorrections")
	return c.inner.ApplyCorrections(sessionID, corrections)
}

func (c *observedClient) EndSync(sessionID uuid.UUID) (*sync.Statistics, error) {
	c.record("EndSync")
	return c.inner.EndSync(sessionID)
}

func TestSession_ProgressAdvancesAcrossPages(t *testing.T) {
	p := newPair(t)
	for i := 0; i < 5; i++ {
		stamp := baseTime.Add(time.Duration(i) * time.Second)
		seed(t, p.serverStore, models.TypeAddress, makeAddress(fmt.Sprintf("page %d", i), baseTime, stamp))
	}

	observed := &observedClient{inner: p.client}
	session := sync.NewSession(observed, p.server, sync.Settings{
		Direction:       sync.DirectionPullDown,
		ItemsPerRequest: 2,
	})
	observed.session = session
	session.Run()

	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}

	// Five rows in pages of two: progress sampled at each apply must climb
	// from a partial value to 100.
	if len(observed.percents) != 3 {
		t.Fatalf("apply count = %d, want 3 pages", len(observed.percents))
	}
	for i := 1; i < len(observed.percents); i++ {
		if observed.percents[i] <= observed.percents[i-1] {
			t.Fatalf("progress did not advance: %v", observed.percents)
		}
	}
	if observed.percents[0] >= 100 {
		t.Fatalf("first page should report partial progress, got %v", observed.percents[0])
	}
	if last := observed.percents[len(observed.percents)-1]; last != 100 {
		t.Fatalf("final page should report 100, got %v", last)
	}
	if session.Percent() != 100 {
		t.Fatalf("finished session reports %v", session.Percent())
	}
}

func TestSession_CorrectionsRunBeforePush(t *testing.T) {
	p := newPair(t)

	// The server holds an account whose address predates the change window,
	// so the pull leaves an unresolved dependency behind.
	addr := makeAddress("ancient", baseTime.Add(-48*time.Hour), baseTime.Add(-48*time.Hour))
	seed(t, p.serverStore, models.TypeAddress, addr)
	serverDB, _ := p.serverStore.GetDatabase()
	addrRow, _ := serverDB.Repository(models.TypeAddress).ReadBySyncID(addr.SyncID)
	serverDB.Close()
	acct := makeAccount("late joiner", addr.SyncID, baseTime, baseTime)
	acct.AddressID = addrRow.SyncMeta().ID
	seed(t, p.serverStore, models.TypeAccount, acct)

	// The client has its own change so the push phase has work to do.
	seed(t, p.clientStore, models.TypeAddress, makeAddress("outbound", baseTime, baseTime))

	observed := &observedClient{inner: p.server}
	session := sync.NewSession(p.client, observed, sync.Settings{
		Direction:          sync.DirectionPullDownThenPushUp,
		LastSyncedOnClient: baseTime.Add(-time.Hour),
		LastSyncedOnServer: baseTime.Add(-time.Hour),
	})
	session.Run()

	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}

	corrections := observed.callIndex("GetCorrections")
	apply := observed.callIndex("ApplyChanges")
	if corrections == -1 {
		t.Fatal("pull issue should trigger a corrections round")
	}
	if apply == -1 {
		t.Fatal("push phase should deliver the client change")
	}
	if corrections > apply {
		t.Fatal("pull issues should be corrected before the push begins")
	}
}

func TestSession_BeginFailureIsIssue(t *testing.T) {
	p := newPair(t)

	// Occupy the server with another session so BeginSync refuses.
	blocker := uuid.New()
	if _, err := p.server.BeginSync(blocker, sync.Settings{}); err != nil {
		t.Fatalf("begin blocker: %v", err)
	}

	session := runSession(t, p, sync.Settings{Direction: sync.DirectionPushUp})
	if session.Successful() {
		t.Fatal("session should fail when the server is busy")
	}
	if len(session.Issues()) == 0 {
		t.Fatal("failure should surface as an issue")
	}
	if !session.State().Has(sync.StateCompleted) {
		t.Fatal("session should still complete")
	}
}

func TestSession_Cancel(t *testing.T) {
	p := newPair(t)
	seed(t, p.clientStore, models.TypeAddress, makeAddress("never", baseTime, baseTime))

	session := sync.NewSession(p.client, p.server, sync.Settings{Direction: sync.DirectionPushUp})
	session.Cancel()
	session.Run()

	if session.Successful() {
		t.Fatal("cancelled session must not report success")
	}
	if !session.State().Has(sync.StateCancelled) {
		t.Fatal("cancelled bit should be set")
	}
	if p.serverStore.Count(models.TypeAddress) != 0 {
		t.Fatal("cancelled session should not have transferred data")
	}
}
