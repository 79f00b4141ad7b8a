package sync_test

import (
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

// slowClient counts concurrent sessions and holds each one open briefly.
type slowClient struct {
	name       string
	delay      time.Duration
	inFlight   atomic.Int32
	maxSeen    atomic.Int32
	beginCount atomic.Int32
}

func (c *slowClient) Name() string { return c.name }

func (c *slowClient) BeginSync(sessionID uuid.UUID, settings sync.Settings) (*sync.SessionInfo, error) {
	c.beginCount.Add(1)
	n := c.inFlight.Add(1)
	for {
		max := c.maxSeen.Load()
		if n <= max || c.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	return &sync.SessionInfo{ID: sessionID, StartedOn: time.Now().UTC()}, nil
}

func (c *slowClient) GetChanges(sessionID uuid.UUID, req sync.Request) (*sync.Page, error) {
	time.Sleep(c.delay)
	return &sync.Page{}, nil
}

func (c *slowClient) ApplyChanges(sessionID uuid.UUID, changes []sync.Object) ([]sync.Issue, error) {
	return nil, nil
}

func (c *slowClient) GetCorrections(sessionID uuid.UUID, issues []sync.Issue) (*sync.Page, error) {
	return &sync.Page{}, nil
}

func (c *slowClient) ApplyCorrections(sessionID uuid.UUID, corrections []sync.Object) ([]sync.Issue, error) {
	return nil, nil
}

func (c *slowClient) EndSync(sessionID uuid.UUID) (*sync.Statistics, error) {
	c.inFlight.Add(-1)
	return &sync.Statistics{}, nil
}

func newTestManager(delay time.Duration, onDone sync.CompletionHandler) (*sync.Manager, *slowClient) {
	client := &slowClient{name: "slow", delay: delay}
	server := &slowClient{name: "server"}
	m := sync.NewManager(client, server, onDone)
	m.Register(sync.SyncType{Name: "full", Enabled: true, Settings: sync.Settings{Direction: sync.DirectionPushUp}})
	return m, client
}

func TestManager_SingleFlight(t *testing.T) {
	m, client := newTestManager(50*time.Millisecond, nil)

	var wg stdsync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := m.ProcessAsync("full", 0)
			if err != nil {
				t.Errorf("process async: %v", err)
				return
			}
			<-session.Done()
		}()
	}
	wg.Wait()

	if max := client.maxSeen.Load(); max > 1 {
		t.Fatalf("overlapping sessions observed: %d", max)
	}
	if n := client.beginCount.Load(); n < 1 {
		t.Fatalf("no session ran at all")
	}
}

func TestManager_RefusalReturnsNoopSession(t *testing.T) {
	m, client := newTestManager(100*time.Millisecond, nil)

	first, err := m.ProcessAsync("full", 0)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := m.ProcessAsync("full", 0)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	<-second.Done()
	if !second.Successful() {
		t.Fatal("refused request should yield a completed no-op session")
	}
	if second.ID == first.ID {
		t.Fatal("no-op session should be distinct")
	}
	<-first.Done()

	if n := client.beginCount.Load(); n != 1 {
		t.Fatalf("only the first request should have run, ran %d", n)
	}
}

func TestManager_WaitClaimsSlot(t *testing.T) {
	m, client := newTestManager(30*time.Millisecond, nil)

	first, err := m.ProcessAsync("full", 0)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := m.ProcessAsync("full", 2*time.Second)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	<-first.Done()
	<-second.Done()

	if n := client.beginCount.Load(); n != 2 {
		t.Fatalf("waiting request should have run, ran %d", n)
	}
}

func TestManager_DisabledIsNoop(t *testing.T) {
	m, client := newTestManager(0, nil)
	m.Register(sync.SyncType{Name: "delta", Enabled: false})

	session, err := m.ProcessAsync("delta", 0)
	if err != nil {
		t.Fatalf("process async: %v", err)
	}
	<-session.Done()
	if !session.Successful() {
		t.Fatal("disabled sync should yield a successful no-op session")
	}
	if client.beginCount.Load() != 0 {
		t.Fatal("disabled sync must not touch the clients")
	}
}

func TestManager_UnknownTypeIsError(t *testing.T) {
	m, _ := newTestManager(0, nil)
	if _, err := m.ProcessAsync("nope", 0); err == nil {
		t.Fatal("unknown sync type must fail hard")
	}
}

func TestManager_CompletionHandler(t *testing.T) {
	done := make(chan string, 1)
	m, _ := newTestManager(0, func(syncType string, session *sync.Session) {
		done <- syncType
	})

	session, err := m.Process("full", 0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !session.Successful() {
		t.Fatalf("session failed: %v", session.Issues())
	}
	select {
	case name := <-done:
		if name != "full" {
			t.Fatalf("handler saw %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("completion handler never ran")
	}
}
