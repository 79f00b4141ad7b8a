package sync

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SyncType configures one named kind of sync run the manager knows how to
// start, for example a full sync versus a lightweight delta.
type SyncType struct {
	Name     string
	Enabled  bool
	Settings Settings

	// Interval, when positive, schedules the sync to recur.
	Interval time.Duration
}

// CompletionHandler observes every finished session.
type CompletionHandler func(syncType string, session *Session)

const (
	runIdle int32 = iota
	runBusy
)

// waitTick is how often a waiting ProcessAsync rechecks the run state.
const waitTick = 10 * time.Millisecond

// Manager serializes sync sessions between one client and one server. Only
// one session runs at a time; overlapping requests either wait or get a
// completed no-op session back.
type Manager struct {
	client Client
	server Client

	running   int32
	onDone    CompletionHandler
	mu        sync.Mutex
	syncTypes map[string]*SyncType
	timers    map[string]*time.Ticker
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewManager builds a manager over the two sides of a sync pair.
func NewManager(client, server Client, onDone CompletionHandler) *Manager {
	return &Manager{
		client:    client,
		server:    server,
		onDone:    onDone,
		syncTypes: make(map[string]*SyncType),
		timers:    make(map[string]*time.Ticker),
		stop:      make(chan struct{}),
	}
}

// Register adds a named sync type. Registering twice replaces the previous
// configuration.
func (m *Manager) Register(st SyncType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncTypes[st.Name] = &st
}

// UpdateSettings swaps the stored settings for a sync type.
func (m *Manager) UpdateSettings(name string, settings Settings) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncTypes[name]
	if ok {
		st.Settings = settings
	}
	return ok
}

// IsRunning reports whether a session is in flight.
func (m *Manager) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == runBusy
}

// tryStart attempts to claim the single run slot.
func (m *Manager) tryStart() bool {
	return atomic.CompareAndSwapInt32(&m.running, runIdle, runBusy)
}

func (m *Manager) release() {
	atomic.StoreInt32(&m.running, runIdle)
}

// noopSession returns an already completed, successful, empty session so
// callers always get a session value to inspect.
func (m *Manager) noopSession() *Session {
	s := NewSession(m.client, m.server, Settings{})
	s.transition(StateStarting)
	s.transition(StateStarted)
	s.transition(StateCompleting)
	s.transition(StateSuccessful)
	s.transition(StateCompleted)
	now := time.Now().UTC()
	s.startedOn, s.stoppedOn = now, now
	close(s.done)
	return s
}

// Process runs the named sync synchronously.
func (m *Manager) Process(name string, wait time.Duration) (*Session, error) {
	session, err := m.ProcessAsync(name, wait)
	if err != nil {
		return nil, err
	}
	<-session.Done()
	return session, nil
}

// ProcessAsync starts the named sync in the background. When another session
// is running it waits up to wait for the slot, then gives up with a no-op
// session. Unknown sync types are configuration errors and fail hard.
func (m *Manager) ProcessAsync(name string, wait time.Duration) (*Session, error) {
	m.mu.Lock()
	st, ok := m.syncTypes[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown sync type %q", name)
	}
	if !st.Enabled {
		slog.Debug("sync type disabled, skipping", "type", name)
		return m.noopSession(), nil
	}

	if !m.tryStart() {
		deadline := time.Now().Add(wait)
		claimed := false
		for time.Now().Before(deadline) {
			time.Sleep(waitTick)
			if m.tryStart() {
				claimed = true
				break
			}
		}
		if !claimed {
			slog.Debug("sync already running, refusing", "type", name)
			return m.noopSession(), nil
		}
	}

	m.mu.Lock()
	settings := st.Settings
	m.mu.Unlock()

	session := NewSession(m.client, m.server, settings)
	slog.Debug("starting sync", "type", name, "session", session.ID)

	go func() {
		defer m.release()
		session.Run()
		slog.Debug("sync finished", "type", name, "session", session.ID,
			"successful", session.Successful(), "issues", len(session.Issues()))
		if m.onDone != nil {
			m.onDone(name, session)
		}
	}()

	return session, nil
}

// StartTimers begins interval scheduling for every registered sync type with
// a positive interval. Overlapping fires are absorbed by the run slot.
func (m *Manager) StartTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, st := range m.syncTypes {
		if st.Interval <= 0 {
			continue
		}
		if _, exists := m.timers[name]; exists {
			continue
		}
		ticker := time.NewTicker(st.Interval)
		m.timers[name] = ticker
		go func(name string, ticker *time.Ticker) {
			for {
				select {
				case <-m.stop:
					return
				case <-ticker.C:
					if _, err := m.ProcessAsync(name, 0); err != nil {
						slog.Error("scheduled sync failed to start", "type", name, "err", err)
					}
				}
			}
		}(name, ticker)
	}
}

// Stop halts interval scheduling. In-flight sessions run to completion.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ticker := range m.timers {
		ticker.Stop()
		delete(m.timers, name)
	}
}
