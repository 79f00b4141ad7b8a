package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// excludeKey identifies one applied object version. Objects a side just
// applied are excluded from its next enumeration so a bidirectional session
// does not echo changes back to their origin.
type excludeKey struct {
	syncID     uuid.UUID
	modifiedOn int64
}

func excludeKeyFor(o Object) excludeKey {
	return excludeKey{syncID: o.SyncID, modifiedOn: o.ModifiedOn.UnixNano()}
}

// Session drives one full sync between two clients. A session is single use.
type Session struct {
	ID       uuid.UUID
	settings Settings
	client   Client
	server   Client

	state     SessionState
	startedOn time.Time
	stoppedOn time.Time
	issues    []Issue

	clientStats Statistics
	serverStats Statistics

	clientSince time.Time
	serverSince time.Time

	cancelled atomic.Bool
	percent   atomic.Uint64
	done      chan struct{}
}

// NewSession pairs a client with a server under the given settings.
func NewSession(client, server Client, settings Settings) *Session {
	return &Session{
		ID:       uuid.New(),
		settings: settings.normalized(),
		client:   client,
		server:   server,
		state:    StateInitializing,
		done:     make(chan struct{}),
	}
}

// State returns the accumulated state bits.
func (s *Session) State() SessionState { return s.state }

// StartedOn returns when the session began running.
func (s *Session) StartedOn() time.Time { return s.startedOn }

// StoppedOn returns when the session finished.
func (s *Session) StoppedOn() time.Time { return s.stoppedOn }

// Issues returns the conflicts left unresolved after corrections.
func (s *Session) Issues() []Issue { return s.issues }

// ClientStats returns the client side counters reported by EndSync.
func (s *Session) ClientStats() Statistics { return s.clientStats }

// ServerStats returns the server side counters reported by EndSync.
func (s *Session) ServerStats() Statistics { return s.serverStats }

// ClientWatermark returns the client's session start time, the high-water
// mark for the next LastSyncedOnClient.
func (s *Session) ClientWatermark() time.Time { return s.clientSince }

// ServerWatermark returns the server's session start time.
func (s *Session) ServerWatermark() time.Time { return s.serverSince }

// Successful reports whether the session completed with no issues and no
// cancellation.
func (s *Session) Successful() bool {
	return s.state.Has(StateCompleted) && s.state.Has(StateSuccessful)
}

// Percent reports progress through the current transfer phase in [0, 100].
// Safe to poll while the session runs; 100 once the session finishes.
func (s *Session) Percent() float64 {
	return math.Float64frombits(s.percent.Load())
}

func (s *Session) setPercent(processed, total int) {
	p := float64(100)
	if total > 0 && processed < total {
		p = float64(processed) / float64(total) * 100
	}
	s.percent.Store(math.Float64bits(p))
	slog.Debug("sync progress", "session", s.ID, "percent", p)
}

// Cancel requests the session stop between pages. Already issued requests
// still finish.
func (s *Session) Cancel() { s.cancelled.Store(true) }

// Done closes when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) transition(state SessionState) {
	s.state |= state
	slog.Debug("session state", "session", s.ID, "state", state.String())
}

// addIssue records a session-level failure.
func (s *Session) addIssue(err error, source string) {
	issue := Issue{Type: IssueClient, Message: fmt.Sprintf("%s: %v", source, err)}
	switch {
	case errors.Is(err, ErrUnauthorized):
		issue.Type = IssueUnauthorized
	case errors.Is(err, ErrServiceUnavailable):
		issue.Type = IssueServiceUnavailable
	}
	s.issues = append(s.issues, issue)
}

// Run executes the full session lifecycle. It always returns a finished
// session; failures surface as issues, not errors.
func (s *Session) Run() {
	defer close(s.done)
	defer func() {
		s.percent.Store(math.Float64bits(100))
		s.stoppedOn = time.Now().UTC()
		s.transition(StateCompleting)
		if !s.cancelled.Load() && len(s.issues) == 0 {
			s.transition(StateSuccessful)
		}
		if s.cancelled.Load() {
			s.transition(StateCancelled)
		}
		s.transition(StateCompleted)
	}()

	s.startedOn = time.Now().UTC()
	s.transition(StateStarting)

	serverInfo, err := s.server.BeginSync(s.ID, s.settings)
	if err != nil {
		s.addIssue(err, "begin sync on server")
		return
	}
	clientInfo, err := s.client.BeginSync(s.ID, s.settings)
	if err != nil {
		s.addIssue(err, "begin sync on client")
		s.endSide(s.server, &s.serverStats, "server")
		return
	}
	s.serverSince = serverInfo.StartedOn
	s.clientSince = clientInfo.StartedOn
	s.transition(StateStarted)

	// Shared across both directions so a change applied during pull is not
	// pushed straight back.
	exclude := make(map[excludeKey]struct{})

	// Corrections run at the end of each phase so a pull that left
	// unresolved dependencies is repaired before the push begins.
	pull := func() {
		s.transition(StatePulling)
		s.percent.Store(0)
		s.process(s.server, s.client, s.settings.LastSyncedOnServer, s.serverSince, exclude)
		if !s.cancelled.Load() {
			s.runCorrections()
		}
	}
	push := func() {
		s.transition(StatePushing)
		s.percent.Store(0)
		s.process(s.client, s.server, s.settings.LastSyncedOnClient, s.clientSince, exclude)
		if !s.cancelled.Load() {
			s.runCorrections()
		}
	}

	if s.settings.Direction.PullFirst() {
		if s.settings.Direction.Pulls() {
			pull()
		}
		if s.settings.Direction.Pushes() && !s.cancelled.Load() {
			push()
		}
	} else {
		if s.settings.Direction.Pushes() {
			push()
		}
		if s.settings.Direction.Pulls() && !s.cancelled.Load() {
			pull()
		}
	}

	s.endSide(s.client, &s.clientStats, "client")
	s.endSide(s.server, &s.serverStats, "server")
}

// process streams changes from source to destination one page at a time.
func (s *Session) process(source, destination Client, since, until time.Time, exclude map[excludeKey]struct{}) {
	req := Request{Since: since, Until: until, Take: s.settings.ItemsPerRequest}

	for {
		if s.cancelled.Load() {
			return
		}
		page, err := source.GetChanges(s.ID, req)
		if err != nil {
			s.addIssue(err, "get changes from "+source.Name())
			return
		}
		if len(page.Collection) == 0 {
			s.setPercent(page.TotalCount, page.TotalCount)
			return
		}
		req.Skip += len(page.Collection)
		s.setPercent(page.Skipped+len(page.Collection), page.TotalCount)

		outgoing := page.Collection[:0:0]
		for _, o := range page.Collection {
			if _, ok := exclude[excludeKeyFor(o)]; ok {
				continue
			}
			outgoing = append(outgoing, o)
		}

		if len(outgoing) > 0 {
			issues, err := destination.ApplyChanges(s.ID, outgoing)
			if err != nil {
				s.addIssue(err, "apply changes to "+destination.Name())
				return
			}

			issued := make(map[uuid.UUID]struct{}, len(issues))
			for _, issue := range issues {
				issued[issue.ID] = struct{}{}
			}
			for _, o := range outgoing {
				if _, ok := issued[o.SyncID]; !ok {
					exclude[excludeKeyFor(o)] = struct{}{}
				}
			}
			s.issues = append(s.issues, issues...)
		}

		if !page.HasMore() {
			return
		}
	}
}

// runCorrections asks each side to re-send entities the other reported as
// unresolved dependencies, then applies those corrections. An issue is
// retired only when a correction covered it.
func (s *Session) runCorrections() {
	if len(s.issues) == 0 {
		return
	}

	s.correct(s.client, s.server)
	if !s.cancelled.Load() {
		s.correct(s.server, s.client)
	}
}

func (s *Session) correct(source, destination Client) {
	if len(s.issues) == 0 {
		return
	}

	page, err := source.GetCorrections(s.ID, s.issues)
	if err != nil {
		s.addIssue(err, "get corrections from "+source.Name())
		return
	}
	if page == nil || len(page.Collection) == 0 {
		return
	}

	covered := make(map[uuid.UUID]struct{}, len(page.Collection))
	for _, o := range page.Collection {
		covered[o.SyncID] = struct{}{}
	}

	applyIssues, err := destination.ApplyCorrections(s.ID, page.Collection)
	if err != nil {
		s.addIssue(err, "apply corrections to "+destination.Name())
		return
	}

	remaining := s.issues[:0]
	for _, issue := range s.issues {
		if _, ok := covered[issue.ID]; ok {
			continue
		}
		remaining = append(remaining, issue)
	}
	s.issues = append(remaining, applyIssues...)
}

func (s *Session) endSide(c Client, into *Statistics, side string) {
	stats, err := c.EndSync(s.ID)
	if err != nil {
		s.addIssue(err, "end sync on "+side)
		return
	}
	if stats != nil {
		*into = *stats
	}
}
