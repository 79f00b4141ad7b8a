// Package sync implements a bidirectional, incremental sync engine between
// two data stores. One side is the "client", the other the "server"; each is
// represented by a Client. A Session orchestrates a full pull/push exchange
// and a Manager guarantees at most one session runs at a time.
package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for programmer/configuration faults. These abort the
// current operation instead of being converted into issues.
var (
	ErrSessionActive   = errors.New("sync session already in progress")
	ErrSessionMismatch = errors.New("session id does not match the active session")
	ErrNoSession       = errors.New("no active sync session")
	ErrNoRepository    = errors.New("no repository registered for entity type")
	ErrUnknownType     = errors.New("unknown entity type")
)

// Transport-level sentinel errors. Wire clients wrap these so the session can
// classify failures without importing the transport package.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Status labels the kind of change an Object carries.
type Status string

const (
	StatusAdded    Status = "added"
	StatusModified Status = "modified"
	StatusDeleted  Status = "deleted"
)

// Object is the serialized wire envelope for one entity change.
// The zero value is the "empty" sentinel used instead of nil when a converter
// cannot handle an entry; callers filter empties out of collections.
type Object struct {
	Data       string    `json:"data"`
	TypeName   string    `json:"type_name"`
	SyncID     uuid.UUID `json:"sync_id"`
	ModifiedOn time.Time `json:"modified_on"`
	Status     Status    `json:"status"`
}

// IsEmpty reports whether o is the empty sentinel.
func (o Object) IsEmpty() bool {
	return o.TypeName == "" && o.SyncID == uuid.Nil
}

// IssueType classifies why an entity could not be applied.
type IssueType string

const (
	IssueUnknown                IssueType = "unknown"
	IssueConstraint             IssueType = "constraint"
	IssueRelationshipConstraint IssueType = "relationship_constraint"
	IssueRepositoryFiltered     IssueType = "repository_filtered"
	IssueEntityFiltered         IssueType = "entity_filtered"
	IssueUpdate                 IssueType = "update"
	IssueValidation             IssueType = "validation"
	IssueUnauthorized           IssueType = "unauthorized"
	IssueServiceUnavailable     IssueType = "service_unavailable"
	IssueClient                 IssueType = "client"
)

// Issue describes a single entity that could not be applied. Issues are not
// persisted; they are returned to the caller for a correction retry.
type Issue struct {
	ID       uuid.UUID `json:"id"`
	Type     IssueType `json:"issue_type"`
	TypeName string    `json:"type_name"`
	Message  string    `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s/%s: %s", i.Type, i.TypeName, i.ID, i.Message)
}

// ValidationError marks a data validation failure so individual processing
// can map it to IssueValidation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Request is the paging envelope driving incremental change enumeration over
// the half-open window [Since, Until).
type Request struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Skip  int       `json:"skip"`
	Take  int       `json:"take"`
}

// Page is one page of enumerated changes.
type Page struct {
	Collection []Object `json:"collection"`
	TotalCount int      `json:"total_count"`
	Skipped    int      `json:"skipped"`
}

// HasMore reports whether another page remains after this one.
func (p *Page) HasMore() bool {
	return p.Skipped+len(p.Collection) < p.TotalCount
}

// Direction selects which sides of the exchange run.
type Direction string

const (
	DirectionPullDown           Direction = "pull-down"
	DirectionPushUp             Direction = "push-up"
	DirectionPullDownThenPushUp Direction = "pull-down-then-push-up"
	DirectionPushUpThenPullDown Direction = "push-up-then-pull-down"
)

// Pulls reports whether the direction includes a server-to-client pull.
func (d Direction) Pulls() bool {
	return d == DirectionPullDown || d == DirectionPullDownThenPushUp || d == DirectionPushUpThenPullDown
}

// Pushes reports whether the direction includes a client-to-server push.
func (d Direction) Pushes() bool {
	return d == DirectionPushUp || d == DirectionPullDownThenPushUp || d == DirectionPushUpThenPullDown
}

// PullFirst reports whether the pull phase runs before the push phase.
func (d Direction) PullFirst() bool {
	return d != DirectionPushUpThenPullDown
}

// Settings configures one sync session. Server-side clients never trust
// client-originated settings as-is; see DataClient.BeginSync.
type Settings struct {
	ItemsPerRequest    int               `json:"items_per_request"`
	PermanentDeletions bool              `json:"permanent_deletions"`
	Direction          Direction         `json:"direction"`
	LastSyncedOnClient time.Time         `json:"last_synced_on_client"`
	LastSyncedOnServer time.Time         `json:"last_synced_on_server"`
	Values             map[string]string `json:"values,omitempty"`

	// Filters limits the session to the named types when non-empty and
	// carries the per-type predicates. Predicates are local behavior and do
	// not cross the wire.
	Filters []*RepositoryFilter `json:"-"`
}

const (
	// DefaultItemsPerRequest is used when a request or settings leave the
	// page size unset.
	DefaultItemsPerRequest = 300
	// MaxItemsPerRequest is the upper bound a server clamps incoming
	// settings to.
	MaxItemsPerRequest = 600
)

// ShouldSync reports whether the given type participates in this session.
// An empty filter list means every registered type participates.
func (s *Settings) ShouldSync(typeName string) bool {
	if len(s.Filters) == 0 {
		return true
	}
	return s.FilterFor(typeName) != nil
}

// FilterFor returns the filter declared for typeName, or nil.
func (s *Settings) FilterFor(typeName string) *RepositoryFilter {
	for _, f := range s.Filters {
		if f != nil && f.TypeName == typeName {
			return f
		}
	}
	return nil
}

// normalized returns a copy with defaults filled in.
func (s Settings) normalized() Settings {
	if s.ItemsPerRequest <= 0 {
		s.ItemsPerRequest = DefaultItemsPerRequest
	}
	if s.Direction == "" {
		s.Direction = DirectionPullDownThenPushUp
	}
	return s
}

// SessionInfo is returned by Client.BeginSync; StartedOn becomes the next
// run's watermark on success.
type SessionInfo struct {
	ID        uuid.UUID `json:"id"`
	StartedOn time.Time `json:"started_on"`
}

// Statistics counts the work one client performed during a session.
type Statistics struct {
	Changes                int `json:"changes"`
	Corrections            int `json:"corrections"`
	AppliedChanges         int `json:"applied_changes"`
	AppliedCorrections     int `json:"applied_corrections"`
	IndividualProcessCount int `json:"individual_process_count"`
}

// IsEmpty reports whether no work was counted.
func (s Statistics) IsEmpty() bool {
	return s == Statistics{}
}

// SessionState is a monotonic bit set tracking session progress.
type SessionState uint16

const (
	StateInitializing SessionState = 1 << iota
	StateStarting
	StateStarted
	StatePulling
	StatePushing
	StateCompleting
	StateCompleted
	StateSuccessful
	StateCancelled
)

// Has reports whether every bit in flag is set.
func (s SessionState) Has(flag SessionState) bool {
	return s&flag == flag
}

func (s SessionState) String() string {
	names := []struct {
		flag SessionState
		name string
	}{
		{StateInitializing, "initializing"},
		{StateStarting, "starting"},
		{StateStarted, "started"},
		{StatePulling, "pulling"},
		{StatePushing, "pushing"},
		{StateCompleting, "completing"},
		{StateCompleted, "completed"},
		{StateSuccessful, "successful"},
		{StateCancelled, "cancelled"},
	}
	out := ""
	for _, n := range names {
		if s.Has(n.flag) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}
