package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is one side's view of a sync session. DataClient implements it over
// a local store; syncclient.WebClient implements it over HTTP.
type Client interface {
	Name() string
	BeginSync(sessionID uuid.UUID, settings Settings) (*SessionInfo, error)
	GetChanges(sessionID uuid.UUID, req Request) (*Page, error)
	ApplyChanges(sessionID uuid.UUID, changes []Object) ([]Issue, error)
	GetCorrections(sessionID uuid.UUID, issues []Issue) (*Page, error)
	ApplyCorrections(sessionID uuid.UUID, corrections []Object) ([]Issue, error)
	EndSync(sessionID uuid.UUID) (*Statistics, error)
}

// Options configures a DataClient.
type Options struct {
	Name string

	// IsServer makes BeginSync distrust incoming settings: the page size is
	// clamped and permanent deletions are refused.
	IsServer bool

	// EnableKeyCache turns on primary key cache consultation. The cache is
	// never consulted server-side or during individual fallback processing.
	EnableKeyCache bool

	// IncludeIssueDetails attaches error detail to issue messages.
	IncludeIssueDetails bool

	// SyncOrder lists type names in dependency order (parents first). Groups
	// of applied changes are processed in this order; deletions under
	// permanent-delete mode run in reverse. Types not listed sort after
	// listed ones, alphabetically.
	SyncOrder []string
}

// DataClient is the protocol engine: it enumerates outgoing changes from and
// applies incoming changes to a local store. Safe for one session at a time;
// concurrent sessions are refused.
type DataClient struct {
	opts     Options
	registry *Registry
	provider DatabaseProvider

	incoming *ClientConverter
	outgoing *ClientConverter
	keyCache KeyCache

	mu        sync.Mutex
	active    bool
	sessionID uuid.UUID
	settings  Settings
	stats     Statistics

	// change count cache for one enumeration window
	countSince time.Time
	countUntil time.Time
	countTotal int
	countValid bool
}

// NewDataClient builds a client over the given registry and store provider.
func NewDataClient(opts Options, registry *Registry, provider DatabaseProvider) *DataClient {
	if opts.Name == "" {
		opts.Name = "data client"
	}
	return &DataClient{opts: opts, registry: registry, provider: provider}
}

// SetConverters installs the incoming and outgoing converter pipelines.
// Either may be nil for pass-through.
func (c *DataClient) SetConverters(incoming, outgoing *ClientConverter) {
	c.incoming = incoming
	c.outgoing = outgoing
}

// SetKeyCache installs the optional primary key cache.
func (c *DataClient) SetKeyCache(cache KeyCache) {
	c.keyCache = cache
}

// Name implements Client.
func (c *DataClient) Name() string { return c.opts.Name }

// Statistics returns a snapshot of the session counters.
func (c *DataClient) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// BeginSync starts a session. Server-side clients re-derive trusted settings
// from the untrusted input before accepting them.
func (c *DataClient) BeginSync(sessionID uuid.UUID, settings Settings) (*SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return nil, fmt.Errorf("%w on %s", ErrSessionActive, c.opts.Name)
	}

	settings = settings.normalized()
	if c.opts.IsServer {
		if settings.ItemsPerRequest > MaxItemsPerRequest {
			settings.ItemsPerRequest = MaxItemsPerRequest
		}
		settings.PermanentDeletions = false
	}

	c.active = true
	c.sessionID = sessionID
	c.settings = settings
	c.stats = Statistics{}
	c.countValid = false

	slog.Debug("begin sync", "client", c.opts.Name, "session", sessionID, "direction", settings.Direction)
	return &SessionInfo{ID: sessionID, StartedOn: time.Now().UTC()}, nil
}

// EndSync closes the session and returns the accumulated statistics.
func (c *DataClient) EndSync(sessionID uuid.UUID) (*Statistics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.validateSessionLocked(sessionID); err != nil {
		return nil, err
	}
	c.active = false
	stats := c.stats
	slog.Debug("end sync", "client", c.opts.Name, "session", sessionID,
		"changes", stats.Changes, "applied", stats.AppliedChanges)
	return &stats, nil
}

func (c *DataClient) validateSessionLocked(sessionID uuid.UUID) error {
	if !c.active {
		return fmt.Errorf("%w on %s", ErrNoSession, c.opts.Name)
	}
	if c.sessionID != sessionID {
		return fmt.Errorf("%w: %s", ErrSessionMismatch, sessionID)
	}
	return nil
}

func (c *DataClient) validateSession(sessionID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validateSessionLocked(sessionID)
}

// syncableTypes returns the type names this session enumerates, in
// registration order, honoring settings filters and outgoing converter
// coverage.
func (c *DataClient) syncableTypes() []string {
	var out []string
	for _, name := range c.registry.TypeNames() {
		if !c.settings.ShouldSync(name) {
			continue
		}
		if c.outgoing != nil && !c.outgoing.CanConvert(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// GetChanges enumerates one page of changes across all syncable repositories.
// Skip is consumed repository by repository until exhausted; the total count
// is computed once per window and reused for subsequent pages.
func (c *DataClient) GetChanges(sessionID uuid.UUID, req Request) (*Page, error) {
	if err := c.validateSession(sessionID); err != nil {
		return nil, err
	}

	// Equal bounds mean "everything since the last boundary".
	if req.Since.Equal(req.Until) {
		req.Until = time.Now().UTC()
	}
	take := req.Take
	if take <= 0 || take > c.settings.ItemsPerRequest {
		take = c.settings.ItemsPerRequest
	}

	db, err := c.provider.GetDatabase()
	if err != nil {
		return nil, fmt.Errorf("get database: %w", err)
	}
	defer db.Close()

	names := c.syncableTypes()

	c.mu.Lock()
	total, totalKnown := c.countTotal, c.countValid && c.countSince.Equal(req.Since) && c.countUntil.Equal(req.Until)
	c.mu.Unlock()

	counts := make(map[string]int, len(names))
	if !totalKnown {
		total = 0
	}
	for _, name := range names {
		repo := db.Repository(name)
		if repo == nil {
			continue
		}
		n, err := repo.ChangeCount(req.Since, req.Until, c.settings.FilterFor(name))
		if err != nil {
			return nil, fmt.Errorf("change count for %s: %w", name, err)
		}
		counts[name] = n
		if !totalKnown {
			total += n
		}
	}
	c.mu.Lock()
	c.countSince, c.countUntil, c.countTotal, c.countValid = req.Since, req.Until, total, true
	c.mu.Unlock()

	page := &Page{TotalCount: total, Skipped: req.Skip}
	skip := req.Skip

	for _, name := range names {
		if len(page.Collection) >= take {
			break
		}
		n := counts[name]
		if skip >= n {
			skip -= n
			continue
		}
		repo := db.Repository(name)
		if repo == nil {
			continue
		}
		objects, err := repo.Changes(req.Since, req.Until, skip, take-len(page.Collection), c.settings.FilterFor(name))
		if err != nil {
			return nil, fmt.Errorf("changes for %s: %w", name, err)
		}
		skip = 0

		if c.outgoing != nil {
			objects, err = c.outgoing.ConvertAll(objects)
			if err != nil {
				return nil, fmt.Errorf("convert outgoing %s: %w", name, err)
			}
		}
		page.Collection = append(page.Collection, objects...)
	}

	return page, nil
}

// ApplyChanges applies a collection of incoming changes.
func (c *DataClient) ApplyChanges(sessionID uuid.UUID, changes []Object) ([]Issue, error) {
	return c.applyObjects(sessionID, changes, false)
}

// ApplyCorrections applies targeted re-sends for previously reported issues.
// Corrections bypass the staleness guard applied to ordinary modifies.
func (c *DataClient) ApplyCorrections(sessionID uuid.UUID, corrections []Object) ([]Issue, error) {
	return c.applyObjects(sessionID, corrections, true)
}

// objectGroup is one type's slice of an incoming collection.
type objectGroup struct {
	typeName string
	objects  []Object
	deletes  bool
}

func (c *DataClient) applyObjects(sessionID uuid.UUID, objects []Object, corrections bool) ([]Issue, error) {
	if err := c.validateSession(sessionID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if corrections {
		c.stats.Corrections += len(objects)
	} else {
		c.stats.Changes += len(objects)
	}
	c.mu.Unlock()

	if c.incoming != nil {
		var err error
		objects, err = c.incoming.ConvertAll(objects)
		if err != nil {
			return nil, fmt.Errorf("convert incoming: %w", err)
		}
	}
	if len(objects) == 0 {
		return nil, nil
	}

	groups := c.groupObjects(objects)

	var issues []Issue
	for _, g := range groups {
		if err := c.processGroup(g.objects, corrections, &issues); err != nil {
			return issues, err
		}
	}
	return issues, nil
}

// groupObjects splits the collection by type name and orders groups by the
// configured sync order (alphabetical when none). Under permanent deletions,
// deletes are split out and appended in reverse group order so children are
// removed before parents; under soft deletes ordering does not matter for
// referential integrity and groups stay whole.
func (c *DataClient) groupObjects(objects []Object) []objectGroup {
	byType := make(map[string][]Object)
	var names []string
	for _, o := range objects {
		if _, ok := byType[o.TypeName]; !ok {
			names = append(names, o.TypeName)
		}
		byType[o.TypeName] = append(byType[o.TypeName], o)
	}
	names = orderGroups(names, c.opts.SyncOrder)

	if !c.settings.PermanentDeletions {
		groups := make([]objectGroup, 0, len(names))
		for _, name := range names {
			groups = append(groups, objectGroup{typeName: name, objects: byType[name]})
		}
		return groups
	}

	var updates, deletes []objectGroup
	for _, name := range names {
		var up, del []Object
		for _, o := range byType[name] {
			if o.Status == StatusDeleted {
				del = append(del, o)
			} else {
				up = append(up, o)
			}
		}
		if len(up) > 0 {
			updates = append(updates, objectGroup{typeName: name, objects: up})
		}
		if len(del) > 0 {
			deletes = append(deletes, objectGroup{typeName: name, objects: del, deletes: true})
		}
	}
	for i, j := 0, len(deletes)-1; i < j; i, j = i+1, j-1 {
		deletes[i], deletes[j] = deletes[j], deletes[i]
	}
	return append(updates, deletes...)
}

// processGroup applies one group as a batch with a single save. Any failure
// abandons the batch and re-runs every object individually so one poisoned
// record cannot block its siblings.
func (c *DataClient) processGroup(objects []Object, corrections bool, issues *[]Issue) error {
	batchIssues, applied, err := c.processBatch(objects, corrections)
	if err == nil {
		*issues = append(*issues, batchIssues...)
		c.mu.Lock()
		if corrections {
			c.stats.AppliedCorrections += applied
		} else {
			c.stats.AppliedChanges += applied
		}
		c.mu.Unlock()
		return nil
	}

	if isFatal(err) {
		return err
	}

	slog.Debug("batch apply failed, switching to individual processing",
		"client", c.opts.Name, "count", len(objects), "err", err)
	c.mu.Lock()
	c.stats.IndividualProcessCount++
	c.mu.Unlock()
	return c.processIndividually(objects, corrections, issues)
}

func (c *DataClient) processBatch(objects []Object, corrections bool) ([]Issue, int, error) {
	db, err := c.provider.GetDatabase()
	if err != nil {
		return nil, 0, fmt.Errorf("get database: %w", err)
	}
	defer db.Close()

	var batchIssues []Issue
	applied := 0
	for _, o := range objects {
		entity, err := c.registry.ToEntity(o)
		if err != nil {
			return nil, 0, err
		}
		ok, objIssues, err := c.processObject(db, entity, o, corrections, false)
		if err != nil {
			return nil, 0, err
		}
		if len(objIssues) > 0 {
			batchIssues = append(batchIssues, objIssues...)
			continue
		}
		if ok {
			applied++
		}
	}
	if err := db.Save(); err != nil {
		return nil, 0, fmt.Errorf("save batch: %w", err)
	}
	return batchIssues, applied, nil
}

// processIndividually retries each object with its own database handle and
// save, converting persistent failures into issues.
func (c *DataClient) processIndividually(objects []Object, corrections bool, issues *[]Issue) error {
	for _, o := range objects {
		ok, objIssues, err := c.processOne(o, corrections)
		if err != nil {
			if isFatal(err) {
				return err
			}
			*issues = append(*issues, c.classifyError(err, o))
			continue
		}
		if len(objIssues) > 0 {
			*issues = append(*issues, objIssues...)
			continue
		}
		if ok {
			c.mu.Lock()
			if corrections {
				c.stats.AppliedCorrections++
			} else {
				c.stats.AppliedChanges++
			}
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *DataClient) processOne(o Object, corrections bool) (bool, []Issue, error) {
	db, err := c.provider.GetDatabase()
	if err != nil {
		return false, nil, fmt.Errorf("get database: %w", err)
	}
	defer db.Close()

	entity, err := c.registry.ToEntity(o)
	if err != nil {
		return false, nil, err
	}
	ok, objIssues, err := c.processObject(db, entity, o, corrections, true)
	if err != nil || len(objIssues) > 0 {
		return false, objIssues, err
	}
	if err := db.Save(); err != nil {
		return false, nil, err
	}
	return ok, nil, nil
}

// processObject is the per-entity state machine. It returns (applied, issues,
// err); issues are data-level conflicts, err is reserved for faults.
func (c *DataClient) processObject(db Database, incoming Entity, o Object, correction, individual bool) (bool, []Issue, error) {
	meta := incoming.SyncMeta()

	if !c.settings.ShouldSync(o.TypeName) {
		return false, []Issue{{
			ID:       o.SyncID,
			Type:     IssueRepositoryFiltered,
			TypeName: o.TypeName,
			Message:  "repository not enabled for this session",
		}}, nil
	}
	filter := c.settings.FilterFor(o.TypeName)
	if !filter.AllowsIncoming(incoming) {
		return false, []Issue{{
			ID:       o.SyncID,
			Type:     IssueEntityFiltered,
			TypeName: o.TypeName,
			Message:  "entity rejected by incoming filter",
		}}, nil
	}

	desc := c.registry.Lookup(o.TypeName)
	repo := db.Repository(o.TypeName)
	if desc == nil || repo == nil {
		return false, nil, fmt.Errorf("%w: %s", ErrNoRepository, o.TypeName)
	}

	existing, err := c.lookupExisting(repo, incoming, o.TypeName, filter, individual)
	if err != nil {
		return false, nil, err
	}

	// Status reconciliation: local state wins over the wire label.
	status := o.Status
	if status == StatusAdded && existing != nil {
		status = StatusModified
	}
	if status == StatusModified && existing == nil {
		status = StatusAdded
	}
	if meta.IsDeleted {
		status = StatusDeleted
	}

	switch status {
	case StatusAdded:
		assignments, relIssues := c.resolveRelationships(db, desc, incoming)
		if len(relIssues) > 0 {
			return false, relIssues, nil
		}
		fresh := desc.New()
		fresh.SyncMeta().SyncID = o.SyncID
		applyEntity(desc, fresh, incoming)
		for _, assign := range assignments {
			assign(fresh)
		}
		if err := repo.Add(fresh); err != nil {
			return false, nil, err
		}
		c.cacheKey(o.TypeName, fresh)
		return true, nil, nil

	case StatusModified:
		// Reconciliation above guarantees existing != nil here. Last writer
		// by ModifiedOn wins; corrections are explicit repairs and bypass
		// the guard.
		if !correction && !existing.SyncMeta().ModifiedOn.Before(meta.ModifiedOn) {
			return false, nil, nil
		}
		assignments, relIssues := c.resolveRelationships(db, desc, incoming)
		if len(relIssues) > 0 {
			return false, relIssues, nil
		}
		applyEntity(desc, existing, incoming)
		for _, assign := range assignments {
			assign(existing)
		}
		if err := repo.Update(existing); err != nil {
			return false, nil, err
		}
		return true, nil, nil

	case StatusDeleted:
		if existing == nil {
			if c.settings.PermanentDeletions {
				return false, nil, nil
			}
			// Synthesize a row so there is something to mark deleted.
			fresh := desc.New()
			fresh.SyncMeta().SyncID = o.SyncID
			applyEntity(desc, fresh, incoming)
			fresh.SyncMeta().IsDeleted = true
			if err := repo.Add(fresh); err != nil {
				return false, nil, err
			}
			return true, nil, nil
		}
		if c.settings.PermanentDeletions {
			if err := repo.Remove(existing); err != nil {
				return false, nil, err
			}
			if c.keyCache != nil {
				c.keyCache.RemoveKey(o.TypeName, o.SyncID)
			}
			return true, nil, nil
		}
		em := existing.SyncMeta()
		em.IsDeleted = true
		em.ModifiedOn = meta.ModifiedOn
		if err := repo.Update(existing); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}

	return false, nil, fmt.Errorf("unsupported object status %q", o.Status)
}

// lookupExisting finds the local counterpart of incoming. The key cache is
// consulted only client-side, outside individual processing, for supported
// types without a custom lookup filter; a hit is verified against the live
// row because the cache may be stale.
func (c *DataClient) lookupExisting(repo Repository, incoming Entity, typeName string, filter *RepositoryFilter, individual bool) (Entity, error) {
	meta := incoming.SyncMeta()

	if c.opts.EnableKeyCache && !c.opts.IsServer && !individual &&
		c.keyCache != nil && c.keyCache.SupportsType(typeName) && !filter.HasLookup() {
		if pk, ok := c.keyCache.PrimaryKey(typeName, meta.SyncID); ok {
			e, err := repo.ReadByPrimaryID(pk)
			if err != nil {
				return nil, err
			}
			if e != nil && e.SyncMeta().SyncID == meta.SyncID {
				return e, nil
			}
			c.keyCache.RemoveKey(typeName, meta.SyncID)
		}
	}

	if filter.HasLookup() {
		return repo.ReadMatch(incoming, filter)
	}
	return repo.ReadBySyncID(meta.SyncID)
}

// resolveRelationships maps each declared relationship with a non-empty
// target sync id to its local primary key. Unresolved references become
// RelationshipConstraint issues and the entity is not applied at all, so no
// partially wired rows are left behind.
func (c *DataClient) resolveRelationships(db Database, desc *TypeDescriptor, incoming Entity) ([]func(Entity), []Issue) {
	var assignments []func(Entity)
	var issues []Issue

	for _, rel := range desc.Relationships {
		rel := rel
		sid := rel.SyncID(incoming)
		if sid == uuid.Nil {
			continue
		}

		var pk int64
		found := false
		if c.keyCache != nil && c.keyCache.SupportsType(rel.TargetType) {
			if cached, ok := c.keyCache.PrimaryKey(rel.TargetType, sid); ok {
				pk, found = cached, true
			}
		}
		if !found {
			targetRepo := db.Repository(rel.TargetType)
			if targetRepo != nil {
				target, err := targetRepo.ReadBySyncID(sid)
				if err == nil && target != nil {
					pk, found = target.SyncMeta().ID, true
					if c.keyCache != nil {
						c.keyCache.AddKey(rel.TargetType, sid, pk)
					}
				}
			}
		}

		if !found {
			issues = append(issues, Issue{
				ID:       sid,
				Type:     IssueRelationshipConstraint,
				TypeName: rel.TargetType,
				Message:  fmt.Sprintf("unresolved %s reference", rel.Name),
			})
			continue
		}
		localPK := pk
		assignments = append(assignments, func(e Entity) { rel.SetLocalID(e, localPK) })
	}
	return assignments, issues
}

// GetCorrections re-reads locally stored entities the other side reported as
// missing dependencies and packages them for a re-send. Only relationship
// constraint issues are retried.
func (c *DataClient) GetCorrections(sessionID uuid.UUID, issues []Issue) (*Page, error) {
	if err := c.validateSession(sessionID); err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return &Page{}, nil
	}

	db, err := c.provider.GetDatabase()
	if err != nil {
		return nil, fmt.Errorf("get database: %w", err)
	}
	defer db.Close()

	page := &Page{}
	for _, issue := range issues {
		if issue.Type != IssueRelationshipConstraint {
			continue
		}
		if !c.settings.ShouldSync(issue.TypeName) {
			continue
		}
		if len(page.Collection) >= c.settings.ItemsPerRequest {
			break
		}
		repo := db.Repository(issue.TypeName)
		if repo == nil {
			continue
		}
		entity, err := repo.ReadBySyncID(issue.ID)
		if err != nil || entity == nil {
			continue
		}
		o, err := ToObject(issue.TypeName, entity)
		if err != nil {
			continue
		}
		if c.outgoing != nil {
			o, err = c.outgoing.Convert(o)
			if err != nil || o.IsEmpty() {
				continue
			}
		}
		page.Collection = append(page.Collection, o)
	}
	page.TotalCount = len(page.Collection)
	return page, nil
}

// cacheKey records a freshly stored entity's key mapping when supported.
func (c *DataClient) cacheKey(typeName string, e Entity) {
	if c.keyCache == nil || !c.keyCache.SupportsType(typeName) {
		return
	}
	m := e.SyncMeta()
	if m.ID != 0 {
		c.keyCache.AddKey(typeName, m.SyncID, m.ID)
	}
}

// isFatal reports whether err is a programmer/configuration fault that must
// abort the operation instead of degrading into an issue.
func isFatal(err error) bool {
	return errors.Is(err, ErrNoRepository) ||
		errors.Is(err, ErrSessionActive) ||
		errors.Is(err, ErrSessionMismatch) ||
		errors.Is(err, ErrNoSession)
}

// classifyError maps a persistent individual-processing failure to an issue.
// Constraint detection leans on the storage provider's message wording.
func (c *DataClient) classifyError(err error, o Object) Issue {
	issue := Issue{ID: o.SyncID, TypeName: o.TypeName, Type: IssueUnknown, Message: "failed to apply entity"}

	var verr *ValidationError
	msg := err.Error()
	switch {
	case errors.As(err, &verr):
		issue.Type = IssueValidation
		issue.Message = verr.Message
	case strings.Contains(msg, "FOREIGN KEY constraint"):
		issue.Type = IssueRelationshipConstraint
		issue.Message = "foreign key constraint violated"
	case strings.Contains(msg, "constraint"):
		issue.Type = IssueConstraint
		issue.Message = "constraint violated"
	case errors.Is(err, ErrUnknownType):
		issue.Type = IssueUpdate
		issue.Message = "entity type could not be resolved"
	}

	if c.opts.IncludeIssueDetails {
		issue.Message = fmt.Sprintf("%s: %v", issue.Message, err)
	}
	return issue
}
