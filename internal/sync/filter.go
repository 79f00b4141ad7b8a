package sync

// Matcher is a per-entity predicate.
type Matcher func(Entity) bool

// RepositoryFilter restricts what one entity type contributes to and accepts
// from a sync session. All predicates are optional; nil means "allow".
type RepositoryFilter struct {
	TypeName string

	// Outgoing further restricts which changed entities are enumerated.
	Outgoing Matcher

	// Incoming rejects entities before they are applied; rejected entries
	// become IssueEntityFiltered.
	Incoming Matcher

	// Lookup builds a matcher that locates the local counterpart of an
	// incoming entity. When nil, lookup falls back to sync id equality.
	Lookup func(incoming Entity) Matcher

	// SkipDeletedOnInitial excludes soft-deleted entities from a first-ever
	// sync, so dead rows are not shipped just to be re-deleted remotely.
	SkipDeletedOnInitial bool
}

// AllowsOutgoing reports whether e may be enumerated. Nil-safe.
func (f *RepositoryFilter) AllowsOutgoing(e Entity) bool {
	return f == nil || f.Outgoing == nil || f.Outgoing(e)
}

// AllowsIncoming reports whether e may be applied. Nil-safe.
func (f *RepositoryFilter) AllowsIncoming(e Entity) bool {
	return f == nil || f.Incoming == nil || f.Incoming(e)
}

// HasLookup reports whether a custom lookup overrides sync id matching.
func (f *RepositoryFilter) HasLookup() bool {
	return f != nil && f.Lookup != nil
}
