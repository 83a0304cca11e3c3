package sync

import (
	"context"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
	"github.com/halwerk/cadsync/internal/upstream"
)

// Scope restricts a cascade. The zero value means a full sweep of every
// enabled kind.
type Scope struct {
	// Kind limits the cascade to one kind plus everything it depends on, so
	// a child kind is never swept against stale parents.
	Kind store.Kind

	// Project limits the cascade to one project's subtree. Directory sweeps
	// are skipped entirely for project scopes.
	Project uid.ID
}

// Result is what one sweep over one parent produced.
type Result struct {
	Counters store.Counters

	// ParentDeleted reports that the upstream answered not_found for the
	// parent itself. The syncer has already tombstoned the parent's local
	// subtree; the orchestrator records the outcome and moves on.
	ParentDeleted bool

	// Discovered lists follow-up parents of the same kind found during this
	// sweep. Only the directory syncer uses it, to walk the tree without a
	// precomputed parent list.
	Discovered []Parent
}

// Parent is one sweep target: the session navigation context plus the local
// rows that scope the reconciliation. Which fields are set depends on the
// kind being swept.
type Parent struct {
	// Target names the parent in SyncAttempt rows and logs.
	Target string

	navPath   string
	projectID uid.ID // project cursor to select, zero when unused
	phaseID   uid.ID // phase cursor to select, zero when unused

	dirRow     *store.Directory // directory and project sweeps (nil = roots)
	projectRow *store.Project   // phase sweeps
	phaseRow   *store.Phase     // elevation sweeps
}

// EntitySyncer reconciles one kind of entity, one parent at a time. The
// cascade orchestrator owns the ordering across kinds and the session
// lifecycle; the syncer owns navigation within the sweep and the single
// transaction that makes the sweep atomic.
type EntitySyncer interface {
	Kind() store.Kind

	// Parents returns the sweep targets for this kind within the scope,
	// excluded subtrees already filtered out.
	Parents(ctx context.Context, scope Scope) ([]Parent, error)

	// Sweep lists the parent's children upstream, diffs them against the
	// store, and applies creates, updates, touches and deletes in one
	// transaction. cfg carries the kind's staleness threshold.
	Sweep(ctx context.Context, sess *upstream.Session, parent Parent, cfg *store.ObjectSyncConfig) (Result, error)
}

// entryIDs collects the upstream ids of a listing, preserving order.
func entryIDs(entries []upstream.Entry) []uid.ID {
	ids := make([]uid.ID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	return ids
}
