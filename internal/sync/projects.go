package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/upstream"
)

// ProjectSyncer reconciles the projects of one directory per sweep.
type ProjectSyncer struct {
	store  *store.Store
	eval   *Evaluator
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewProjectSyncer(st *store.Store, eval *Evaluator, clock clockwork.Clock, logger *slog.Logger) *ProjectSyncer {
	return &ProjectSyncer{store: st, eval: eval, clock: clock, logger: logger}
}

func (ps *ProjectSyncer) Kind() store.Kind {
	return store.KindProject
}

// Parents returns every syncable directory. For a project scope it narrows
// to the directory containing that project — the upstream can only list a
// whole directory, so siblings ride along.
func (ps *ProjectSyncer) Parents(ctx context.Context, scope Scope) ([]Parent, error) {
	if !scope.Project.IsZero() {
		proj, err := ps.store.FindProjectByUpstreamID(ctx, nil, scope.Project)
		if err != nil {
			return nil, err
		}

		if proj == nil {
			// Unknown project: nothing to scope to yet. A full sweep will
			// discover it.
			return nil, nil
		}

		dirs, err := ps.store.ListSyncableDirectories(ctx)
		if err != nil {
			return nil, err
		}

		for _, d := range dirs {
			if d.ID == proj.DirectoryID {
				dir := d
				return []Parent{{Target: dir.FullPath, navPath: dir.FullPath, dirRow: &dir}}, nil
			}
		}

		// Directory is excluded or gone; the project is out of scope.
		return nil, nil
	}

	dirs, err := ps.store.ListSyncableDirectories(ctx)
	if err != nil {
		return nil, err
	}

	parents := make([]Parent, 0, len(dirs))

	for _, d := range dirs {
		dir := d
		parents = append(parents, Parent{Target: dir.FullPath, navPath: dir.FullPath, dirRow: &dir})
	}

	return parents, nil
}

func (ps *ProjectSyncer) Sweep(ctx context.Context, sess *upstream.Session, parent Parent, cfg *store.ObjectSyncConfig) (Result, error) {
	var result Result

	if err := sess.Navigate(ctx, parent.navPath); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return ps.tombstone(ctx, parent)
		}

		return result, fmt.Errorf("project sweep %q: %w", parent.Target, err)
	}

	entries, err := sess.ListProjects(ctx)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return ps.tombstone(ctx, parent)
		}

		return result, fmt.Errorf("project sweep %q: %w", parent.Target, err)
	}

	now := ps.clock.Now()
	dirID := parent.dirRow.ID

	err = ps.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := ps.store.MarkProjectsToRemove(ctx, tx, dirID); err != nil {
			return err
		}

		existing, err := ps.store.FindProjectsByUpstreamIDs(ctx, tx, entryIDs(entries))
		if err != nil {
			return err
		}

		var (
			writes   []store.Project
			touchIDs []int64
		)

		for _, e := range entries {
			local, ok := existing[e.ID]
			if ok && !ps.eval.StaleEntity(local.LocalSyncedAt, e.ChangedAt, cfg) {
				touchIDs = append(touchIDs, local.ID)
				result.Counters.Unchanged++

				continue
			}

			writes = append(writes, store.Project{
				UpstreamID:        e.ID,
				DirectoryID:       dirID,
				Name:              e.Name,
				Customer:          e.Customer,
				OfferNumber:       e.OfferNumber,
				UpstreamChangedAt: e.ChangedAt,
			})

			if ok {
				result.Counters.Updated++
			} else {
				result.Counters.Created++
			}
		}

		if err := ps.store.UpsertProjects(ctx, tx, writes, now); err != nil {
			return err
		}

		if err := ps.store.TouchProjects(ctx, tx, touchIDs, now); err != nil {
			return err
		}

		deleted, err := ps.store.ClearProjectsToRemove(ctx, tx, dirID)
		if err != nil {
			return err
		}

		result.Counters.Deleted += deleted

		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("project sweep %q: %w", parent.Target, err)
	}

	return result, nil
}

// tombstone removes the parent directory whose path vanished upstream.
func (ps *ProjectSyncer) tombstone(ctx context.Context, parent Parent) (Result, error) {
	deleted, err := ps.store.DeleteDirectory(ctx, parent.dirRow.UpstreamID)
	if err != nil {
		return Result{}, fmt.Errorf("tombstoning directory %q: %w", parent.Target, err)
	}

	ps.logger.Info("directory vanished upstream during project sweep, removed subtree",
		slog.String("path", parent.Target))

	var result Result

	result.ParentDeleted = true
	if deleted {
		result.Counters.Deleted++
	}

	return result, nil
}
