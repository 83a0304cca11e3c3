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

// DirectorySyncer reconciles one level of the directory tree per sweep. The
// tree is walked breadth-first: sweeping a parent returns its fresh children
// as Discovered parents, so newly appeared subtrees are reached in the same
// run without a precomputed list.
type DirectorySyncer struct {
	store  *store.Store
	eval   *Evaluator
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewDirectorySyncer(st *store.Store, eval *Evaluator, clock clockwork.Clock, logger *slog.Logger) *DirectorySyncer {
	return &DirectorySyncer{store: st, eval: eval, clock: clock, logger: logger}
}

func (ds *DirectorySyncer) Kind() store.Kind {
	return store.KindDirectory
}

// Parents returns only the root pseudo-parent; deeper levels arrive via
// Discovered. Project-scoped cascades skip directories entirely.
func (ds *DirectorySyncer) Parents(_ context.Context, scope Scope) ([]Parent, error) {
	if !scope.Project.IsZero() {
		return nil, nil
	}

	return []Parent{{Target: "/"}}, nil
}

func (ds *DirectorySyncer) Sweep(ctx context.Context, sess *upstream.Session, parent Parent, cfg *store.ObjectSyncConfig) (Result, error) {
	var result Result

	if err := sess.Navigate(ctx, parent.navPath); err != nil {
		if errors.Is(err, upstream.ErrNotFound) && parent.dirRow != nil {
			return ds.tombstone(ctx, parent)
		}

		return result, fmt.Errorf("directory sweep %q: %w", parent.Target, err)
	}

	entries, err := sess.ListDirectories(ctx)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) && parent.dirRow != nil {
			return ds.tombstone(ctx, parent)
		}

		return result, fmt.Errorf("directory sweep %q: %w", parent.Target, err)
	}

	var parentRowID *int64

	parentPath := ""
	level := 0

	if parent.dirRow != nil {
		parentRowID = &parent.dirRow.ID
		parentPath = parent.dirRow.FullPath + "/"
		level = parent.dirRow.Level + 1
	}

	now := ds.clock.Now()

	err = ds.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := ds.store.MarkDirectoriesToRemove(ctx, tx, parentRowID); err != nil {
			return err
		}

		existing, err := ds.store.FindDirectoriesByUpstreamIDs(ctx, tx, entryIDs(entries))
		if err != nil {
			return err
		}

		var (
			writes   []store.Directory
			touchIDs []int64
		)

		for _, e := range entries {
			local, ok := existing[e.ID]
			if ok && !ds.eval.StaleEntity(local.LocalSyncedAt, e.ChangedAt, cfg) {
				touchIDs = append(touchIDs, local.ID)
				result.Counters.Unchanged++

				continue
			}

			writes = append(writes, store.Directory{
				UpstreamID:        e.ID,
				Name:              e.Name,
				FullPath:          parentPath + e.Name,
				ParentID:          parentRowID,
				Level:             level,
				UpstreamChangedAt: e.ChangedAt,
			})

			if ok {
				result.Counters.Updated++
			} else {
				result.Counters.Created++
			}
		}

		if err := ds.store.UpsertDirectories(ctx, tx, writes, now); err != nil {
			return err
		}

		if err := ds.store.TouchDirectories(ctx, tx, touchIDs, now); err != nil {
			return err
		}

		deleted, err := ds.store.ClearDirectoriesToRemove(ctx, tx, parentRowID)
		if err != nil {
			return err
		}

		result.Counters.Deleted += deleted

		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("directory sweep %q: %w", parent.Target, err)
	}

	children, err := ds.store.ListChildDirectories(ctx, nil, parentRowID)
	if err != nil {
		return Result{}, fmt.Errorf("directory sweep %q: %w", parent.Target, err)
	}

	for _, child := range children {
		if child.Excluded {
			result.Counters.Skipped++
			continue
		}

		c := child
		result.Discovered = append(result.Discovered, Parent{
			Target:  c.FullPath,
			navPath: c.FullPath,
			dirRow:  &c,
		})
	}

	return result, nil
}

// tombstone removes a directory whose path vanished upstream. The whole
// subtree goes with it via FK cascade.
func (ds *DirectorySyncer) tombstone(ctx context.Context, parent Parent) (Result, error) {
	deleted, err := ds.store.DeleteDirectory(ctx, parent.dirRow.UpstreamID)
	if err != nil {
		return Result{}, fmt.Errorf("tombstoning directory %q: %w", parent.Target, err)
	}

	ds.logger.Info("directory vanished upstream, removed subtree",
		slog.String("path", parent.Target))

	var result Result

	result.ParentDeleted = true
	if deleted {
		result.Counters.Deleted++
	}

	return result, nil
}
