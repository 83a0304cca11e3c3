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

// PhaseSyncer reconciles the phases of one project per sweep. Phases key on
// the composite (project, upstream id) — the zero-UUID "default phase"
// sentinel legitimately repeats across projects.
type PhaseSyncer struct {
	store  *store.Store
	eval   *Evaluator
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewPhaseSyncer(st *store.Store, eval *Evaluator, clock clockwork.Clock, logger *slog.Logger) *PhaseSyncer {
	return &PhaseSyncer{store: st, eval: eval, clock: clock, logger: logger}
}

func (ps *PhaseSyncer) Kind() store.Kind {
	return store.KindPhase
}

func (ps *PhaseSyncer) Parents(ctx context.Context, scope Scope) ([]Parent, error) {
	projects, err := ps.store.ListSyncableProjects(ctx)
	if err != nil {
		return nil, err
	}

	var parents []Parent

	for _, p := range projects {
		if !scope.Project.IsZero() && p.UpstreamID != scope.Project {
			continue
		}

		proj := p.Project
		parents = append(parents, Parent{
			Target:     p.DirPath + "/" + p.Name,
			navPath:    p.DirPath,
			projectID:  p.UpstreamID,
			projectRow: &proj,
		})
	}

	return parents, nil
}

func (ps *PhaseSyncer) Sweep(ctx context.Context, sess *upstream.Session, parent Parent, cfg *store.ObjectSyncConfig) (Result, error) {
	var result Result

	if err := sess.Navigate(ctx, parent.navPath); err != nil {
		return result, fmt.Errorf("phase sweep %q: %w", parent.Target, err)
	}

	if err := sess.SelectProject(ctx, parent.projectID); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return ps.tombstone(ctx, parent)
		}

		return result, fmt.Errorf("phase sweep %q: %w", parent.Target, err)
	}

	entries, err := sess.ListPhases(ctx)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return ps.tombstone(ctx, parent)
		}

		return result, fmt.Errorf("phase sweep %q: %w", parent.Target, err)
	}

	now := ps.clock.Now()
	projectRowID := parent.projectRow.ID

	err = ps.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := ps.store.MarkPhasesToRemove(ctx, tx, projectRowID); err != nil {
			return err
		}

		existing, err := ps.store.FindPhasesByUpstreamIDs(ctx, tx, projectRowID, entryIDs(entries))
		if err != nil {
			return err
		}

		var (
			writes   []store.Phase
			touchIDs []int64
		)

		for _, e := range entries {
			local, ok := existing[e.ID]
			if ok && !ps.eval.StaleEntity(local.LocalSyncedAt, e.ChangedAt, cfg) {
				touchIDs = append(touchIDs, local.ID)
				result.Counters.Unchanged++

				continue
			}

			writes = append(writes, store.Phase{
				UpstreamID:        e.ID,
				ProjectID:         projectRowID,
				Name:              e.Name,
				UpstreamChangedAt: e.ChangedAt,
			})

			if ok {
				result.Counters.Updated++
			} else {
				result.Counters.Created++
			}
		}

		if err := ps.store.UpsertPhases(ctx, tx, writes, now); err != nil {
			return err
		}

		if err := ps.store.TouchPhases(ctx, tx, touchIDs, now); err != nil {
			return err
		}

		deleted, err := ps.store.ClearPhasesToRemove(ctx, tx, projectRowID)
		if err != nil {
			return err
		}

		result.Counters.Deleted += deleted

		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("phase sweep %q: %w", parent.Target, err)
	}

	return result, nil
}

// tombstone removes the parent project that vanished upstream.
func (ps *PhaseSyncer) tombstone(ctx context.Context, parent Parent) (Result, error) {
	deleted, err := ps.store.DeleteProject(ctx, parent.projectRow.UpstreamID)
	if err != nil {
		return Result{}, fmt.Errorf("tombstoning project %q: %w", parent.Target, err)
	}

	ps.logger.Info("project vanished upstream, removed subtree",
		slog.String("project", parent.Target))

	var result Result

	result.ParentDeleted = true
	if deleted {
		result.Counters.Deleted++
	}

	return result, nil
}
