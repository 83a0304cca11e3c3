package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
	"github.com/halwerk/cadsync/internal/upstream"
)

// ElevationSyncer reconciles the elevations of one phase per sweep. Beyond
// the metadata diff it pulls artifacts for fresh elevations: the parts blob
// (stored under blobRoot, hash-gated for the parser) and the rendered
// thumbnail (stored under imageRoot).
type ElevationSyncer struct {
	store     *store.Store
	eval      *Evaluator
	clock     clockwork.Clock
	logger    *slog.Logger
	blobRoot  string
	imageRoot string
}

func NewElevationSyncer(st *store.Store, eval *Evaluator, clock clockwork.Clock, blobRoot, imageRoot string, logger *slog.Logger) *ElevationSyncer {
	return &ElevationSyncer{
		store:     st,
		eval:      eval,
		clock:     clock,
		logger:    logger,
		blobRoot:  blobRoot,
		imageRoot: imageRoot,
	}
}

func (es *ElevationSyncer) Kind() store.Kind {
	return store.KindElevation
}

func (es *ElevationSyncer) Parents(ctx context.Context, scope Scope) ([]Parent, error) {
	phases, err := es.store.ListSyncablePhases(ctx)
	if err != nil {
		return nil, err
	}

	var parents []Parent

	for _, p := range phases {
		if !scope.Project.IsZero() && p.ProjectUpstreamID != scope.Project {
			continue
		}

		phase := p.Phase
		parents = append(parents, Parent{
			Target:    p.DirPath + "/" + p.ProjectUpstreamID.String() + "/" + p.Name,
			navPath:   p.DirPath,
			projectID: p.ProjectUpstreamID,
			phaseID:   p.UpstreamID,
			phaseRow:  &phase,
		})
	}

	return parents, nil
}

func (es *ElevationSyncer) Sweep(ctx context.Context, sess *upstream.Session, parent Parent, cfg *store.ObjectSyncConfig) (Result, error) {
	var result Result

	if err := sess.Navigate(ctx, parent.navPath); err != nil {
		return result, fmt.Errorf("elevation sweep %q: %w", parent.Target, err)
	}

	if err := sess.SelectProject(ctx, parent.projectID); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return es.tombstoneProject(ctx, parent)
		}

		return result, fmt.Errorf("elevation sweep %q: %w", parent.Target, err)
	}

	if err := sess.SelectPhase(ctx, parent.phaseID); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return es.tombstonePhase(ctx, parent)
		}

		return result, fmt.Errorf("elevation sweep %q: %w", parent.Target, err)
	}

	entries, err := sess.ListElevations(ctx)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return es.tombstonePhase(ctx, parent)
		}

		return result, fmt.Errorf("elevation sweep %q: %w", parent.Target, err)
	}

	now := es.clock.Now()
	phaseRowID := parent.phaseRow.ID

	// Entries written this sweep; their artifacts are fetched after the
	// transaction commits so a blob failure cannot roll back the sweep.
	var refresh []upstream.Entry

	err = es.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := es.store.MarkElevationsToRemove(ctx, tx, phaseRowID); err != nil {
			return err
		}

		existing, err := es.store.FindElevationsByUpstreamIDs(ctx, tx, entryIDs(entries))
		if err != nil {
			return err
		}

		var (
			writes   []store.Elevation
			touchIDs []int64
		)

		for _, e := range entries {
			local, ok := existing[e.ID]
			if ok && !es.eval.StaleEntity(local.LocalSyncedAt, e.ChangedAt, cfg) {
				touchIDs = append(touchIDs, local.ID)
				result.Counters.Unchanged++

				continue
			}

			writes = append(writes, store.Elevation{
				UpstreamID:        e.ID,
				PhaseID:           phaseRowID,
				Name:              e.Name,
				WidthMM:           e.WidthMM,
				HeightMM:          e.HeightMM,
				HasParts:          e.HasParts,
				UpstreamChangedAt: e.ChangedAt,
			})

			refresh = append(refresh, e)

			if ok {
				result.Counters.Updated++
			} else {
				result.Counters.Created++
			}
		}

		if err := es.store.UpsertElevations(ctx, tx, writes, now); err != nil {
			return err
		}

		if err := es.store.TouchElevations(ctx, tx, touchIDs, now); err != nil {
			return err
		}

		deleted, err := es.store.ClearElevationsToRemove(ctx, tx, phaseRowID)
		if err != nil {
			return err
		}

		result.Counters.Deleted += deleted

		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("elevation sweep %q: %w", parent.Target, err)
	}

	for _, e := range refresh {
		if err := es.fetchArtifacts(ctx, sess, e); err != nil {
			result.Counters.Errors++

			es.logger.Warn("elevation artifact fetch failed",
				slog.String("elevation", e.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	return result, nil
}

// fetchArtifacts pulls the thumbnail and, when the upstream holds one, the
// parts blob for a freshly written elevation. The blob lands at
// {blobRoot}/elevations/{id}.db and flips the parse state to pending unless
// its hash matches the last parsed blob.
func (es *ElevationSyncer) fetchArtifacts(ctx context.Context, sess *upstream.Session, e upstream.Entry) error {
	if img, err := sess.FetchThumbnail(ctx, e.ID, upstream.ThumbnailOpts{}); err != nil {
		if !errors.Is(err, upstream.ErrNotFound) {
			return fmt.Errorf("thumbnail: %w", err)
		}
	} else {
		path := es.imagePath(e.ID, e.Name)
		if err := atomicWrite(path, img); err != nil {
			return fmt.Errorf("thumbnail: %w", err)
		}

		if err := es.store.SetElevationImage(ctx, nil, e.ID, path); err != nil {
			return fmt.Errorf("thumbnail: %w", err)
		}
	}

	if !e.HasParts {
		return nil
	}

	if err := sess.SelectElevation(ctx, e.ID); err != nil {
		return fmt.Errorf("parts blob: %w", err)
	}

	blob, err := sess.FetchPartsBlob(ctx)
	if err != nil {
		// An empty blob means the parts list genuinely has no rows yet.
		if errors.Is(err, upstream.ErrEmptyBlob) {
			return nil
		}

		return fmt.Errorf("parts blob: %w", err)
	}

	path := es.blobPath(e.ID)
	if err := atomicWrite(path, blob); err != nil {
		return fmt.Errorf("parts blob: %w", err)
	}

	if err := es.store.SetElevationBlob(ctx, nil, e.ID, path, hashBytes(blob)); err != nil {
		return fmt.Errorf("parts blob: %w", err)
	}

	return nil
}

func (es *ElevationSyncer) blobPath(id uid.ID) string {
	return filepath.Join(es.blobRoot, "elevations", id.String()+".db")
}

func (es *ElevationSyncer) imagePath(id uid.ID, name string) string {
	return filepath.Join(es.imageRoot, "elevations", id.String()+"_"+sanitizeName(name)+".png")
}

func (es *ElevationSyncer) tombstoneProject(ctx context.Context, parent Parent) (Result, error) {
	deleted, err := es.store.DeleteProject(ctx, parent.projectID)
	if err != nil {
		return Result{}, fmt.Errorf("tombstoning project %s: %w", parent.projectID, err)
	}

	es.logger.Info("project vanished upstream during elevation sweep, removed subtree",
		slog.String("project", parent.projectID.String()))

	var result Result

	result.ParentDeleted = true
	if deleted {
		result.Counters.Deleted++
	}

	return result, nil
}

func (es *ElevationSyncer) tombstonePhase(ctx context.Context, parent Parent) (Result, error) {
	deleted, err := es.store.DeletePhase(ctx, parent.phaseRow.ProjectID, parent.phaseID)
	if err != nil {
		return Result{}, fmt.Errorf("tombstoning phase %q: %w", parent.Target, err)
	}

	es.logger.Info("phase vanished upstream, removed elevations",
		slog.String("phase", parent.Target))

	var result Result

	result.ParentDeleted = true
	if deleted {
		result.Counters.Deleted++
	}

	return result, nil
}
