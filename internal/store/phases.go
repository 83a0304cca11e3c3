package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/halwerk/cadsync/internal/uid"
)

const phaseColumns = `id, upstream_id, project_id, name,
	sync_status, upstream_changed_at, local_synced_at`

func scanPhase(row interface{ Scan(...any) error }) (*Phase, error) {
	var (
		p       Phase
		changed *int64
		synced  *int64
	)

	err := row.Scan(&p.ID, &p.UpstreamID, &p.ProjectID, &p.Name,
		&p.SyncStatus, &changed, &synced)
	if err != nil {
		return nil, err
	}

	p.UpstreamChangedAt = nanosToTime(changed)
	p.LocalSyncedAt = nanosToTime(synced)

	return &p, nil
}

// FindPhase looks up by the composite natural key. Phase upstream ids are
// only unique within a project — a bare upstream id lookup would be wrong.
func (s *Store) FindPhase(ctx context.Context, tx *sql.Tx, projectID int64, upstreamID uid.ID) (*Phase, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE project_id = ? AND upstream_id = ?`,
		projectID, upstreamID)

	p, err := scanPhase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: find phase %d/%s: %w", projectID, upstreamID, err)
	}

	return p, nil
}

// FindPhasesByUpstreamIDs fetches the project's phases matching the ids in
// one query, keyed by upstream id. Scoped to one project because of the
// composite key.
func (s *Store) FindPhasesByUpstreamIDs(ctx context.Context, tx *sql.Tx, projectID int64, ids []uid.ID) (map[uid.ID]*Phase, error) {
	result := make(map[uid.ID]*Phase, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	args := []any{projectID}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT `+phaseColumns+` FROM phases
		 WHERE project_id = ? AND upstream_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: batch find phases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning phase: %w", err)
		}

		result[p.UpstreamID] = p
	}

	return result, rows.Err()
}

// ListPhasesByProject returns the project's phases ordered by upstream id.
func (s *Store) ListPhasesByProject(ctx context.Context, tx *sql.Tx, projectID int64) ([]Phase, error) {
	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE project_id = ? ORDER BY upstream_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list phases: %w", err)
	}
	defer rows.Close()

	var result []Phase

	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning phase: %w", err)
		}

		result = append(result, *p)
	}

	return result, rows.Err()
}

// SyncablePhase couples a phase with the navigation context the cascade
// needs to reach it: the project's upstream id and its directory path.
type SyncablePhase struct {
	Phase
	ProjectUpstreamID uid.ID
	DirPath           string
}

// ListSyncablePhases returns phases of projects whose directory chain has no
// excluded ancestor, ordered by directory path, project, then upstream id.
func (s *Store) ListSyncablePhases(ctx context.Context) ([]SyncablePhase, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE syncable (id) AS (
			SELECT id FROM directories WHERE parent_id IS NULL AND excluded = 0
			UNION ALL
			SELECT d.id FROM directories d
				JOIN syncable s ON d.parent_id = s.id
			WHERE d.excluded = 0
		)
		SELECT `+qualify("ph", phaseColumns)+`, p.upstream_id, d.full_path
		FROM phases ph
			JOIN projects p ON ph.project_id = p.id
			JOIN directories d ON p.directory_id = d.id
		WHERE p.directory_id IN (SELECT id FROM syncable)
		ORDER BY d.full_path, p.upstream_id, ph.upstream_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list syncable phases: %w", err)
	}
	defer rows.Close()

	var result []SyncablePhase

	for rows.Next() {
		var (
			sp      SyncablePhase
			changed *int64
			synced  *int64
		)

		err := rows.Scan(&sp.ID, &sp.UpstreamID, &sp.ProjectID, &sp.Name,
			&sp.SyncStatus, &changed, &synced, &sp.ProjectUpstreamID, &sp.DirPath)
		if err != nil {
			return nil, fmt.Errorf("store: scanning syncable phase: %w", err)
		}

		sp.UpstreamChangedAt = nanosToTime(changed)
		sp.LocalSyncedAt = nanosToTime(synced)

		result = append(result, sp)
	}

	return result, rows.Err()
}

// UpsertPhases inserts or updates a batch in one statement, conflicting on
// the composite (project_id, upstream_id) key.
func (s *Store) UpsertPhases(ctx context.Context, tx *sql.Tx, phases []Phase, now time.Time) error {
	if len(phases) == 0 {
		return nil
	}

	query := `INSERT INTO phases
		(upstream_id, project_id, name, sync_status,
		 upstream_changed_at, local_synced_at, created_at, updated_at)
		VALUES `

	var args []any

	for i, p := range phases {
		if i > 0 {
			query += ", "
		}

		query += "(?, ?, ?, 'new', ?, ?, ?, ?)"
		args = append(args, p.UpstreamID, p.ProjectID, p.Name,
			timeToNanos(p.UpstreamChangedAt), now.UnixNano(), now.UnixNano(), now.UnixNano())
	}

	query += ` ON CONFLICT (project_id, upstream_id) DO UPDATE SET
		name                = excluded.name,
		sync_status         = 'updated',
		to_remove           = 0,
		upstream_changed_at = excluded.upstream_changed_at,
		local_synced_at     = MAX(COALESCE(phases.local_synced_at, 0), excluded.local_synced_at),
		updated_at          = excluded.updated_at`

	if _, err := s.q(tx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: upsert phases: %w", err)
	}

	return nil
}

// TouchPhases bumps local_synced_at on fresh rows by local row id.
func (s *Store) TouchPhases(ctx context.Context, tx *sql.Tx, rowIDs []int64, now time.Time) error {
	return s.touch(ctx, tx, "phases", rowIDs, now)
}

// MarkPhasesToRemove tags the project's phases for removal.
func (s *Store) MarkPhasesToRemove(ctx context.Context, tx *sql.Tx, projectID int64) error {
	if _, err := s.q(tx).ExecContext(ctx,
		`UPDATE phases SET to_remove = 1 WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("store: mark phases to_remove: %w", err)
	}

	return nil
}

// ClearPhasesToRemove deletes phases still tagged after the sweep.
func (s *Store) ClearPhasesToRemove(ctx context.Context, tx *sql.Tx, projectID int64) (int, error) {
	res, err := s.q(tx).ExecContext(ctx,
		`DELETE FROM phases WHERE project_id = ? AND to_remove = 1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("store: clear phases to_remove: %w", err)
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// DeletePhase tombstones one phase (composite key) and its elevations.
func (s *Store) DeletePhase(ctx context.Context, projectID int64, upstreamID uid.ID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM phases WHERE project_id = ? AND upstream_id = ?`, projectID, upstreamID)
	if err != nil {
		return false, fmt.Errorf("store: delete phase %d/%s: %w", projectID, upstreamID, err)
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}
