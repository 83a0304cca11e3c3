package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/halwerk/cadsync/internal/uid"
)

const projectColumns = `id, upstream_id, directory_id, name, customer, offer_number,
	sync_status, upstream_changed_at, local_synced_at`

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	var (
		p       Project
		changed *int64
		synced  *int64
	)

	err := row.Scan(&p.ID, &p.UpstreamID, &p.DirectoryID, &p.Name, &p.Customer,
		&p.OfferNumber, &p.SyncStatus, &changed, &synced)
	if err != nil {
		return nil, err
	}

	p.UpstreamChangedAt = nanosToTime(changed)
	p.LocalSyncedAt = nanosToTime(synced)

	return &p, nil
}

// FindProjectByUpstreamID returns the project or nil when absent.
func (s *Store) FindProjectByUpstreamID(ctx context.Context, tx *sql.Tx, id uid.ID) (*Project, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE upstream_id = ?`, id)

	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: find project %s: %w", id, err)
	}

	return p, nil
}

// FindProjectsByUpstreamIDs fetches a batch of projects in one query.
func (s *Store) FindProjectsByUpstreamIDs(ctx context.Context, tx *sql.Tx, ids []uid.ID) (map[uid.ID]*Project, error) {
	result := make(map[uid.ID]*Project, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE upstream_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: batch find projects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning project: %w", err)
		}

		result[p.UpstreamID] = p
	}

	return result, rows.Err()
}

// ListProjectsByDirectory returns the directory's projects ordered by
// upstream id.
func (s *Store) ListProjectsByDirectory(ctx context.Context, tx *sql.Tx, directoryID int64) ([]Project, error) {
	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE directory_id = ? ORDER BY upstream_id`, directoryID)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	return collectProjects(rows)
}

// SyncableProject couples a project with its directory path, which the
// cascade needs for session navigation.
type SyncableProject struct {
	Project
	DirPath string
}

// ListSyncableProjects returns projects whose directory chain has no
// excluded ancestor, ordered by directory path then upstream id.
func (s *Store) ListSyncableProjects(ctx context.Context) ([]SyncableProject, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE syncable (id) AS (
			SELECT id FROM directories WHERE parent_id IS NULL AND excluded = 0
			UNION ALL
			SELECT d.id FROM directories d
				JOIN syncable s ON d.parent_id = s.id
			WHERE d.excluded = 0
		)
		SELECT `+qualify("p", projectColumns)+`, d.full_path FROM projects p
			JOIN directories d ON p.directory_id = d.id
		WHERE p.directory_id IN (SELECT id FROM syncable)
		ORDER BY d.full_path, p.upstream_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list syncable projects: %w", err)
	}
	defer rows.Close()

	var result []SyncableProject

	for rows.Next() {
		var (
			sp      SyncableProject
			changed *int64
			synced  *int64
		)

		err := rows.Scan(&sp.ID, &sp.UpstreamID, &sp.DirectoryID, &sp.Name, &sp.Customer,
			&sp.OfferNumber, &sp.SyncStatus, &changed, &synced, &sp.DirPath)
		if err != nil {
			return nil, fmt.Errorf("store: scanning syncable project: %w", err)
		}

		sp.UpstreamChangedAt = nanosToTime(changed)
		sp.LocalSyncedAt = nanosToTime(synced)

		result = append(result, sp)
	}

	return result, rows.Err()
}

func collectProjects(rows *sql.Rows) ([]Project, error) {
	var result []Project

	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning project: %w", err)
		}

		result = append(result, *p)
	}

	return result, rows.Err()
}

// UpsertProjects inserts or updates a batch in one statement, same contract
// as UpsertDirectories.
func (s *Store) UpsertProjects(ctx context.Context, tx *sql.Tx, projects []Project, now time.Time) error {
	if len(projects) == 0 {
		return nil
	}

	query := `INSERT INTO projects
		(upstream_id, directory_id, name, customer, offer_number, sync_status,
		 upstream_changed_at, local_synced_at, created_at, updated_at)
		VALUES `

	var args []any

	for i, p := range projects {
		if i > 0 {
			query += ", "
		}

		query += "(?, ?, ?, ?, ?, 'new', ?, ?, ?, ?)"
		args = append(args, p.UpstreamID, p.DirectoryID, p.Name, p.Customer, p.OfferNumber,
			timeToNanos(p.UpstreamChangedAt), now.UnixNano(), now.UnixNano(), now.UnixNano())
	}

	query += ` ON CONFLICT (upstream_id) DO UPDATE SET
		directory_id        = excluded.directory_id,
		name                = excluded.name,
		customer            = excluded.customer,
		offer_number        = excluded.offer_number,
		sync_status         = 'updated',
		to_remove           = 0,
		upstream_changed_at = excluded.upstream_changed_at,
		local_synced_at     = MAX(COALESCE(projects.local_synced_at, 0), excluded.local_synced_at),
		updated_at          = excluded.updated_at`

	if _, err := s.q(tx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: upsert projects: %w", err)
	}

	return nil
}

// TouchProjects bumps local_synced_at on fresh rows by local row id.
func (s *Store) TouchProjects(ctx context.Context, tx *sql.Tx, rowIDs []int64, now time.Time) error {
	return s.touch(ctx, tx, "projects", rowIDs, now)
}

// MarkProjectsToRemove tags the directory's projects for removal.
func (s *Store) MarkProjectsToRemove(ctx context.Context, tx *sql.Tx, directoryID int64) error {
	if _, err := s.q(tx).ExecContext(ctx,
		`UPDATE projects SET to_remove = 1 WHERE directory_id = ?`, directoryID); err != nil {
		return fmt.Errorf("store: mark projects to_remove: %w", err)
	}

	return nil
}

// ClearProjectsToRemove deletes projects still tagged after the sweep.
func (s *Store) ClearProjectsToRemove(ctx context.Context, tx *sql.Tx, directoryID int64) (int, error) {
	res, err := s.q(tx).ExecContext(ctx,
		`DELETE FROM projects WHERE directory_id = ? AND to_remove = 1`, directoryID)
	if err != nil {
		return 0, fmt.Errorf("store: clear projects to_remove: %w", err)
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// DeleteProject tombstones a project and its subtree.
func (s *Store) DeleteProject(ctx context.Context, upstreamID uid.ID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE upstream_id = ?`, upstreamID)
	if err != nil {
		return false, fmt.Errorf("store: delete project %s: %w", upstreamID, err)
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}
