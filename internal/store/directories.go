package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/halwerk/cadsync/internal/uid"
)

const dirColumns = `id, upstream_id, name, full_path, parent_id, level, excluded,
	sync_status, upstream_changed_at, local_synced_at`

// q returns the transaction when inside a sweep, the database otherwise.
func (s *Store) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}

	return s.db
}

func scanDirectory(row interface{ Scan(...any) error }) (*Directory, error) {
	var (
		d       Directory
		changed *int64
		synced  *int64
	)

	err := row.Scan(&d.ID, &d.UpstreamID, &d.Name, &d.FullPath, &d.ParentID,
		&d.Level, &d.Excluded, &d.SyncStatus, &changed, &synced)
	if err != nil {
		return nil, err
	}

	d.UpstreamChangedAt = nanosToTime(changed)
	d.LocalSyncedAt = nanosToTime(synced)

	return &d, nil
}

// FindDirectoryByUpstreamID returns the directory or nil when absent.
func (s *Store) FindDirectoryByUpstreamID(ctx context.Context, tx *sql.Tx, id uid.ID) (*Directory, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT `+dirColumns+` FROM directories WHERE upstream_id = ?`, id)

	d, err := scanDirectory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: find directory %s: %w", id, err)
	}

	return d, nil
}

// FindDirectoriesByUpstreamIDs fetches a batch of directories in one query,
// keyed by upstream id. Missing ids are simply absent from the map.
func (s *Store) FindDirectoriesByUpstreamIDs(ctx context.Context, tx *sql.Tx, ids []uid.ID) (map[uid.ID]*Directory, error) {
	result := make(map[uid.ID]*Directory, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT `+dirColumns+` FROM directories WHERE upstream_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: batch find directories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning directory: %w", err)
		}

		result[d.UpstreamID] = d
	}

	return result, rows.Err()
}

// ListChildDirectories returns children of parentID (nil for roots),
// ordered by upstream id for deterministic sweeps.
func (s *Store) ListChildDirectories(ctx context.Context, tx *sql.Tx, parentID *int64) ([]Directory, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if parentID == nil {
		rows, err = s.q(tx).QueryContext(ctx,
			`SELECT `+dirColumns+` FROM directories WHERE parent_id IS NULL ORDER BY upstream_id`)
	} else {
		rows, err = s.q(tx).QueryContext(ctx,
			`SELECT `+dirColumns+` FROM directories WHERE parent_id = ? ORDER BY upstream_id`, *parentID)
	}

	if err != nil {
		return nil, fmt.Errorf("store: list child directories: %w", err)
	}
	defer rows.Close()

	return collectDirectories(rows)
}

// ListSyncableDirectories returns every directory whose ancestor chain
// contains no excluded directory, ordered by path so parents precede
// children. An excluded directory cuts off its whole subtree.
func (s *Store) ListSyncableDirectories(ctx context.Context) ([]Directory, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE syncable (id) AS (
			SELECT id FROM directories WHERE parent_id IS NULL AND excluded = 0
			UNION ALL
			SELECT d.id FROM directories d
				JOIN syncable s ON d.parent_id = s.id
			WHERE d.excluded = 0
		)
		SELECT `+dirColumns+` FROM directories
		WHERE id IN (SELECT id FROM syncable)
		ORDER BY full_path`)
	if err != nil {
		return nil, fmt.Errorf("store: list syncable directories: %w", err)
	}
	defer rows.Close()

	return collectDirectories(rows)
}

func collectDirectories(rows *sql.Rows) ([]Directory, error) {
	var result []Directory

	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning directory: %w", err)
		}

		result = append(result, *d)
	}

	return result, rows.Err()
}

// UpsertDirectories inserts new rows with sync_status "new" and updates
// conflicting rows (by upstream_id) with sync_status "updated", in one
// statement. local_synced_at is monotone: the stored value never decreases.
// The operator-set excluded flag is never touched by sweeps.
func (s *Store) UpsertDirectories(ctx context.Context, tx *sql.Tx, dirs []Directory, now time.Time) error {
	if len(dirs) == 0 {
		return nil
	}

	// full_path is UNIQUE and a single batch can legally swap paths between
	// siblings, or move one row onto a path another is vacating. Park every
	// path the batch is about to write on a placeholder first so the upsert
	// never trips the constraint mid-statement: batch rows get their real
	// path rewritten anyway, and a non-batch row merely holding a wanted
	// path is a vanished sibling the reconciliation deletes before commit.
	vacateArgs := make([]any, 0, len(dirs)*2)
	for _, d := range dirs {
		vacateArgs = append(vacateArgs, d.UpstreamID)
	}

	for _, d := range dirs {
		vacateArgs = append(vacateArgs, d.FullPath)
	}

	vacate := `UPDATE directories SET full_path = char(0) || id
		WHERE upstream_id IN (` + placeholders(len(dirs)) + `)
		   OR full_path IN (` + placeholders(len(dirs)) + `)`

	if _, err := s.q(tx).ExecContext(ctx, vacate, vacateArgs...); err != nil {
		return fmt.Errorf("store: vacate directory paths: %w", err)
	}

	const valuesPerRow = 9

	query := `INSERT INTO directories
		(upstream_id, name, full_path, parent_id, level, sync_status,
		 upstream_changed_at, local_synced_at, created_at, updated_at)
		VALUES `

	args := make([]any, 0, len(dirs)*valuesPerRow)

	for i, d := range dirs {
		if i > 0 {
			query += ", "
		}

		query += "(?, ?, ?, ?, ?, 'new', ?, ?, ?, ?)"
		args = append(args, d.UpstreamID, d.Name, d.FullPath, d.ParentID, d.Level,
			timeToNanos(d.UpstreamChangedAt), now.UnixNano(), now.UnixNano(), now.UnixNano())
	}

	query += ` ON CONFLICT (upstream_id) DO UPDATE SET
		name                = excluded.name,
		full_path           = excluded.full_path,
		parent_id           = excluded.parent_id,
		level               = excluded.level,
		sync_status         = 'updated',
		to_remove           = 0,
		upstream_changed_at = excluded.upstream_changed_at,
		local_synced_at     = MAX(COALESCE(directories.local_synced_at, 0), excluded.local_synced_at),
		updated_at          = excluded.updated_at`

	if _, err := s.q(tx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: upsert directories: %w", err)
	}

	return nil
}

// TouchDirectories bumps local_synced_at on fresh rows and clears their
// to_remove tag, without rewriting fields. Keys are local row ids.
func (s *Store) TouchDirectories(ctx context.Context, tx *sql.Tx, rowIDs []int64, now time.Time) error {
	return s.touch(ctx, tx, "directories", rowIDs, now)
}

// MarkDirectoriesToRemove tags every child of the parent (nil = roots) for
// removal; the sweep untags survivors.
func (s *Store) MarkDirectoriesToRemove(ctx context.Context, tx *sql.Tx, parentID *int64) error {
	var err error
	if parentID == nil {
		_, err = s.q(tx).ExecContext(ctx, `UPDATE directories SET to_remove = 1 WHERE parent_id IS NULL`)
	} else {
		_, err = s.q(tx).ExecContext(ctx, `UPDATE directories SET to_remove = 1 WHERE parent_id = ?`, *parentID)
	}

	if err != nil {
		return fmt.Errorf("store: mark directories to_remove: %w", err)
	}

	return nil
}

// ClearDirectoriesToRemove deletes children still tagged after a sweep.
// Grandchildren go with them via FK cascade.
func (s *Store) ClearDirectoriesToRemove(ctx context.Context, tx *sql.Tx, parentID *int64) (int, error) {
	var (
		res sql.Result
		err error
	)

	if parentID == nil {
		res, err = s.q(tx).ExecContext(ctx, `DELETE FROM directories WHERE parent_id IS NULL AND to_remove = 1`)
	} else {
		res, err = s.q(tx).ExecContext(ctx, `DELETE FROM directories WHERE parent_id = ? AND to_remove = 1`, *parentID)
	}

	if err != nil {
		return 0, fmt.Errorf("store: clear directories to_remove: %w", err)
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// DeleteDirectory tombstones a directory and, via FK cascade, its entire
// subtree. Reports whether a row was deleted.
func (s *Store) DeleteDirectory(ctx context.Context, upstreamID uid.ID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM directories WHERE upstream_id = ?`, upstreamID)
	if err != nil {
		return false, fmt.Errorf("store: delete directory %s: %w", upstreamID, err)
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}

// SetDirectoryExcluded flips the operator exclusion flag.
func (s *Store) SetDirectoryExcluded(ctx context.Context, upstreamID uid.ID, excluded bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE directories SET excluded = ? WHERE upstream_id = ?`, excluded, upstreamID)
	if err != nil {
		return fmt.Errorf("store: set directory excluded: %w", err)
	}

	return nil
}

// touch is the shared "bump only" update used by all four kinds, keyed by
// local row id.
func (s *Store) touch(ctx context.Context, tx *sql.Tx, table string, rowIDs []int64, now time.Time) error {
	if len(rowIDs) == 0 {
		return nil
	}

	args := make([]any, 0, len(rowIDs)+2)
	args = append(args, now.UnixNano(), now.UnixNano())

	for _, id := range rowIDs {
		args = append(args, id)
	}

	//nolint:gosec // table is a compile-time constant at call sites
	query := `UPDATE ` + table + ` SET
		sync_status = 'unchanged',
		to_remove = 0,
		local_synced_at = MAX(COALESCE(local_synced_at, 0), ?),
		updated_at = ?
		WHERE id IN (` + placeholders(len(rowIDs)) + `)`

	if _, err := s.q(tx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: touch %s: %w", table, err)
	}

	return nil
}
