package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/halwerk/cadsync/internal/uid"
)

const elevationColumns = `id, upstream_id, phase_id, name, width_mm, height_mm,
	image_path, parts_blob_path, parts_blob_hash, has_parts,
	parse_status, parse_retry_count, parse_error,
	parsed_system, parsed_color, parsed_glass, parsed_parts_count,
	parsed_width_mm, parsed_height_mm,
	sync_status, upstream_changed_at, local_synced_at`

func scanElevation(row interface{ Scan(...any) error }) (*Elevation, error) {
	var (
		e       Elevation
		changed *int64
		synced  *int64
	)

	err := row.Scan(&e.ID, &e.UpstreamID, &e.PhaseID, &e.Name, &e.WidthMM, &e.HeightMM,
		&e.ImagePath, &e.PartsBlobPath, &e.PartsBlobHash, &e.HasParts,
		&e.ParseStatus, &e.ParseRetryCount, &e.ParseError,
		&e.Enrichment.System, &e.Enrichment.Color, &e.Enrichment.Glass, &e.Enrichment.PartsCount,
		&e.Enrichment.WidthMM, &e.Enrichment.HeightMM,
		&e.SyncStatus, &changed, &synced)
	if err != nil {
		return nil, err
	}

	e.UpstreamChangedAt = nanosToTime(changed)
	e.LocalSyncedAt = nanosToTime(synced)

	return &e, nil
}

// FindElevationByUpstreamID returns the elevation or nil when absent.
func (s *Store) FindElevationByUpstreamID(ctx context.Context, tx *sql.Tx, id uid.ID) (*Elevation, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT `+elevationColumns+` FROM elevations WHERE upstream_id = ?`, id)

	e, err := scanElevation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: find elevation %s: %w", id, err)
	}

	return e, nil
}

// FindElevationsByUpstreamIDs fetches a batch in one query.
func (s *Store) FindElevationsByUpstreamIDs(ctx context.Context, tx *sql.Tx, ids []uid.ID) (map[uid.ID]*Elevation, error) {
	result := make(map[uid.ID]*Elevation, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT `+elevationColumns+` FROM elevations WHERE upstream_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: batch find elevations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanElevation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning elevation: %w", err)
		}

		result[e.UpstreamID] = e
	}

	return result, rows.Err()
}

// ListElevationsByPhase returns the phase's elevations ordered by upstream id.
func (s *Store) ListElevationsByPhase(ctx context.Context, tx *sql.Tx, phaseID int64) ([]Elevation, error) {
	rows, err := s.q(tx).QueryContext(ctx,
		`SELECT `+elevationColumns+` FROM elevations WHERE phase_id = ? ORDER BY upstream_id`, phaseID)
	if err != nil {
		return nil, fmt.Errorf("store: list elevations: %w", err)
	}
	defer rows.Close()

	var result []Elevation

	for rows.Next() {
		e, err := scanElevation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning elevation: %w", err)
		}

		result = append(result, *e)
	}

	return result, rows.Err()
}

// UpsertElevations inserts or updates a batch in one statement. Only the
// listed metadata columns are written; blob bookkeeping and parsed
// enrichment columns belong to SetElevationBlob and the parse lifecycle.
func (s *Store) UpsertElevations(ctx context.Context, tx *sql.Tx, elevations []Elevation, now time.Time) error {
	if len(elevations) == 0 {
		return nil
	}

	query := `INSERT INTO elevations
		(upstream_id, phase_id, name, width_mm, height_mm, has_parts, sync_status,
		 upstream_changed_at, local_synced_at, created_at, updated_at)
		VALUES `

	var args []any

	for i, e := range elevations {
		if i > 0 {
			query += ", "
		}

		query += "(?, ?, ?, ?, ?, ?, 'new', ?, ?, ?, ?)"
		args = append(args, e.UpstreamID, e.PhaseID, e.Name, e.WidthMM, e.HeightMM, e.HasParts,
			timeToNanos(e.UpstreamChangedAt), now.UnixNano(), now.UnixNano(), now.UnixNano())
	}

	query += ` ON CONFLICT (upstream_id) DO UPDATE SET
		phase_id            = excluded.phase_id,
		name                = excluded.name,
		width_mm            = excluded.width_mm,
		height_mm           = excluded.height_mm,
		has_parts           = excluded.has_parts,
		sync_status         = 'updated',
		to_remove           = 0,
		upstream_changed_at = excluded.upstream_changed_at,
		local_synced_at     = MAX(COALESCE(elevations.local_synced_at, 0), excluded.local_synced_at),
		updated_at          = excluded.updated_at`

	if _, err := s.q(tx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: upsert elevations: %w", err)
	}

	return nil
}

// TouchElevations bumps local_synced_at on fresh rows by local row id.
func (s *Store) TouchElevations(ctx context.Context, tx *sql.Tx, rowIDs []int64, now time.Time) error {
	return s.touch(ctx, tx, "elevations", rowIDs, now)
}

// MarkElevationsToRemove tags the phase's elevations for removal.
func (s *Store) MarkElevationsToRemove(ctx context.Context, tx *sql.Tx, phaseID int64) error {
	if _, err := s.q(tx).ExecContext(ctx,
		`UPDATE elevations SET to_remove = 1 WHERE phase_id = ?`, phaseID); err != nil {
		return fmt.Errorf("store: mark elevations to_remove: %w", err)
	}

	return nil
}

// ClearElevationsToRemove deletes elevations still tagged after the sweep.
func (s *Store) ClearElevationsToRemove(ctx context.Context, tx *sql.Tx, phaseID int64) (int, error) {
	res, err := s.q(tx).ExecContext(ctx,
		`DELETE FROM elevations WHERE phase_id = ? AND to_remove = 1`, phaseID)
	if err != nil {
		return 0, fmt.Errorf("store: clear elevations to_remove: %w", err)
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// SetElevationImage records the stored thumbnail path.
func (s *Store) SetElevationImage(ctx context.Context, tx *sql.Tx, upstreamID uid.ID, imagePath string) error {
	if _, err := s.q(tx).ExecContext(ctx,
		`UPDATE elevations SET image_path = ? WHERE upstream_id = ?`, imagePath, upstreamID); err != nil {
		return fmt.Errorf("store: set elevation image: %w", err)
	}

	return nil
}

// SetElevationBlob records a freshly fetched parts blob. When the file hash
// differs from the hash of the last successful parse, parse_status resets
// to pending and the retry budget restarts; an unchanged hash leaves the
// parse state alone so re-fetches stay idempotent.
func (s *Store) SetElevationBlob(ctx context.Context, tx *sql.Tx, upstreamID uid.ID, blobPath, fileHash string) error {
	_, err := s.q(tx).ExecContext(ctx, `
		UPDATE elevations SET
			parts_blob_path   = ?,
			has_parts         = 1,
			parse_status      = CASE
				WHEN parts_blob_hash IS NOT NULL AND parts_blob_hash = ? THEN parse_status
				ELSE 'pending'
			END,
			parse_retry_count = CASE
				WHEN parts_blob_hash IS NOT NULL AND parts_blob_hash = ? THEN parse_retry_count
				ELSE 0
			END
		WHERE upstream_id = ?`,
		blobPath, fileHash, fileHash, upstreamID)
	if err != nil {
		return fmt.Errorf("store: set elevation blob: %w", err)
	}

	return nil
}

// ListElevationsForParse selects up to limit elevations eligible for
// parsing: pending or failed, retry budget left, blob on disk.
func (s *Store) ListElevationsForParse(ctx context.Context, limit, maxRetries int) ([]Elevation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+elevationColumns+` FROM elevations
		 WHERE parse_status IN ('pending', 'failed')
		   AND parse_retry_count < ?
		   AND parts_blob_path IS NOT NULL
		 ORDER BY upstream_id
		 LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list elevations for parse: %w", err)
	}
	defer rows.Close()

	var result []Elevation

	for rows.Next() {
		e, err := scanElevation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning elevation: %w", err)
		}

		result = append(result, *e)
	}

	return result, rows.Err()
}

// ClaimParse transitions pending/failed -> running. Reports false when the
// row was already claimed by another worker.
func (s *Store) ClaimParse(ctx context.Context, upstreamID uid.ID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE elevations SET parse_status = 'running'
		 WHERE upstream_id = ? AND parse_status IN ('pending', 'failed')`, upstreamID)
	if err != nil {
		return false, fmt.Errorf("store: claim parse %s: %w", upstreamID, err)
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}

// CompleteParse writes the parsed enrichment columns, the new blob hash,
// and parse_status ok, in one transaction-free single statement.
func (s *Store) CompleteParse(ctx context.Context, upstreamID uid.ID, enr Enrichment, fileHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE elevations SET
			parse_status       = 'ok',
			parse_error        = NULL,
			parts_blob_hash    = ?,
			parsed_system      = ?,
			parsed_color       = ?,
			parsed_glass       = ?,
			parsed_parts_count = ?,
			parsed_width_mm    = ?,
			parsed_height_mm   = ?
		WHERE upstream_id = ?`,
		fileHash, enr.System, enr.Color, enr.Glass, enr.PartsCount, enr.WidthMM, enr.HeightMM, upstreamID)
	if err != nil {
		return fmt.Errorf("store: complete parse %s: %w", upstreamID, err)
	}

	return nil
}

// FailParse records a parse failure and burns one retry.
func (s *Store) FailParse(ctx context.Context, upstreamID uid.ID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE elevations SET
			parse_status      = 'failed',
			parse_retry_count = parse_retry_count + 1,
			parse_error       = ?
		 WHERE upstream_id = ?`, reason, upstreamID)
	if err != nil {
		return fmt.Errorf("store: fail parse %s: %w", upstreamID, err)
	}

	return nil
}

// ReleaseParse returns a running claim to pending without burning a retry.
// Used on shutdown and on skip-by-hash.
func (s *Store) ReleaseParse(ctx context.Context, upstreamID uid.ID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE elevations SET parse_status = 'pending'
		 WHERE upstream_id = ? AND parse_status = 'running'`, upstreamID)
	if err != nil {
		return fmt.Errorf("store: release parse %s: %w", upstreamID, err)
	}

	return nil
}
