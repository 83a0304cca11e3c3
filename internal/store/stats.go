package store

import (
	"context"
	"fmt"
	"time"
)

// kindTables maps entity kinds to their tables for the generic scans.
var kindTables = map[Kind]string{
	KindDirectory: "directories",
	KindProject:   "projects",
	KindPhase:     "phases",
	KindElevation: "elevations",
}

// EntityCounts returns row counts per entity kind.
func (s *Store) EntityCounts(ctx context.Context) (map[Kind]int, error) {
	counts := make(map[Kind]int, len(kindTables))

	for kind, table := range kindTables {
		var n int

		//nolint:gosec // table names come from the fixed map above
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("store: counting %s: %w", table, err)
		}

		counts[kind] = n
	}

	return counts, nil
}

// StaleCounts reports how many rows of a kind are stale against the given
// threshold: never synced, or last synced longer ago than the threshold.
func (s *Store) StaleCounts(ctx context.Context, kind Kind, threshold time.Duration, now time.Time) (stale, total int, err error) {
	table, ok := kindTables[kind]
	if !ok {
		return 0, 0, fmt.Errorf("store: no table for kind %q", kind)
	}

	cutoff := now.Add(-threshold).UnixNano()

	//nolint:gosec // table names come from the fixed map above
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN local_synced_at IS NULL OR local_synced_at < ? THEN 1 END),
			COUNT(*)
		FROM `+table, cutoff).Scan(&stale, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("store: stale counts for %s: %w", table, err)
	}

	return stale, total, nil
}

// ProjectSummary is a project row with child counts, for the listing API.
type ProjectSummary struct {
	Project
	PhaseCount     int
	ElevationCount int
}

// ListProjectSummaries returns all projects with phase and elevation
// counts in one query.
func (s *Store) ListProjectSummaries(ctx context.Context) ([]ProjectSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualify("p", projectColumns)+`,
			(SELECT COUNT(*) FROM phases ph WHERE ph.project_id = p.id),
			(SELECT COUNT(*) FROM elevations e
				JOIN phases ph ON e.phase_id = ph.id
			 WHERE ph.project_id = p.id)
		FROM projects p
		ORDER BY p.name, p.upstream_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list project summaries: %w", err)
	}
	defer rows.Close()

	var result []ProjectSummary

	for rows.Next() {
		var (
			ps      ProjectSummary
			changed *int64
			synced  *int64
		)

		err := rows.Scan(&ps.ID, &ps.UpstreamID, &ps.DirectoryID, &ps.Name, &ps.Customer,
			&ps.OfferNumber, &ps.SyncStatus, &changed, &synced,
			&ps.PhaseCount, &ps.ElevationCount)
		if err != nil {
			return nil, fmt.Errorf("store: scanning project summary: %w", err)
		}

		ps.UpstreamChangedAt = nanosToTime(changed)
		ps.LocalSyncedAt = nanosToTime(synced)

		result = append(result, ps)
	}

	return result, rows.Err()
}

// FailedParseCount reports elevations whose parse retry budget ran out,
// for the health sweep.
func (s *Store) FailedParseCount(ctx context.Context, maxRetries int) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM elevations
		 WHERE parse_status = 'failed' AND parse_retry_count >= ?`, maxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failed parse count: %w", err)
	}

	return n, nil
}
