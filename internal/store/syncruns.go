package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halwerk/cadsync/internal/upstream"
)

// RunState is the lifecycle of one orchestrated run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunDone      RunState = "done"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// AttemptState is the lifecycle of one per-parent sweep within a run.
type AttemptState string

const (
	AttemptRunning AttemptState = "running"
	AttemptDone    AttemptState = "done"
	AttemptFailed  AttemptState = "failed"
	AttemptSkipped AttemptState = "skipped"
)

// SyncRun is the audit record for one orchestrated execution.
type SyncRun struct {
	ID        string
	Kind      Kind
	State     RunState
	Counters  Counters
	ErrorText string
	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time
}

// SyncAttempt is the audit record for one per-parent sweep.
type SyncAttempt struct {
	ID            int64
	RunID         string
	Kind          Kind
	Target        string
	State         AttemptState
	Counters      Counters
	ErrorCategory upstream.Category
	ErrorMessage  string
	StartedAt     time.Time
	EndedAt       time.Time
}

// CreateRun inserts a queued run and returns its id.
func (s *Store) CreateRun(ctx context.Context, kind Kind, now time.Time) (string, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, kind, state, created_at) VALUES (?, ?, 'queued', ?)`,
		id, kind, now.UnixNano())
	if err != nil {
		return "", fmt.Errorf("store: create run: %w", err)
	}

	return id, nil
}

// StartRun transitions queued -> running.
func (s *Store) StartRun(ctx context.Context, runID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET state = 'running', started_at = ? WHERE id = ?`,
		now.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("store: start run %s: %w", runID, err)
	}

	return nil
}

// FinishRun records the terminal state and aggregate counters. Runs inside
// the caller's transaction when tx is non-nil so the final attempt write
// and the run update commit together.
func (s *Store) FinishRun(ctx context.Context, tx *sql.Tx, runID string, state RunState, c Counters, errorText string, now time.Time) error {
	var errText *string
	if errorText != "" {
		errText = &errorText
	}

	_, err := s.q(tx).ExecContext(ctx, `
		UPDATE sync_runs SET
			state = ?, created = ?, updated = ?, deleted = ?, unchanged = ?,
			skipped = ?, errors = ?, error_text = ?, ended_at = ?
		WHERE id = ?`,
		state, c.Created, c.Updated, c.Deleted, c.Unchanged,
		c.Skipped, c.Errors, errText, now.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("store: finish run %s: %w", runID, err)
	}

	return nil
}

// RecordAttempt inserts a finished attempt row. The orchestrator calls it
// with tx == nil, outside the sweep's transaction, so a rolled-back sweep
// still leaves its audit trail.
func (s *Store) RecordAttempt(ctx context.Context, tx *sql.Tx, a SyncAttempt) error {
	var (
		category *string
		message  *string
		ended    *int64
	)

	if a.ErrorCategory != "" {
		cat := string(a.ErrorCategory)
		category = &cat
	}

	if a.ErrorMessage != "" {
		message = &a.ErrorMessage
	}

	if !a.EndedAt.IsZero() {
		ended = timeToNanos(a.EndedAt)
	}

	_, err := s.q(tx).ExecContext(ctx, `
		INSERT INTO sync_attempts
			(run_id, kind, target, state, created, updated, deleted, unchanged,
			 error_category, error_message, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Kind, a.Target, a.State,
		a.Counters.Created, a.Counters.Updated, a.Counters.Deleted, a.Counters.Unchanged,
		category, message, a.StartedAt.UnixNano(), ended)
	if err != nil {
		return fmt.Errorf("store: record attempt: %w", err)
	}

	return nil
}

// GetRun returns a run with all its attempts, or nil when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*SyncRun, []SyncAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, state, created, updated, deleted, unchanged, skipped, errors,
		       error_text, started_at, ended_at, created_at
		FROM sync_runs WHERE id = ?`, runID)

	var (
		run              SyncRun
		errText          *string
		started, ended   *int64
		createdAt        int64
	)

	err := row.Scan(&run.ID, &run.Kind, &run.State,
		&run.Counters.Created, &run.Counters.Updated, &run.Counters.Deleted,
		&run.Counters.Unchanged, &run.Counters.Skipped, &run.Counters.Errors,
		&errText, &started, &ended, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}

	if err != nil {
		return nil, nil, fmt.Errorf("store: get run %s: %w", runID, err)
	}

	if errText != nil {
		run.ErrorText = *errText
	}

	run.StartedAt = nanosToTime(started)
	run.EndedAt = nanosToTime(ended)
	run.CreatedAt = time.Unix(0, createdAt).UTC()

	attempts, err := s.listAttempts(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	return &run, attempts, nil
}

func (s *Store) listAttempts(ctx context.Context, runID string) ([]SyncAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, target, state, created, updated, deleted, unchanged,
		       error_category, error_message, started_at, ended_at
		FROM sync_attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts: %w", err)
	}
	defer rows.Close()

	var result []SyncAttempt

	for rows.Next() {
		var (
			a                 SyncAttempt
			category, message *string
			started           int64
			ended             *int64
		)

		err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Target, &a.State,
			&a.Counters.Created, &a.Counters.Updated, &a.Counters.Deleted, &a.Counters.Unchanged,
			&category, &message, &started, &ended)
		if err != nil {
			return nil, fmt.Errorf("store: scanning attempt: %w", err)
		}

		if category != nil {
			a.ErrorCategory = upstream.Category(*category)
		}

		if message != nil {
			a.ErrorMessage = *message
		}

		a.StartedAt = time.Unix(0, started).UTC()
		a.EndedAt = nanosToTime(ended)

		result = append(result, a)
	}

	return result, rows.Err()
}

// ListRecentRuns returns the newest runs for status reporting.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, state, created, updated, deleted, unchanged, skipped, errors,
		       error_text, started_at, ended_at, created_at
		FROM sync_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent runs: %w", err)
	}
	defer rows.Close()

	var result []SyncRun

	for rows.Next() {
		var (
			run            SyncRun
			errText        *string
			started, ended *int64
			createdAt      int64
		)

		err := rows.Scan(&run.ID, &run.Kind, &run.State,
			&run.Counters.Created, &run.Counters.Updated, &run.Counters.Deleted,
			&run.Counters.Unchanged, &run.Counters.Skipped, &run.Counters.Errors,
			&errText, &started, &ended, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: scanning run: %w", err)
		}

		if errText != nil {
			run.ErrorText = *errText
		}

		run.StartedAt = nanosToTime(started)
		run.EndedAt = nanosToTime(ended)
		run.CreatedAt = time.Unix(0, createdAt).UTC()

		result = append(result, run)
	}

	return result, rows.Err()
}

// PruneHistory deletes terminal runs (attempts cascade) and terminal tasks
// older than the cutoff. The error-log housekeeping task calls this.
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixNano()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_runs
		WHERE state IN ('done', 'failed', 'cancelled') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: %w", err)
	}

	runs, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM sync_tasks
		WHERE state IN ('done', 'failed') AND updated_at < ?`, cutoff)
	if err != nil {
		return int(runs), fmt.Errorf("store: prune tasks: %w", err)
	}

	tasks, _ := res.RowsAffected()

	return int(runs + tasks), nil
}
