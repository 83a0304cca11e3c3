package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task kinds understood by the queue worker.
const (
	TaskCascadeFull    = "cascade_full"
	TaskCascadeKind    = "cascade_kind"
	TaskCascadeProject = "cascade_project"
	TaskHousekeeping   = "housekeeping"
)

// Task is one durable unit of work. Tasks are claimed with a lease;
// a worker that dies mid-task loses the lease and the task is re-claimed,
// giving at-least-once delivery. The cascade's idempotence makes duplicate
// execution safe.
type Task struct {
	ID       int64
	Kind     string
	Payload  json.RawMessage
	State    string
	Attempts int
}

// maxTaskAttempts is the redelivery budget before a task is parked failed.
const maxTaskAttempts = 5

// EnqueueTask appends a task. notBefore delays visibility (zero = now).
// Duplicate queued tasks with the same kind and payload are collapsed.
func (s *Store) EnqueueTask(ctx context.Context, kind string, payload any, notBefore, now time.Time) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("store: encoding task payload: %w", err)
	}

	var nb int64
	if !notBefore.IsZero() {
		nb = notBefore.UnixNano()
	}

	// Collapse duplicates: a queued task for the same work makes a second
	// enqueue a no-op (the sweep is idempotent anyway; this just avoids
	// queue bloat from impatient API callers).
	var existing int64

	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM sync_tasks WHERE state = 'queued' AND kind = ? AND payload = ?`,
		kind, string(body)).Scan(&existing)
	if err == nil {
		return existing, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: dedup check: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_tasks (kind, payload, state, not_before, created_at, updated_at)
		VALUES (?, ?, 'queued', ?, ?, ?)`,
		kind, string(body), nb, now.UnixNano(), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: enqueue task: %w", err)
	}

	id, _ := res.LastInsertId()

	return id, nil
}

// ClaimTask leases the oldest ready task for the given duration. Returns
// nil when nothing is ready. Expired leases count as ready again.
func (s *Store) ClaimTask(ctx context.Context, lease time.Duration, now time.Time) (*Task, error) {
	nowN := now.UnixNano()

	row := s.db.QueryRowContext(ctx, `
		UPDATE sync_tasks SET
			state = 'leased',
			attempts = attempts + 1,
			leased_until = ?,
			updated_at = ?
		WHERE id = (
			SELECT id FROM sync_tasks
			WHERE not_before <= ?
			  AND (state = 'queued' OR (state = 'leased' AND leased_until < ?))
			ORDER BY id
			LIMIT 1
		)
		RETURNING id, kind, payload, state, attempts`,
		now.Add(lease).UnixNano(), nowN, nowN, nowN)

	var (
		t       Task
		payload string
	)

	err := row.Scan(&t.ID, &t.Kind, &payload, &t.State, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: claim task: %w", err)
	}

	t.Payload = json.RawMessage(payload)

	return &t, nil
}

// CompleteTask marks a leased task done.
func (s *Store) CompleteTask(ctx context.Context, taskID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET state = 'done', leased_until = NULL, updated_at = ? WHERE id = ?`,
		now.UnixNano(), taskID)
	if err != nil {
		return fmt.Errorf("store: complete task %d: %w", taskID, err)
	}

	return nil
}

// RetryTask returns a failed execution to the queue with a redelivery
// delay, or parks it failed once the attempt budget is spent.
func (s *Store) RetryTask(ctx context.Context, taskID int64, attempts int, delay time.Duration, lastError string, now time.Time) error {
	state := "queued"
	if attempts >= maxTaskAttempts {
		state = "failed"
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_tasks SET
			state = ?, leased_until = NULL, not_before = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		state, now.Add(delay).UnixNano(), lastError, now.UnixNano(), taskID)
	if err != nil {
		return fmt.Errorf("store: retry task %d: %w", taskID, err)
	}

	return nil
}

// QueueDepth reports queued plus leased task counts, for health sweeps.
func (s *Store) QueueDepth(ctx context.Context) (queued, leased int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN state = 'queued' THEN 1 END),
			COUNT(CASE WHEN state = 'leased' THEN 1 END)
		FROM sync_tasks`).Scan(&queued, &leased)
	if err != nil {
		return 0, 0, fmt.Errorf("store: queue depth: %w", err)
	}

	return queued, leased, nil
}
