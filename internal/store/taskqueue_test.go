package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cascadePayload struct {
	ProjectID string `json:"project_id"`
}

func TestTaskQueue_EnqueueClaimComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.EnqueueTask(ctx, TaskCascadeProject, cascadePayload{ProjectID: projID1.String()}, time.Time{}, now)
	require.NoError(t, err)
	require.NotZero(t, id)

	task, err := s.ClaimTask(ctx, 5*time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, TaskCascadeProject, task.Kind)
	assert.Equal(t, 1, task.Attempts)
	assert.JSONEq(t, `{"project_id":"`+projID1.String()+`"}`, string(task.Payload))

	// Leased tasks are invisible until the lease expires.
	second, err := s.ClaimTask(ctx, 5*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, s.CompleteTask(ctx, task.ID, now.Add(time.Minute)))

	third, err := s.ClaimTask(ctx, 5*time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestTaskQueue_DuplicateQueuedCollapses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.EnqueueTask(ctx, TaskCascadeFull, nil, time.Time{}, now)
	require.NoError(t, err)

	second, err := s.EnqueueTask(ctx, TaskCascadeFull, nil, time.Time{}, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	queued, leased, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 0, leased)
}

func TestTaskQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.EnqueueTask(ctx, TaskHousekeeping, nil, time.Time{}, now)
	require.NoError(t, err)

	task, err := s.ClaimTask(ctx, time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, task)

	// Worker died; lease lapses and the task becomes claimable again with a
	// bumped attempt counter.
	reclaimed, err := s.ClaimTask(ctx, time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestTaskQueue_NotBeforeDelaysVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.EnqueueTask(ctx, TaskCascadeKind, map[string]string{"kind": "project"}, now.Add(time.Hour), now)
	require.NoError(t, err)

	early, err := s.ClaimTask(ctx, time.Minute, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, early)

	late, err := s.ClaimTask(ctx, time.Minute, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, late)
}

func TestTaskQueue_RetryBudgetParksFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.EnqueueTask(ctx, TaskCascadeFull, nil, time.Time{}, now)
	require.NoError(t, err)

	clock := now

	for attempt := 1; attempt <= maxTaskAttempts; attempt++ {
		task, err := s.ClaimTask(ctx, time.Minute, clock)
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, task.Attempts)

		require.NoError(t, s.RetryTask(ctx, task.ID, task.Attempts, 0, "upstream unavailable", clock))

		clock = clock.Add(time.Minute)
	}

	// Budget spent: the task is parked failed, never redelivered.
	task, err := s.ClaimTask(ctx, time.Minute, clock.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, task)

	queued, leased, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Zero(t, leased)
}

func TestPruneHistory_RemovesTerminalRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	oldRun, err := s.CreateRun(ctx, KindDirectory, old)
	require.NoError(t, err)
	mustTx(t, s, func(tx *sql.Tx) error {
		return s.FinishRun(ctx, tx, oldRun, RunDone, Counters{}, "", old)
	})

	liveRun, err := s.CreateRun(ctx, KindDirectory, now)
	require.NoError(t, err)

	taskID, err := s.EnqueueTask(ctx, TaskHousekeeping, nil, time.Time{}, old)
	require.NoError(t, err)

	claimed, err := s.ClaimTask(ctx, time.Minute, old)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.CompleteTask(ctx, taskID, old))

	pruned, err := s.PruneHistory(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	gone, _, err := s.GetRun(ctx, oldRun)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, _, err := s.GetRun(ctx, liveRun)
	require.NoError(t, err)
	require.NotNil(t, kept)
}
