package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedDefaultConfigs_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedDefaultConfigs(ctx))

	configs, err := s.ListConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 6)

	// Operator edits survive a re-seed.
	cfg, err := s.GetConfig(ctx, KindProject)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	cfg.Interval = 15 * time.Minute
	require.NoError(t, s.PutConfig(ctx, *cfg))
	require.NoError(t, s.SeedDefaultConfigs(ctx))

	got, err := s.GetConfig(ctx, KindProject)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, got.Interval)
	assert.Equal(t, []Kind{KindDirectory}, got.DependsOn)
}

func TestGetConfig_Missing(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.GetConfig(context.Background(), Kind("bogus"))
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestPutConfig_RejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedDefaultConfigs(ctx))

	// directory -> elevation closes the loop through the default chain.
	cfg, err := s.GetConfig(ctx, KindDirectory)
	require.NoError(t, err)
	cfg.DependsOn = []Kind{KindElevation}

	err = s.PutConfig(ctx, *cfg)
	require.ErrorIs(t, err, ErrConfigCycle)

	// Registry is unchanged after the rejected write.
	got, err := s.GetConfig(ctx, KindDirectory)
	require.NoError(t, err)
	assert.Empty(t, got.DependsOn)
}

func TestPutConfig_RejectsUnknownDependency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedDefaultConfigs(ctx))

	cfg, err := s.GetConfig(ctx, KindPhase)
	require.NoError(t, err)
	cfg.DependsOn = []Kind{Kind("warehouse")}

	err = s.PutConfig(ctx, *cfg)
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestDependencyOrder_RespectsChainAndEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedDefaultConfigs(ctx))

	order, err := s.DependencyOrder(ctx)
	require.NoError(t, err)

	kinds := make([]Kind, len(order))
	for i, cfg := range order {
		kinds[i] = cfg.ObjectType
	}

	assert.Equal(t, []Kind{KindDirectory, KindProject, KindPhase, KindElevation}, kinds)

	// Disabling a middle kind drops it; dependents still run.
	cfg, err := s.GetConfig(ctx, KindPhase)
	require.NoError(t, err)
	cfg.Enabled = false
	require.NoError(t, s.PutConfig(ctx, *cfg))

	order, err = s.DependencyOrder(ctx)
	require.NoError(t, err)

	kinds = kinds[:0]
	for _, c := range order {
		kinds = append(kinds, c.ObjectType)
	}

	assert.Equal(t, []Kind{KindDirectory, KindProject, KindElevation}, kinds)
}

func TestSetLastSync_StampsBothColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SeedDefaultConfigs(ctx))
	require.NoError(t, s.SetLastAttempt(ctx, KindDirectory, now))

	cfg, err := s.GetConfig(ctx, KindDirectory)
	require.NoError(t, err)
	assert.Equal(t, now, cfg.LastAttempt)
	assert.True(t, cfg.LastSync.IsZero())

	later := now.Add(time.Minute)
	require.NoError(t, s.SetLastSync(ctx, KindDirectory, later))

	cfg, err = s.GetConfig(ctx, KindDirectory)
	require.NoError(t, err)
	assert.Equal(t, later, cfg.LastSync)
	assert.Equal(t, later, cfg.LastAttempt)
}
