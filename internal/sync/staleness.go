// Package sync is the orchestration engine of the mirror: staleness
// evaluation, per-kind entity syncers, the session pool, the cascade
// orchestrator, the scheduler, and the durable-queue worker.
package sync

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/halwerk/cadsync/internal/store"
)

// Evaluator decides whether a mirrored entity needs a resync. One instance
// is shared by all syncers; the clock is injectable for tests.
type Evaluator struct {
	clock clockwork.Clock
}

// NewEvaluator creates an evaluator. A nil clock uses the real one.
func NewEvaluator(clock clockwork.Clock) *Evaluator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Evaluator{clock: clock}
}

// Stale applies the freshness rules in order:
//
//  1. never synced locally -> stale
//  2. upstream reports no change timestamp -> fresh (no basis to compare)
//  3. upstream changed after our last sync -> stale
//  4. last sync older than the kind's staleness threshold -> stale
//
// localSyncedAt and upstreamChangedAt use the zero time for "never".
// A zero threshold disables rule 4.
func (e *Evaluator) Stale(localSyncedAt, upstreamChangedAt time.Time, threshold time.Duration) bool {
	if localSyncedAt.IsZero() {
		return true
	}

	if upstreamChangedAt.IsZero() {
		return false
	}

	if upstreamChangedAt.After(localSyncedAt) {
		return true
	}

	if threshold > 0 && e.clock.Now().Sub(localSyncedAt) > threshold {
		return true
	}

	return false
}

// StaleEntity is Stale applied to a stored row against a fresh upstream
// entry, with the kind's configured threshold.
func (e *Evaluator) StaleEntity(localSyncedAt time.Time, upstreamChangedAt time.Time, cfg *store.ObjectSyncConfig) bool {
	var threshold time.Duration
	if cfg != nil {
		threshold = cfg.StalenessThreshold
	}

	return e.Stale(localSyncedAt, upstreamChangedAt, threshold)
}
