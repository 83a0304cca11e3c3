package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/upstream"
)

// RunKindFull labels SyncRun rows for unscoped sweeps; scoped runs carry
// the target kind instead.
const RunKindFull = store.Kind("full")

// Orchestrator drives dependency-ordered cascades: it resolves the kind
// order from the config registry, fans sibling-parent sweeps out across the
// session pool, and records a SyncRun with one SyncAttempt per sweep.
type Orchestrator struct {
	store   *store.Store
	pool    *Pool
	clock   clockwork.Clock
	logger  *slog.Logger
	syncers map[store.Kind]EntitySyncer
}

// NewOrchestrator wires the four kind syncers over a shared store, pool and
// evaluator. blobRoot and imageRoot locate fetched artifacts.
func NewOrchestrator(st *store.Store, pool *Pool, eval *Evaluator, clock clockwork.Clock, blobRoot, imageRoot string, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	syncers := []EntitySyncer{
		NewDirectorySyncer(st, eval, clock, logger),
		NewProjectSyncer(st, eval, clock, logger),
		NewPhaseSyncer(st, eval, clock, logger),
		NewElevationSyncer(st, eval, clock, blobRoot, imageRoot, logger),
	}

	byKind := make(map[store.Kind]EntitySyncer, len(syncers))
	for _, s := range syncers {
		byKind[s.Kind()] = s
	}

	return &Orchestrator{
		store:   st,
		pool:    pool,
		clock:   clock,
		logger:  logger,
		syncers: byKind,
	}
}

// Run executes one cascade for the scope and returns the SyncRun id. The
// run is recorded even when it fails; per-parent failures leave the run
// "done" with non-zero error counts, and only a failure of the cascade
// machinery itself (no auth, no DB) marks the run "failed".
func (o *Orchestrator) Run(ctx context.Context, scope Scope) (string, error) {
	runKind := scope.Kind
	if runKind == "" {
		runKind = RunKindFull
	}

	runID, err := o.store.CreateRun(ctx, runKind, o.clock.Now())
	if err != nil {
		return "", err
	}

	if err := o.store.StartRun(ctx, runID, o.clock.Now()); err != nil {
		// Close the row so the run never lingers "queued" forever; the
		// start failure is what the caller needs to see.
		finishCtx := context.WithoutCancel(ctx)
		if finErr := o.store.FinishRun(finishCtx, nil, runID, store.RunFailed,
			store.Counters{}, err.Error(), o.clock.Now()); finErr != nil {
			o.logger.Error("closing unstarted run failed",
				slog.String("run_id", runID),
				slog.String("error", finErr.Error()))
		}

		return runID, err
	}

	total, runErr := o.execute(ctx, runID, scope)

	state := store.RunDone

	var errText string

	switch {
	case ctx.Err() != nil:
		state = store.RunCancelled
		errText = ctx.Err().Error()
	case runErr != nil:
		state = store.RunFailed
		errText = runErr.Error()
	}

	// The run row must reach a terminal state even when ctx is gone.
	finishCtx := context.WithoutCancel(ctx)

	finErr := o.store.WithTx(finishCtx, func(tx *sql.Tx) error {
		return o.store.FinishRun(finishCtx, tx, runID, state, total, errText, o.clock.Now())
	})
	if finErr != nil {
		return runID, finErr
	}

	o.logger.Info("cascade finished",
		slog.String("run_id", runID),
		slog.String("kind", string(runKind)),
		slog.String("state", string(state)),
		slog.Int("created", total.Created),
		slog.Int("updated", total.Updated),
		slog.Int("deleted", total.Deleted),
		slog.Int("unchanged", total.Unchanged),
		slog.Int("errors", total.Errors))

	return runID, runErr
}

// execute walks the kinds in dependency order and sweeps each kind's
// parents with bounded fan-out.
func (o *Orchestrator) execute(ctx context.Context, runID string, scope Scope) (store.Counters, error) {
	var total store.Counters

	order, err := o.store.DependencyOrder(ctx)
	if err != nil {
		return total, fmt.Errorf("resolving dependency order: %w", err)
	}

	for _, cfg := range scopeKinds(order, scope.Kind) {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		syncer, ok := o.syncers[cfg.ObjectType]
		if !ok {
			continue
		}

		if err := o.store.SetLastAttempt(ctx, cfg.ObjectType, o.clock.Now()); err != nil {
			return total, err
		}

		counters, failed, err := o.sweepKind(ctx, runID, syncer, cfg, scope)

		total.Add(counters)

		if err != nil {
			return total, fmt.Errorf("sweeping %s: %w", cfg.ObjectType, err)
		}

		if !failed {
			if err := o.store.SetLastSync(ctx, cfg.ObjectType, o.clock.Now()); err != nil {
				return total, err
			}
		}
	}

	return total, nil
}

// sweepKind sweeps every parent of one kind, fanning out across the session
// pool. Discovered parents (directory tree levels) are processed in
// follow-up waves. Sweep failures are recorded per attempt and do not stop
// siblings; only machinery errors propagate.
func (o *Orchestrator) sweepKind(ctx context.Context, runID string, syncer EntitySyncer, cfg store.ObjectSyncConfig, scope Scope) (store.Counters, bool, error) {
	queue, err := syncer.Parents(ctx, scope)
	if err != nil {
		return store.Counters{}, false, fmt.Errorf("listing parents: %w", err)
	}

	var (
		mu        gosync.Mutex
		total     store.Counters
		anyFailed bool
	)

	for len(queue) > 0 {
		wave := queue
		queue = nil

		g := new(errgroup.Group)
		g.SetLimit(o.pool.Size())

		for _, parent := range wave {
			g.Go(func() error {
				res, failed := o.sweepOne(ctx, runID, syncer, cfg, parent)

				mu.Lock()
				defer mu.Unlock()

				total.Add(res.Counters)
				queue = append(queue, res.Discovered...)

				if failed {
					anyFailed = true
				}

				return nil
			})
		}

		_ = g.Wait()

		if ctx.Err() != nil {
			return total, anyFailed, ctx.Err()
		}
	}

	return total, anyFailed, nil
}

// sweepOne runs a single parent sweep on a pooled session and records its
// SyncAttempt. Reports whether the sweep failed.
func (o *Orchestrator) sweepOne(ctx context.Context, runID string, syncer EntitySyncer, cfg store.ObjectSyncConfig, parent Parent) (Result, bool) {
	started := o.clock.Now()

	attempt := store.SyncAttempt{
		RunID:     runID,
		Kind:      syncer.Kind(),
		Target:    parent.Target,
		StartedAt: started,
	}

	var (
		result Result
		failed bool
	)

	sess, err := o.pool.Acquire(ctx)
	if err == nil {
		result, err = syncer.Sweep(ctx, sess, parent, &cfg)
		o.pool.Release(ctx, sess)
	}

	attempt.EndedAt = o.clock.Now()

	switch {
	case err != nil:
		failed = true
		result.Counters.Errors++
		attempt.State = store.AttemptFailed
		attempt.ErrorCategory = upstream.Categorize(err)
		attempt.ErrorMessage = err.Error()

		o.logger.Warn("sweep failed",
			slog.String("kind", string(syncer.Kind())),
			slog.String("target", parent.Target),
			slog.String("category", string(attempt.ErrorCategory)),
			slog.String("error", err.Error()))
	case result.ParentDeleted:
		attempt.State = store.AttemptSkipped
	default:
		attempt.State = store.AttemptDone
	}

	attempt.Counters = result.Counters

	recordCtx := context.WithoutCancel(ctx)

	if recErr := o.store.RecordAttempt(recordCtx, nil, attempt); recErr != nil {
		o.logger.Error("recording sync attempt failed",
			slog.String("target", parent.Target),
			slog.String("error", recErr.Error()))
	}

	return result, failed
}

// scopeKinds filters the dependency-ordered configs to the target kind and
// its transitive dependencies, so a child kind is never swept against stale
// parents. An empty target keeps everything.
func scopeKinds(order []store.ObjectSyncConfig, target store.Kind) []store.ObjectSyncConfig {
	if target == "" {
		return order
	}

	need := map[store.Kind]bool{target: true}

	// order is topological, so one reverse pass closes the dependency set.
	for i := len(order) - 1; i >= 0; i-- {
		if !need[order[i].ObjectType] {
			continue
		}

		for _, dep := range order[i].DependsOn {
			need[dep] = true
		}
	}

	var kept []store.ObjectSyncConfig

	for _, cfg := range order {
		if need[cfg.ObjectType] {
			kept = append(kept, cfg)
		}
	}

	return kept
}
