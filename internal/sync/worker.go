package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
)

const (
	// taskLease is how long a claimed task stays invisible to other
	// workers. Longer than any plausible sweep, shorter than forever.
	taskLease = 30 * time.Minute

	// idlePoll is the queue polling interval when no task is ready.
	idlePoll = 5 * time.Second

	// DefaultRetention is how long terminal runs and tasks are kept before
	// housekeeping prunes them.
	DefaultRetention = 30 * 24 * time.Hour
)

// QueueWorker consumes the durable task queue with at-least-once semantics:
// the cascade's idempotence makes redelivered tasks safe. Failed executions
// are redelivered with exponential backoff until the attempt budget parks
// them failed.
type QueueWorker struct {
	store     *store.Store
	orch      *Orchestrator
	clock     clockwork.Clock
	logger    *slog.Logger
	retention time.Duration
}

func NewQueueWorker(st *store.Store, orch *Orchestrator, clock clockwork.Clock, retention time.Duration, logger *slog.Logger) *QueueWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	if retention <= 0 {
		retention = DefaultRetention
	}

	return &QueueWorker{
		store:     st,
		orch:      orch,
		clock:     clock,
		logger:    logger,
		retention: retention,
	}
}

// Run claims and executes tasks until ctx is cancelled.
func (w *QueueWorker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started")

	for {
		if ctx.Err() != nil {
			w.logger.Info("queue worker stopped")
			return ctx.Err()
		}

		task, err := w.store.ClaimTask(ctx, taskLease, w.clock.Now())
		if err != nil {
			w.logger.Error("claiming task failed", slog.String("error", err.Error()))
		}

		if task == nil {
			select {
			case <-ctx.Done():
				w.logger.Info("queue worker stopped")
				return ctx.Err()
			case <-w.clock.After(idlePoll):
			}

			continue
		}

		w.runTask(ctx, task)
	}
}

// RunOne claims and executes a single ready task, reporting whether one was
// found. The one-shot CLI sync path uses it to drain the queue.
func (w *QueueWorker) RunOne(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimTask(ctx, taskLease, w.clock.Now())
	if err != nil {
		return false, err
	}

	if task == nil {
		return false, nil
	}

	w.runTask(ctx, task)

	return true, nil
}

func (w *QueueWorker) runTask(ctx context.Context, task *store.Task) {
	w.logger.Info("executing task",
		slog.Int64("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("attempt", task.Attempts))

	err := w.dispatch(ctx, task)

	// Bookkeeping must land even when the task's ctx was cancelled.
	doneCtx := context.WithoutCancel(ctx)

	if err == nil {
		if cErr := w.store.CompleteTask(doneCtx, task.ID, w.clock.Now()); cErr != nil {
			w.logger.Error("completing task failed",
				slog.Int64("task_id", task.ID),
				slog.String("error", cErr.Error()))
		}

		return
	}

	delay := redeliveryDelay(task.Attempts)

	w.logger.Warn("task failed, scheduling redelivery",
		slog.Int64("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("attempt", task.Attempts),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()))

	if rErr := w.store.RetryTask(doneCtx, task.ID, task.Attempts, delay, err.Error(), w.clock.Now()); rErr != nil {
		w.logger.Error("re-queueing task failed",
			slog.Int64("task_id", task.ID),
			slog.String("error", rErr.Error()))
	}
}

func (w *QueueWorker) dispatch(ctx context.Context, task *store.Task) error {
	switch task.Kind {
	case store.TaskCascadeFull:
		_, err := w.orch.Run(ctx, Scope{})
		return err

	case store.TaskCascadeKind:
		var p struct {
			Kind string `json:"kind"`
		}

		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}

		_, err := w.orch.Run(ctx, Scope{Kind: store.Kind(p.Kind)})

		return err

	case store.TaskCascadeProject:
		var p struct {
			ProjectID string `json:"project_id"`
		}

		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}

		id, err := uid.Parse(p.ProjectID)
		if err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}

		_, err = w.orch.Run(ctx, Scope{Project: id})

		return err

	case store.TaskHousekeeping:
		cutoff := w.clock.Now().Add(-w.retention)

		pruned, err := w.store.PruneHistory(ctx, cutoff)
		if err != nil {
			return err
		}

		w.logger.Info("pruned sync history", slog.Int("rows", pruned))

		return w.store.SetLastSync(ctx, store.KindErrorLogCleanup, w.clock.Now())

	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// redeliveryDelay computes the backoff for the nth redelivery attempt using
// the same curve the transport uses (base 1m, doubling, capped at 1h).
func redeliveryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Minute
	bo.Multiplier = 2
	bo.MaxInterval = time.Hour
	bo.RandomizationFactor = 0.25

	var delay time.Duration
	for range attempt {
		delay = bo.NextBackOff()
	}

	if delay <= 0 {
		delay = bo.InitialInterval
	}

	return delay
}
