package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/halwerk/cadsync/internal/alert"
	"github.com/halwerk/cadsync/internal/store"
)

// DefaultTick is the scheduler's polling interval.
const DefaultTick = 60 * time.Second

// staleAlertRatio is the fraction of stale rows per kind above which the
// health sweep raises an alert.
const staleAlertRatio = 0.5

// Scheduler periodically enqueues due sweeps onto the durable task queue
// and runs the health evaluation. It never executes a sweep itself — the
// queue worker does, so a crash between tick and sweep loses nothing.
type Scheduler struct {
	store   *store.Store
	alerter alert.Alerter
	clock   clockwork.Clock
	logger  *slog.Logger
	tick    time.Duration
}

func NewScheduler(st *store.Store, alerter alert.Alerter, clock clockwork.Clock, tick time.Duration, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	if tick <= 0 {
		tick = DefaultTick
	}

	return &Scheduler{
		store:   st,
		alerter: alerter,
		clock:   clock,
		logger:  logger,
		tick:    tick,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-s.clock.After(s.tick):
		}

		if err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
		}
	}
}

// Tick enqueues one task per due kind and evaluates health. Exported so the
// CLI can force an immediate scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	configs, err := s.store.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	now := s.clock.Now()

	for _, cfg := range configs {
		if !cfg.Enabled || !s.due(cfg, now) {
			continue
		}

		if err := s.enqueue(ctx, cfg, now); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	s.health(ctx, configs, now)

	return nil
}

// due reports whether the kind's interval has elapsed since its last
// successful sweep. Never-synced kinds are always due.
func (s *Scheduler) due(cfg store.ObjectSyncConfig, now time.Time) bool {
	if cfg.Interval <= 0 {
		return false
	}

	if cfg.LastSync.IsZero() {
		return true
	}

	return now.Sub(cfg.LastSync) >= cfg.Interval
}

func (s *Scheduler) enqueue(ctx context.Context, cfg store.ObjectSyncConfig, now time.Time) error {
	switch cfg.ObjectType {
	case store.KindErrorLogCleanup:
		_, err := s.store.EnqueueTask(ctx, store.TaskHousekeeping, nil, time.Time{}, now)
		return err
	case store.KindPartsParser:
		// The parser worker drives its own polling loop; nothing to queue.
		return nil
	default:
		payload := map[string]string{"kind": string(cfg.ObjectType)}

		id, err := s.store.EnqueueTask(ctx, store.TaskCascadeKind, payload, time.Time{}, now)
		if err != nil {
			return err
		}

		s.logger.Debug("enqueued sweep task",
			slog.String("kind", string(cfg.ObjectType)),
			slog.Int64("task_id", id))

		return nil
	}
}

// health samples staleness distribution, parse failures and queue depth,
// emitting alerts when thresholds are crossed.
func (s *Scheduler) health(ctx context.Context, configs []store.ObjectSyncConfig, now time.Time) {
	for _, cfg := range configs {
		if cfg.StalenessThreshold <= 0 {
			continue
		}

		kind := cfg.ObjectType

		switch kind {
		case store.KindDirectory, store.KindProject, store.KindPhase, store.KindElevation:
		default:
			continue
		}

		stale, totalRows, err := s.store.StaleCounts(ctx, kind, cfg.StalenessThreshold, now)
		if err != nil {
			s.logger.Error("health sweep failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
			continue
		}

		if totalRows > 0 && float64(stale)/float64(totalRows) > staleAlertRatio {
			s.alerter.Emit(ctx, alert.Alert{
				Severity: alert.SeverityWarning,
				Kind:     "staleness",
				Message:  "mirror staleness above threshold",
				Fields: map[string]any{
					"entity_kind": string(kind),
					"stale":       stale,
					"total":       totalRows,
				},
			})
		}
	}

	if cfg, err := s.store.GetConfig(ctx, store.KindPartsParser); err == nil && cfg != nil {
		failed, err := s.store.FailedParseCount(ctx, cfg.MaxRetries)
		if err == nil && failed > 0 {
			s.alerter.Emit(ctx, alert.Alert{
				Severity: alert.SeverityWarning,
				Kind:     "parse_failures",
				Message:  "elevations with exhausted parse retries",
				Fields:   map[string]any{"count": failed},
			})
		}
	}

	queued, leased, err := s.store.QueueDepth(ctx)
	if err != nil {
		s.logger.Error("health sweep failed", slog.String("error", err.Error()))
		return
	}

	if queued > queueBacklogLimit {
		s.alerter.Emit(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Kind:     "queue_backlog",
			Message:  "task queue backlog growing",
			Fields:   map[string]any{"queued": queued, "leased": leased},
		})
	}
}

// queueBacklogLimit is the queued-task count above which the health sweep
// alerts; a healthy deployment stays in single digits.
const queueBacklogLimit = 50
