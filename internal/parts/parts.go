// Package parts drains elevations with fetched parts blobs: each blob is a
// small self-contained SQLite file whose fixed schema yields the enrichment
// columns (frame dimensions, system, glass specs, parts count). The worker
// is hash-gated — a blob whose content already parsed successfully is never
// opened again.
package parts

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
)

// DefaultWorkers bounds concurrent parses. Two is the empirical sweet spot
// for SQLite file locking on the blob files.
const DefaultWorkers = 2

// minPoll floors the polling interval so a misconfigured registry row
// cannot spin the loop.
const minPoll = 5 * time.Second

// maxRetryDelay caps the per-elevation retry backoff.
const maxRetryDelay = time.Hour

// Worker is the parts parser loop. It polls the store for parse-eligible
// elevations on the registry interval and additionally wakes on filesystem
// events under the blob root, so a fresh fetch parses without waiting out
// the poll.
type Worker struct {
	store    *store.Store
	clock    clockwork.Clock
	logger   *slog.Logger
	blobRoot string
	workers  int

	// nextTry paces per-elevation retries with exponential backoff. The
	// store keeps the retry count; the schedule is process-local, so a
	// restart retries immediately, which is fine.
	mu      gosync.Mutex
	nextTry map[uid.ID]time.Time
}

func NewWorker(st *store.Store, blobRoot string, workers int, clock clockwork.Clock, logger *slog.Logger) *Worker {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		store:    st,
		clock:    clock,
		logger:   logger,
		blobRoot: blobRoot,
		workers:  workers,
		nextTry:  make(map[uid.ID]time.Time),
	}
}

// Run loops until ctx is cancelled. Blob-directory writes wake the loop
// early; otherwise it polls on the registry interval.
func (w *Worker) Run(ctx context.Context) error {
	dir := filepath.Join(w.blobRoot, "elevations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	w.logger.Info("parts parser started",
		slog.String("blob_dir", dir),
		slog.Int("workers", w.workers))

	for {
		if _, err := w.RunBatch(ctx); err != nil {
			w.logger.Error("parse batch failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("parts parser stopped")
			return ctx.Err()
		case <-w.clock.After(w.poll(ctx)):
		case <-watcher.Events:
			// The next batch picks up whatever changed; coalesce the burst.
			drainEvents(watcher)
		case err := <-watcher.Errors:
			w.logger.Warn("blob watcher error", slog.String("error", err.Error()))
		}
	}
}

// RunBatch selects one batch of parse-eligible elevations and parses them
// with bounded concurrency. Returns how many elevations were processed.
func (w *Worker) RunBatch(ctx context.Context) (int, error) {
	cfg, err := w.store.GetConfig(ctx, store.KindPartsParser)
	if err != nil {
		return 0, err
	}

	if cfg == nil || !cfg.Enabled {
		return 0, nil
	}

	eligible, err := w.store.ListElevationsForParse(ctx, cfg.BatchSize, cfg.MaxRetries)
	if err != nil {
		return 0, err
	}

	now := w.clock.Now()

	var batch []store.Elevation

	for _, e := range eligible {
		if w.retryAllowed(e.UpstreamID, now) {
			batch = append(batch, e)
		}
	}

	if len(batch) == 0 {
		return 0, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(w.workers)

	for _, e := range batch {
		g.Go(func() error {
			w.parseOne(ctx, e, cfg)
			return nil
		})
	}

	_ = g.Wait()

	return len(batch), ctx.Err()
}

// parseOne handles a single elevation: hash gate, claim, parse, record.
func (w *Worker) parseOne(ctx context.Context, e store.Elevation, cfg *store.ObjectSyncConfig) {
	id := e.UpstreamID
	logger := w.logger.With(slog.String("elevation", id.String()))

	hash, err := hashFile(*e.PartsBlobPath)
	if err != nil {
		// The blob file vanished or is unreadable; burn a retry so a
		// permanently missing file eventually parks failed.
		w.recordFailure(ctx, e, cfg, err)
		return
	}

	claimed, err := w.store.ClaimParse(ctx, id)
	if err != nil {
		logger.Error("claiming parse failed", slog.String("error", err.Error()))
		return
	}

	if !claimed {
		return
	}

	// An unchanged hash means this exact content already parsed
	// successfully once; restore ok without reopening the blob.
	if e.PartsBlobHash != nil && *e.PartsBlobHash == hash {
		if err := w.store.CompleteParse(ctx, id, e.Enrichment, hash); err != nil {
			logger.Error("restoring parse state failed", slog.String("error", err.Error()))
		}

		return
	}

	enr, err := readBlob(ctx, *e.PartsBlobPath)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-parse: hand the claim back without burning a retry.
			_ = w.store.ReleaseParse(context.WithoutCancel(ctx), id)
			return
		}

		w.recordFailure(ctx, e, cfg, err)

		return
	}

	if err := w.store.CompleteParse(ctx, id, enr, hash); err != nil {
		logger.Error("recording parse result failed", slog.String("error", err.Error()))
		return
	}

	w.clearRetry(id)
	logger.Debug("parsed parts blob", slog.String("hash", hash))
}

func (w *Worker) recordFailure(ctx context.Context, e store.Elevation, cfg *store.ObjectSyncConfig, cause error) {
	delay := retryDelay(cfg.RetryDelay, e.ParseRetryCount)

	w.mu.Lock()
	w.nextTry[e.UpstreamID] = w.clock.Now().Add(delay)
	w.mu.Unlock()

	w.logger.Warn("parse failed",
		slog.String("elevation", e.UpstreamID.String()),
		slog.Int("retry", e.ParseRetryCount+1),
		slog.Duration("next_try_in", delay),
		slog.Bool("retriable", !errors.Is(cause, ErrBadBlob)),
		slog.String("error", cause.Error()))

	if err := w.store.FailParse(context.WithoutCancel(ctx), e.UpstreamID, cause.Error()); err != nil {
		w.logger.Error("recording parse failure failed",
			slog.String("elevation", e.UpstreamID.String()),
			slog.String("error", err.Error()))
	}
}

func (w *Worker) retryAllowed(id uid.ID, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, ok := w.nextTry[id]

	return !ok || !now.Before(next)
}

func (w *Worker) clearRetry(id uid.ID) {
	w.mu.Lock()
	delete(w.nextTry, id)
	w.mu.Unlock()
}

// poll returns the loop interval from the registry, floored at minPoll.
func (w *Worker) poll(ctx context.Context) time.Duration {
	cfg, err := w.store.GetConfig(ctx, store.KindPartsParser)
	if err != nil || cfg == nil || cfg.Interval < minPoll {
		return minPoll
	}

	return cfg.Interval
}

// retryDelay doubles the configured base per prior failure, capped at an
// hour.
func retryDelay(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}

	delay := base
	for range failures {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}

	return delay
}

func drainEvents(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-watcher.Events:
		default:
			return
		}
	}
}
