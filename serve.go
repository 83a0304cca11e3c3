package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/halwerk/cadsync/internal/alert"
	"github.com/halwerk/cadsync/internal/httpapi"
	"github.com/halwerk/cadsync/internal/parts"
	"github.com/halwerk/cadsync/internal/sync"
	"github.com/halwerk/cadsync/internal/upstream"
)

// Alert throttling for the daemon: repeated staleness or backlog findings
// within the window collapse into one emission.
const (
	alertLimit  = 3
	alertWindow = time.Hour
)

// httpShutdownTimeout bounds how long in-flight API requests may delay exit.
const httpShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and HTTP API",
		Long: `Start the long-running daemon: the sweep scheduler, the task queue
worker, the parts parser, and the downstream HTTP API. Stops cleanly on
SIGINT/SIGTERM; a second signal forces exit.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger()

	// One daemon per data directory. The PID file lives next to the database
	// so two daemons pointed at the same mirror collide on the flock.
	pidPath := filepath.Join(filepath.Dir(cfg.Storage.DatabasePath), "cadsync.pid")

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SeedDefaultConfigs(cmd.Context()); err != nil {
		return err
	}

	client := upstream.NewClient(cfg.Upstream.BaseURL, defaultHTTPClient(), cfg.Upstream.RateLimit, logger)
	pool := sync.NewPool(client, upstream.Credentials{
		Username: cfg.Upstream.Username,
		Password: cfg.Upstream.Password,
	}, cfg.Upstream.PoolSize, logger)

	eval := sync.NewEvaluator(nil)
	orch := sync.NewOrchestrator(st, pool, eval, nil, cfg.Storage.BlobRoot, cfg.Storage.ImageRoot, logger)

	alerter := alert.NewThreshold(alert.NewLogAlerter(logger), alertLimit, alertWindow, nil)
	sched := sync.NewScheduler(st, alerter, nil, cfg.Scheduler.TickDuration(), logger)
	queue := sync.NewQueueWorker(st, orch, nil, cfg.Scheduler.RetentionDuration(), logger)
	parser := parts.NewWorker(st, cfg.Storage.BlobRoot, cfg.Parser.Workers, nil, logger)

	api := httpapi.NewServer(st, eval, logger)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx := shutdownContext(cmd.Context(), logger)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(sched.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(queue.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(parser.Run(ctx)) })

	g.Go(func() error {
		logger.Info("http api listening", "addr", cfg.Server.ListenAddr)

		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()

	// Sessions are logged out best-effort; the daemon is exiting either way.
	logoutCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	pool.Close(logoutCtx)

	logger.Info("daemon stopped")

	return err
}

// ignoreCancel maps the expected shutdown error to a clean exit so only real
// failures propagate out of the errgroup.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
