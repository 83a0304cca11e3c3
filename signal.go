package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext derives a context that cancels on the first SIGINT or
// SIGTERM, giving the scheduler, queue worker and parser time to drain and
// the run rows time to reach a terminal state. A second signal exits
// immediately for the case where an upstream call refuses to die.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)

		select {
		case sig := <-sigs:
			logger.Info("shutting down, draining workers", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigs:
			logger.Warn("second signal, exiting immediately", "signal", sig.String())
			os.Exit(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
