package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/covid-state-etl/internal/adapter/httpadapter"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON API and refresh tables on an interval",
	RunE:  runWithApp(runServe),
}

func runServe(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	logger := a.logger
	srv := httpadapter.NewServer(a.cfg.HTTPAddr, a.refresher, httpadapter.API{
		Reporter: a.reporter,
		States:   a.db,
		Runs:     a.refresher,
	}, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start refresh loop.
	loopDone := startLoop(ctx, func(ctx context.Context) {
		if err := a.refresher.Loop(ctx, a.cfg.RefreshInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("refresh loop error", "error", err)
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	// The deferred app.Close must not race a reload or publish in flight.
	if err := awaitLoop(shutdownCtx, loopDone); err != nil {
		logger.Error("refresh loop shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// startLoop runs fn in its own goroutine. The returned channel is closed
// once fn returns.
func startLoop(ctx context.Context, fn func(context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return done
}

// awaitLoop blocks until done is closed or ctx expires.
func awaitLoop(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("refresh loop still running: %w", ctx.Err())
	}
}
