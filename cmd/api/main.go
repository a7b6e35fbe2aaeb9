package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"openclip-auth/app"
	"openclip-auth/internal/maintenance"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "auth api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rt, err := app.Build(app.Options{LoadDotEnv: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger := rt.Logger

	var scheduler *maintenance.Scheduler
	if rt.Config.ScheduledCleanup() {
		scheduler, err = maintenance.NewScheduler(rt.Cleaner, rt.Config.Cleanup.Schedule, logger)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              ":" + rt.Config.Port,
		Handler:           rt.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("server_start", map[string]any{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("server_shutdown", map[string]any{})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if scheduler != nil {
		group.Go(func() error {
			return scheduler.Run(ctx)
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("server_failed", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}
