package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/cogtrace/internal/checkpoint"
	"github.com/lamim/cogtrace/internal/config"
	"github.com/lamim/cogtrace/internal/dataset"
	"github.com/lamim/cogtrace/internal/job"
	"github.com/lamim/cogtrace/internal/resolution"
	"github.com/lamim/cogtrace/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the annotation engine HTTP server",
		Long: `Start the REST API: job submission, status polling, stop/resume,
session resolution, exports, and Prometheus metrics.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	loadEnv()
	logger := newLogger()

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.HasUsableProvider(secrets) {
		logger.Warn("No provider API keys loaded; only keyless endpoints will work")
	}

	manager, cleanup, err := buildManager(cfg, secrets, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := server.New(cfg, manager, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", cfg.Server.ListenAddr, "data_dir", cfg.Server.DataDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		// stop the HTTP surface first so no new jobs arrive, then let
		// running jobs checkpoint at the next session boundary
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", "error", err)
		}
		manager.Shutdown()
		return nil
	})

	return g.Wait()
}

// buildManager wires the production stores and pipeline under the data dir.
func buildManager(cfg *config.Config, secrets *config.Secrets, logger *slog.Logger) (*job.Manager, func(), error) {
	checkpoints, err := checkpoint.NewStore(filepath.Join(cfg.Server.DataDir, "checkpoints"), logger)
	if err != nil {
		return nil, nil, err
	}
	resolutions, err := resolution.Open(filepath.Join(cfg.Server.DataDir, "resolutions.db"), logger)
	if err != nil {
		return nil, nil, err
	}
	datasets := dataset.NewFileStore(filepath.Join(cfg.Server.DataDir, "datasets"), logger)
	factory := job.DefaultClassifierFactory(cfg, secrets, logger)
	manager := job.NewManager(cfg, datasets, checkpoints, resolutions,
		filepath.Join(cfg.Server.DataDir, "jobs"), factory, logger)

	cleanup := func() {
		if err := resolutions.Close(); err != nil {
			logger.Warn("Failed to close resolution store", "error", err)
		}
	}
	return manager, cleanup, nil
}
