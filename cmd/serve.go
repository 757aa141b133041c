package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP service",
		Long: `Serves the pipeline stages under /functions/{stage}, job inspection under
/v1/jobs, and the health and metrics probes. When scheduler.enabled is set, the
stage pointer poller runs alongside the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for in-flight requests and background tasks")
	return cmd
}

func runServe(cmd *cobra.Command, shutdownTimeout time.Duration) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	port := cfg.Server.Port
	if raw := os.Getenv("PORT"); raw != "" {
		if port, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler.Enabled {
		go func() {
			logger.Info("scheduler started", zap.Int("interval_seconds", cfg.Scheduler.IntervalSeconds))
			if err := appInstance.Scheduler().Run(ctx); err != nil {
				logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           appInstance.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := appInstance.Supervisor().Wait(shutdownCtx); err != nil {
		logger.Warn("background tasks still running at shutdown", zap.Int64("running", appInstance.Supervisor().Running()), zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
