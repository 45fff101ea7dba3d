package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"taskq-worker/internal/api"
	"taskq-worker/internal/logging"
	"taskq-worker/internal/metrics"
	"taskq-worker/internal/store/backend"
)

var apiMetrics bool

func init() {
	apiCmd.Flags().BoolVar(&apiMetrics, "metrics", true, "Serve /metrics on the API address")
	rootCmd.AddCommand(apiCmd)
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the task submission and lookup API",
	RunE:  runAPI,
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.Init("component", "api", cfg.LogLevel)

	ctx, cancel := signalContext()
	defer cancel()

	st, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := api.NewServer(st, logger)
	if apiMetrics {
		srv.EnableMetrics()
		metrics.StartCollector(ctx, st, 5*time.Second, logger)
	}

	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown error", "error", err)
		}
	}()

	logger.Info("Serving task API", "addr", cfg.APIAddr, "store", cfg.StoreBackend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
