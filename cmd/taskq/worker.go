package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"taskq-worker/internal/config"
	"taskq-worker/internal/events"
	"taskq-worker/internal/executor"
	"taskq-worker/internal/logging"
	"taskq-worker/internal/metrics"
	"taskq-worker/internal/queue"
	"taskq-worker/internal/runner"
	"taskq-worker/internal/store"
	"taskq-worker/internal/store/backend"
	"taskq-worker/internal/web"
)

const eventBufferSize = 200

func init() {
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and execute queued tasks until interrupted",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.Init("worker_id", cfg.WorkerID, cfg.LogLevel)

	ctx, cancel := signalContext()
	defer cancel()
	startMemoryLogger(ctx, logger, memoryLogIntervalFromEnv(logger))

	st, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	exec, err := executor.New(cfg.ExecMode, cfg.ExecSleep, cfg.ExecCommand, cfg.ExecTimeout)
	if err != nil {
		return err
	}

	var broker *events.Broker
	if cfg.MetricsAddr != "" {
		broker = events.NewBroker(eventBufferSize)
		startWorkerServer(ctx, cfg, st, broker, logger)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if broker != nil {
		publisher = broker
	}
	q := queue.NewService(st, cfg.LeaseDuration, publisher)
	r := runner.New(cfg, q, exec, logger)
	r.SetPublisher(publisher)
	if n, ok := st.(store.Notifier); ok && cfg.ListenNotify {
		r.SetNotifier(n)
	}

	logger.Info("Worker configured",
		"store", cfg.StoreBackend,
		"exec_mode", cfg.ExecMode,
		"version", cfg.Version,
	)
	return r.Start(ctx)
}

func startWorkerServer(ctx context.Context, cfg *config.Config, st store.Store, broker *events.Broker, logger *slog.Logger) {
	server := web.NewServer(st, cfg.MetricsAddr, broker)
	go func() {
		logger.Info("Serving health and metrics", "addr", cfg.MetricsAddr)
		if err := server.Start(ctx); err != nil {
			logger.Error("Metrics server error", "error", err)
		}
	}()
	metrics.StartCollector(ctx, st, 5*time.Second, logger)
}
