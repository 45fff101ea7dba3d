package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
)

const (
	defaultInterval = 2 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	tasksGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskq_tasks",
		Help: "Number of tasks by status.",
	}, []string{"status"})
	poolConnsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskq_db_pool_connections",
		Help: "Database pool connections by state.",
	}, []string{"state"})
)

// PoolStater is implemented by stores backed by a pgx pool.
type PoolStater interface {
	Stat() *pgxpool.Stat
}

// StartCollector refreshes the task gauges from st every interval until ctx
// is done.
func StartCollector(ctx context.Context, st store.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collectTaskMetrics(ctx, st); err != nil {
				logWarn(logger, "Queue metrics collection failed", err)
			}
			if ps, ok := st.(PoolStater); ok {
				collectPoolMetrics(ps)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collectTaskMetrics(ctx context.Context, st store.Store) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	counts, err := st.Counts(queryCtx)
	if err != nil {
		return err
	}
	// Every status is set so a drained status reads zero rather than stale.
	for _, status := range models.AllStatuses {
		tasksGauge.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}

func collectPoolMetrics(ps PoolStater) {
	stat := ps.Stat()
	if stat == nil {
		return
	}
	poolConnsGauge.WithLabelValues("acquired").Set(float64(stat.AcquiredConns()))
	poolConnsGauge.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	poolConnsGauge.WithLabelValues("total").Set(float64(stat.TotalConns()))
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
