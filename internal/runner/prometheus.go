package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_tasks_claimed_total",
		Help: "Total number of tasks claimed by this worker",
	})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskq_tasks_completed_total",
		Help: "Total number of tasks moved to a terminal status by this worker",
	}, []string{"status"})

	claimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskq_claim_duration_seconds",
		Help:    "Time taken to run the claim transaction",
		Buckets: prometheus.DefBuckets,
	})

	execDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskq_exec_duration_seconds",
		Help:    "Time taken to execute the task body",
		Buckets: prometheus.DefBuckets,
	})

	queueWaitTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskq_queue_wait_duration_seconds",
		Help:    "Time a task spent queued before it was claimed",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	pollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_poll_errors_total",
		Help: "Claim attempts that failed with a store error",
	})

	leasesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_leases_lost_total",
		Help: "Tasks whose terminal write was fenced because the lease moved",
	})

	tasksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskq_tasks_reclaimed_total",
		Help: "Expired leases returned to queued by this worker's reaper",
	})

	// WorkerMemUsage is set by the process memory logger.
	WorkerMemUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskq_worker_mem_usage_bytes",
		Help: "Current memory usage (RSS) of the worker process in bytes",
	})
)
