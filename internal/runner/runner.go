package runner

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"taskq-worker/internal/config"
	"taskq-worker/internal/events"
	"taskq-worker/internal/executor"
	"taskq-worker/internal/models"
	"taskq-worker/internal/queue"
	"taskq-worker/internal/store"
)

const completionTimeout = 10 * time.Second

// QueueService is the claim protocol the runner drives.
type QueueService interface {
	Claim(ctx context.Context, workerID string) (*models.Task, error)
	CompleteSuccess(ctx context.Context, taskID, workerID, result string) error
	CompleteFailure(ctx context.Context, taskID, workerID string, execErr error) error
	Heartbeat(ctx context.Context, taskID, workerID string) error
	Reclaim(ctx context.Context) (int64, error)
}

// Runner claims and executes one task at a time. Any number of runners,
// in one process or many, may share a store.
type Runner struct {
	cfg       *config.Config
	queue     QueueService
	executor  executor.Executor
	logger    *slog.Logger
	notifier  store.Notifier
	publisher events.Publisher
	wake      chan struct{}
	wg        sync.WaitGroup
	metrics   Metrics
}

func New(cfg *config.Config, q QueueService, exec executor.Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		queue:     q,
		executor:  exec,
		logger:    logger,
		publisher: events.NoopPublisher{},
		wake:      make(chan struct{}, 1),
	}
}

// SetNotifier makes idle waits end early when n reports new tasks.
func (r *Runner) SetNotifier(n store.Notifier) {
	r.notifier = n
}

func (r *Runner) SetPublisher(p events.Publisher) {
	if p != nil {
		r.publisher = p
	}
}

func (r *Runner) Metrics() *Metrics {
	return &r.metrics
}

// Start runs the worker loop until ctx is done. Store and task errors are
// logged and never end the loop. A task in flight when ctx ends gets
// ShutdownTimeout to finish before its body is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting worker runner",
		"worker_id", r.cfg.WorkerID,
		"poll_interval", r.cfg.PollInterval,
		"lease_duration", r.cfg.LeaseDuration,
	)
	defer r.metrics.Report(r.logger)

	if r.cfg.LeaseDuration > 0 {
		r.goBackground(func() { r.runReaper(ctx) })
	}
	if r.notifier != nil {
		r.goBackground(func() { r.runListener(ctx) })
	}

	// Jitter keeps a fleet started together from polling in lockstep.
	pollJitter := time.Duration(rand.Intn(200)) * time.Millisecond

	for ctx.Err() == nil {
		if r.processNext(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.PollInterval + pollJitter):
		case <-r.wake:
		}
	}

	r.logger.Info("Worker received shutdown signal, waiting for background tasks")
	r.wg.Wait()
	r.logger.Info("Worker stopped")
	return nil
}

func (r *Runner) goBackground(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// processNext runs one claim protocol iteration. It reports whether a task
// was claimed; idle and failed iterations both return false.
func (r *Runner) processNext(ctx context.Context) bool {
	startClaim := time.Now()
	task, err := r.queue.Claim(ctx, r.cfg.WorkerID)
	if err != nil {
		if errors.Is(err, queue.ErrNoTasks) || ctx.Err() != nil {
			return false
		}
		r.metrics.RecordPollError()
		r.logger.Error("Error claiming task", "error", err)
		r.publisher.Publish(events.Event{
			Level:    "error",
			Type:     events.TypePollError,
			Message:  err.Error(),
			WorkerID: r.cfg.WorkerID,
		})
		return false
	}

	var queueWait time.Duration
	if !task.CreatedAt.IsZero() {
		queueWait = time.Since(task.CreatedAt)
	}
	r.metrics.RecordClaim(time.Since(startClaim), queueWait)

	r.executeTask(ctx, task)
	return true
}

func (r *Runner) executeTask(ctx context.Context, task *models.Task) {
	logger := r.logger.With("task_id", task.ID)
	logger.Info("Processing task")

	execCtx, cancelExec := r.executionContext(ctx)
	defer cancelExec()

	if r.cfg.LeaseDuration > 0 {
		hbCtx, hbCancel := context.WithCancel(execCtx)
		defer hbCancel()
		go r.runHeartbeat(hbCtx, task.ID, cancelExec)
	}

	startExec := time.Now()
	result, execErr := r.executor.Execute(execCtx, task.Text)
	elapsed := time.Since(startExec)

	if execErr != nil && ctx.Err() != nil && errors.Is(execErr, context.Canceled) {
		logger.Warn("Task interrupted by shutdown; leaving it running", "error", execErr)
		return
	}

	completionCtx, completionCancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer completionCancel()

	if execErr != nil {
		logger.Warn("Task execution failed", "error", execErr)
		err := r.queue.CompleteFailure(completionCtx, task.ID, r.cfg.WorkerID, execErr)
		if r.handleCompletionError(logger, task.ID, err) {
			r.metrics.RecordFailure(elapsed)
		}
		return
	}

	err := r.queue.CompleteSuccess(completionCtx, task.ID, r.cfg.WorkerID, result)
	if r.handleCompletionError(logger, task.ID, err) {
		logger.Info("Task completed successfully", "duration", elapsed)
		r.metrics.RecordSuccess(elapsed)
	}
}

// handleCompletionError logs a failed terminal write and reports whether
// the write succeeded.
func (r *Runner) handleCompletionError(logger *slog.Logger, taskID string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrLeaseLost) {
		r.metrics.RecordLeaseLost()
		logger.Warn("Lease lost before completion; result discarded")
		r.publisher.Publish(events.Event{
			Level:    "warn",
			Type:     events.TypeLeaseLost,
			Message:  "terminal write fenced",
			TaskID:   taskID,
			WorkerID: r.cfg.WorkerID,
		})
		return false
	}
	logger.Error("Failed to record task outcome", "error", err)
	return false
}

// executionContext outlives ctx by ShutdownTimeout so a running body can
// finish after a shutdown signal.
func (r *Runner) executionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	grace := r.cfg.ShutdownTimeout
	stop := context.AfterFunc(ctx, func() {
		if grace <= 0 {
			cancel()
			return
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-execCtx.Done():
		}
	})
	return execCtx, func() {
		stop()
		cancel()
	}
}

func (r *Runner) runHeartbeat(ctx context.Context, taskID string, onLost context.CancelFunc) {
	interval := r.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.queue.Heartbeat(ctx, taskID, r.cfg.WorkerID)
			if err == nil {
				continue
			}
			if errors.Is(err, store.ErrLeaseLost) {
				r.logger.Warn("Lease lost; cancelling task", "task_id", taskID)
				onLost()
				return
			}
			if ctx.Err() == nil {
				r.logger.Error("Heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

func (r *Runner) runReaper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.queue.Reclaim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("Failed to reclaim expired leases", "error", err)
				}
				continue
			}
			if count > 0 {
				tasksReclaimed.Add(float64(count))
				r.logger.Info("Reclaimed expired leases", "count", count)
				r.signal()
			}
		}
	}
}

// runListener forwards store notifications to the idle wait, reconnecting
// with a capped backoff when the listener fails.
func (r *Runner) runListener(ctx context.Context) {
	const maxBackoff = 30 * time.Second
	backoff := time.Second
	relay := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-relay:
				r.signal()
			}
		}
	}()

	for {
		err := r.notifier.Listen(ctx, relay)
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("Task notification listener stopped; falling back to polling", "error", err, "retry_in", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
