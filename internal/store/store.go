// Package store defines the transactional contract workers coordinate
// through. Backends live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"taskq-worker/internal/models"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrDuplicateID = errors.New("duplicate task identifier")
	ErrNoTasks     = errors.New("no tasks available")
	ErrLeaseLost   = errors.New("lease lost or task not running")
	ErrTxDone      = errors.New("transaction already finished")
)

// Tx is a store transaction. A row returned by ClaimOneQueued stays locked
// until Commit or Rollback; Rollback leaves the row queued.
type Tx interface {
	// ClaimOneQueued locks the queued row with the lowest task_id that no
	// other open transaction holds. It never waits on rows locked by others
	// and returns ErrNoTasks when none are available.
	ClaimOneQueued(ctx context.Context) (*models.Task, error)
	// MarkRunning sets the locked row to running. A nil leasedUntil claims
	// the row without a lease.
	MarkRunning(ctx context.Context, id, workerID string, leasedUntil *time.Time) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Store interface {
	Insert(ctx context.Context, task *models.Task) error
	// Get never waits on uncommitted claims.
	Get(ctx context.Context, id string) (*models.Task, error)
	Begin(ctx context.Context) (Tx, error)
	// MarkTerminal moves a running task owned by workerID to done or failed
	// in its own transaction. It returns ErrLeaseLost when the row is not
	// running or is leased to another worker.
	MarkTerminal(ctx context.Context, id, workerID string, status models.TaskStatus, result *string) error
	// Heartbeat extends the lease held by workerID.
	Heartbeat(ctx context.Context, id, workerID string, leasedUntil time.Time) error
	// ReclaimExpired returns running tasks whose lease has expired to
	// queued and reports how many rows moved.
	ReclaimExpired(ctx context.Context) (int64, error)
	Counts(ctx context.Context) (map[models.TaskStatus]int64, error)
	// List returns up to limit tasks with the given status ordered by
	// task_id. An empty status lists every task.
	List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	Ping(ctx context.Context) error
	Close() error
}

// Notifier is implemented by backends that can wake idle workers when new
// tasks are inserted.
type Notifier interface {
	Listen(ctx context.Context, wake chan<- struct{}) error
}
