package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskq-worker/internal/events"
	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
)

var ErrNoTasks = store.ErrNoTasks

type Service struct {
	store     store.Store
	lease     time.Duration
	publisher events.Publisher
	now       func() time.Time
}

// NewService builds the claim protocol over st. A zero lease claims tasks
// without a lease, so a crash after commit leaves the task running.
func NewService(st store.Store, lease time.Duration, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{store: st, lease: lease, publisher: publisher, now: time.Now}
}

// Claim locks the lowest queued task, marks it running for workerID and
// commits. It returns ErrNoTasks without mutating anything when no unlocked
// queued task exists. Any failure before commit rolls back and leaves the
// task queued.
func (s *Service) Claim(ctx context.Context, workerID string) (*models.Task, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := tx.ClaimOneQueued(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoTasks) {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return nil, ErrNoTasks
		}
		return nil, err
	}

	var leasedUntil *time.Time
	if s.lease > 0 {
		until := s.now().Add(s.lease)
		leasedUntil = &until
	}
	if err := tx.MarkRunning(ctx, task.ID, workerID, leasedUntil); err != nil {
		return nil, fmt.Errorf("mark %s running: %w", task.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	startedAt := s.now().UTC()
	task.Status = models.StatusRunning
	task.LeasedBy = &workerID
	task.LeasedUntil = leasedUntil
	task.StartedAt = &startedAt

	s.publisher.Publish(events.Event{
		Type:     events.TypeClaimed,
		Message:  "task claimed",
		TaskID:   task.ID,
		WorkerID: workerID,
	})
	return task, nil
}

// CompleteSuccess marks the task done with its result, fenced on workerID.
func (s *Service) CompleteSuccess(ctx context.Context, taskID, workerID, result string) error {
	if err := s.store.MarkTerminal(ctx, taskID, workerID, models.StatusDone, &result); err != nil {
		return err
	}
	s.publisher.Publish(events.Event{
		Type:     events.TypeCompleted,
		Message:  "task done",
		TaskID:   taskID,
		WorkerID: workerID,
	})
	return nil
}

// CompleteFailure marks the task failed with a summary of execErr as its
// result.
func (s *Service) CompleteFailure(ctx context.Context, taskID, workerID string, execErr error) error {
	result := FailureResult(execErr)
	if err := s.store.MarkTerminal(ctx, taskID, workerID, models.StatusFailed, &result); err != nil {
		return err
	}
	s.publisher.Publish(events.Event{
		Level:    "error",
		Type:     events.TypeFailed,
		Message:  result,
		TaskID:   taskID,
		WorkerID: workerID,
	})
	return nil
}

// Heartbeat renews the lease on a task held by workerID.
func (s *Service) Heartbeat(ctx context.Context, taskID, workerID string) error {
	if s.lease <= 0 {
		return nil
	}
	return s.store.Heartbeat(ctx, taskID, workerID, s.now().Add(s.lease))
}

// Reclaim returns tasks with expired leases to queued.
func (s *Service) Reclaim(ctx context.Context) (int64, error) {
	n, err := s.store.ReclaimExpired(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.publisher.Publish(events.Event{
			Level:    "warn",
			Type:     events.TypeReclaimed,
			Message:  fmt.Sprintf("reclaimed %d expired tasks", n),
			Metadata: map[string]string{"count": fmt.Sprint(n)},
		})
	}
	return n, nil
}
