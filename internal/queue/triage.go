package queue

import (
	"context"
	"time"

	"taskq-worker/internal/models"
)

type TaskSummary struct {
	TaskID     string
	Status     models.TaskStatus
	Result     *string
	LeasedBy   *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// ListTasks returns up to limit tasks in status, or in any status when status
// is empty, ordered by identifier. A limit of zero or less defaults to 50.
func (s *Service) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]TaskSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	tasks, err := s.store.List(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskSummary{
			TaskID:     t.ID,
			Status:     t.Status,
			Result:     t.Result,
			LeasedBy:   t.LeasedBy,
			StartedAt:  t.StartedAt,
			FinishedAt: t.FinishedAt,
		})
	}
	return out, nil
}
