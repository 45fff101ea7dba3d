package models

import (
	"errors"
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusQueued  TaskStatus = "queued"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusFailed  TaskStatus = "failed"
)

var (
	ErrInvalidText       = errors.New("field 'text' is required and must be a string")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStatus     = errors.New("unknown task status")
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []TaskStatus{StatusQueued, StatusRunning, StatusDone, StatusFailed}

// IsTerminal reports whether no further transition can leave s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a worker may move a task from s to next.
// Lease reclaim (running -> queued) is not a worker transition and is
// handled only by the store's reclaim path.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusDone || next == StatusFailed
	default:
		return false
	}
}

func ParseStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", ErrUnknownStatus
	}
	return s, nil
}

type Task struct {
	ID          string     `db:"task_id"`
	Text        string     `db:"text"`
	Status      TaskStatus `db:"status"`
	Result      *string    `db:"result"`
	LeasedBy    *string    `db:"leased_by"`
	LeasedUntil *time.Time `db:"leased_until"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
}

// NewTask returns a queued task with no result.
func NewTask(id, text string) (*Task, error) {
	if text == "" {
		return nil, ErrInvalidText
	}
	return &Task{
		ID:        id,
		Text:      text,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		v := *t.Result
		c.Result = &v
	}
	if t.LeasedBy != nil {
		v := *t.LeasedBy
		c.LeasedBy = &v
	}
	if t.LeasedUntil != nil {
		v := *t.LeasedUntil
		c.LeasedUntil = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}
