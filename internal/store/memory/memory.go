// Package memory is a single-process Store for tests and local runs. Row
// locks are emulated with a lock table so skip-locked semantics match the
// SQL backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
)

type Store struct {
	mu     sync.Mutex
	tasks  map[string]*models.Task
	locked map[string]*Tx
	now    func() time.Time
	waiter []chan<- struct{}
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tasks:  make(map[string]*models.Task),
		locked: make(map[string]*Tx),
		now:    time.Now,
	}
}

// SetClock overrides the time source used for lease checks.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Insert(ctx context.Context, task *models.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.tasks[task.ID]; ok {
		s.mu.Unlock()
		return store.ErrDuplicateID
	}
	row := task.Clone()
	row.Status = models.StatusQueued
	row.Result = nil
	s.tasks[row.ID] = row
	waiters := append([]chan<- struct{}(nil), s.waiter...)
	s.mu.Unlock()

	wake(waiters)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return row.Clone(), nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{s: s}, nil
}

func (s *Store) MarkTerminal(ctx context.Context, id, workerID string, status models.TaskStatus, result *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.IsTerminal() {
		return models.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if _, held := s.locked[id]; held || !ownedBy(row, workerID) {
		return store.ErrLeaseLost
	}
	now := s.now().UTC()
	row.Status = status
	if result != nil {
		v := *result
		row.Result = &v
	}
	row.FinishedAt = &now
	row.LeasedUntil = nil
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leasedUntil time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok || !ownedBy(row, workerID) || row.LeasedUntil == nil {
		return store.ErrLeaseLost
	}
	until := leasedUntil.UTC()
	row.LeasedUntil = &until
	return nil
}

func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	now := s.now()
	var n int64
	for id, row := range s.tasks {
		if _, held := s.locked[id]; held {
			continue
		}
		if row.Status != models.StatusRunning || row.LeasedUntil == nil || !row.LeasedUntil.Before(now) {
			continue
		}
		row.Status = models.StatusQueued
		row.LeasedBy = nil
		row.LeasedUntil = nil
		row.StartedAt = nil
		n++
	}
	var waiters []chan<- struct{}
	if n > 0 {
		waiters = append(waiters, s.waiter...)
	}
	s.mu.Unlock()

	wake(waiters)
	return n, nil
}

func (s *Store) Counts(ctx context.Context) (map[models.TaskStatus]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.TaskStatus]int64, len(models.AllStatuses))
	for _, row := range s.tasks {
		counts[row.Status]++
	}
	return counts, nil
}

func (s *Store) List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id, row := range s.tasks {
		if status == "" || row.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id].Clone())
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

// Listen registers ch to receive a non-blocking signal whenever a task is
// inserted or reclaimed, until ctx is done.
func (s *Store) Listen(ctx context.Context, ch chan<- struct{}) error {
	s.mu.Lock()
	s.waiter = append(s.waiter, ch)
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	for i, w := range s.waiter {
		if w == ch {
			s.waiter = append(s.waiter[:i], s.waiter[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return ctx.Err()
}

func wake(waiters []chan<- struct{}) {
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func ownedBy(row *models.Task, workerID string) bool {
	if row.Status != models.StatusRunning {
		return false
	}
	return row.LeasedBy == nil || *row.LeasedBy == workerID
}

// Tx buffers the running transition of the row it locked and applies it on
// Commit.
type Tx struct {
	s       *Store
	lockID  string
	pending *models.Task
	done    bool
}

func (tx *Tx) ClaimOneQueued(ctx context.Context) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.done {
		return nil, store.ErrTxDone
	}

	ids := make([]string, 0, len(s.tasks))
	for id, row := range s.tasks {
		if row.Status != models.StatusQueued {
			continue
		}
		if _, held := s.locked[id]; held {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, store.ErrNoTasks
	}
	sort.Strings(ids)
	id := ids[0]
	s.locked[id] = tx
	tx.lockID = id
	return s.tasks[id].Clone(), nil
}

func (tx *Tx) MarkRunning(ctx context.Context, id, workerID string, leasedUntil *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.done {
		return store.ErrTxDone
	}
	if tx.lockID != id || s.locked[id] != tx {
		return store.ErrLeaseLost
	}
	row := s.tasks[id].Clone()
	if !row.Status.CanTransitionTo(models.StatusRunning) {
		return models.ErrInvalidTransition
	}
	now := s.now().UTC()
	row.Status = models.StatusRunning
	row.StartedAt = &now
	worker := workerID
	row.LeasedBy = &worker
	if leasedUntil != nil {
		until := leasedUntil.UTC()
		row.LeasedUntil = &until
	}
	tx.pending = row
	return nil
}

func (tx *Tx) Commit(ctx context.Context) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	if tx.pending != nil {
		s.tasks[tx.pending.ID] = tx.pending
	}
	tx.release()
	return nil
}

func (tx *Tx) Rollback(ctx context.Context) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	tx.pending = nil
	tx.release()
	return nil
}

// release must be called with s.mu held.
func (tx *Tx) release() {
	if tx.lockID != "" && tx.s.locked[tx.lockID] == tx {
		delete(tx.s.locked, tx.lockID)
	}
	tx.lockID = ""
}
