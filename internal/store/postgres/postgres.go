// Package postgres implements the Store on PostgreSQL. Claims rely on
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never wait on or
// double-claim a row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
)

const (
	// NotifyChannel receives the task id of every inserted or reclaimed task.
	NotifyChannel = "taskq_queued"

	uniqueViolation = "23505"

	taskColumns = `task_id, text, status, result, leased_by, leased_until, created_at, started_at, finished_at`
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		result  TEXT,
		status  TEXT NOT NULL,
		text    TEXT NOT NULL
	)`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS leased_by TEXT`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS leased_until TIMESTAMPTZ`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS started_at TIMESTAMPTZ`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS finished_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_queued ON tasks (task_id) WHERE status = 'queued'`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_leased ON tasks (leased_until) WHERE status = 'running'`,
}

type Store struct {
	pool   *pgxpool.Pool
	notify bool
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Notifier = (*Store)(nil)
)

// New wraps pool. When notify is set every insert issues pg_notify on
// NotifyChannel.
func New(pool *pgxpool.Pool, notify bool) *Store {
	return &Store{pool: pool, notify: notify}
}

// EnsureSchema creates or upgrades the tasks table. It is idempotent and
// accepts the plain four-column layout.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, task *models.Task) error {
	query := `
		WITH inserted AS (
			INSERT INTO tasks (task_id, text, status, result, created_at)
			VALUES ($1, $2, 'queued', NULL, $3)
			RETURNING task_id
		)
		SELECT pg_notify($4, task_id) FROM inserted WHERE $5::bool
	`
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, query, task.ID, task.Text, createdAt, NotifyChannel, s.notify)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) MarkTerminal(ctx context.Context, id, workerID string, status models.TaskStatus, result *string) error {
	if !status.IsTerminal() {
		return models.ErrInvalidTransition
	}
	query := `
		UPDATE tasks
		SET status = $2,
		    result = $3,
		    finished_at = NOW(),
		    leased_until = NULL
		WHERE task_id = $1
		  AND status = 'running'
		  AND (leased_by IS NULL OR leased_by = $4)
	`
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id, string(status), result, workerID)
		if err != nil {
			return fmt.Errorf("mark %s: %w", status, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrLeaseLost
		}
		return nil
	})
}

func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leasedUntil time.Time) error {
	query := `
		UPDATE tasks
		SET leased_until = $3
		WHERE task_id = $1 AND leased_by = $2 AND status = 'running' AND leased_until IS NOT NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, workerID, leasedUntil)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	query := `
		WITH expired AS (
			SELECT task_id FROM tasks
			WHERE status = 'running' AND leased_until < NOW()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks
		SET status = 'queued',
		    leased_by = NULL,
		    leased_until = NULL,
		    started_at = NULL
		FROM expired
		WHERE tasks.task_id = expired.task_id
	`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 && s.notify {
		if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, '')`, NotifyChannel); err != nil {
			return n, fmt.Errorf("notify reclaimed: %w", err)
		}
	}
	return n, nil
}

func (s *Store) Counts(ctx context.Context) (map[models.TaskStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int64, len(models.AllStatuses))
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY task_id
		LIMIT $2`,
		string(status), limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stat reports connection pool usage.
func (s *Store) Stat() *pgxpool.Stat {
	return s.pool.Stat()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Listen holds a dedicated connection subscribed to NotifyChannel and sends
// a non-blocking signal on wake for every notification. It returns when ctx
// is done or the connection fails.
func (s *Store) Listen(ctx context.Context, wake chan<- struct{}) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

type Tx struct {
	tx pgx.Tx
}

func (t *Tx) ClaimOneQueued(ctx context.Context) (*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'queued'
		ORDER BY task_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	task, err := scanTask(t.tx.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoTasks
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	return task, nil
}

func (t *Tx) MarkRunning(ctx context.Context, id, workerID string, leasedUntil *time.Time) error {
	query := `
		UPDATE tasks
		SET status = 'running',
		    leased_by = $2,
		    leased_until = $3,
		    started_at = NOW()
		WHERE task_id = $1 AND status = 'queued'
	`
	tag, err := t.tx.Exec(ctx, query, id, workerID, leasedUntil)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return store.ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var status string
	err := row.Scan(
		&t.ID, &t.Text, &status, &t.Result, &t.LeasedBy, &t.LeasedUntil,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	return &t, nil
}
