// Package sqlite provides a file-backed Store usable by several worker
// processes on one host. SQLite has no row locks, so a claim is a
// conditional UPDATE ... RETURNING inside an immediate (write-locked)
// transaction: claimants serialize on the database lock and a row already
// moved out of 'queued' can never be returned twice.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	sqlitedrv "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
	sqlitelib "modernc.org/sqlite/lib"

	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
)

const taskColumns = `task_id, text, status, result, leased_by, leased_until, created_at, started_at, finished_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database file at path with WAL journaling, a
// busy timeout and immediate transactions, then runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source used for leases.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id      TEXT PRIMARY KEY,
			result       TEXT,
			status       TEXT NOT NULL,
			text         TEXT NOT NULL,
			leased_by    TEXT,
			leased_until INTEGER,
			created_at   INTEGER NOT NULL DEFAULT 0,
			started_at   INTEGER,
			finished_at  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, task_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, task *models.Task) error {
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, text, status, result, created_at) VALUES (?, ?, 'queued', NULL, ?)`,
		task.ID, task.Text, createdAt.UnixNano(),
	)
	if err != nil {
		if isConstraint(err) {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx, now: s.now}, nil
}

func (s *Store) MarkTerminal(ctx context.Context, id, workerID string, status models.TaskStatus, result *string) error {
	if !status.IsTerminal() {
		return models.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, finished_at = ?, leased_until = NULL
		WHERE task_id = ? AND status = 'running' AND (leased_by IS NULL OR leased_by = ?)`,
		string(status), result, s.now().UnixNano(), id, workerID,
	)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	return requireRow(res)
}

func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leasedUntil time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET leased_until = ?
		WHERE task_id = ? AND leased_by = ? AND status = 'running' AND leased_until IS NOT NULL`,
		leasedUntil.UnixNano(), id, workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'queued', leased_by = NULL, leased_until = NULL, started_at = NULL
		WHERE status = 'running' AND leased_until IS NOT NULL AND leased_until < ?`,
		s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Counts(ctx context.Context) (map[models.TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
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
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE (? = '' OR status = ?)
		ORDER BY task_id
		LIMIT ?`,
		string(status), string(status), limit,
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
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type Tx struct {
	tx      *sql.Tx
	now     func() time.Time
	claimed string
}

// ClaimOneQueued moves the lowest queued row to running with a single
// conditional update. The write is invisible to other connections until
// Commit, and Rollback restores 'queued'. The returned task carries the
// pre-claim status.
func (t *Tx) ClaimOneQueued(ctx context.Context) (*models.Task, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'running'
		WHERE task_id = (
			SELECT task_id FROM tasks WHERE status = 'queued' ORDER BY task_id LIMIT 1
		) AND status = 'queued'
		RETURNING `+taskColumns)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoTasks
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	task.Status = models.StatusQueued
	t.claimed = task.ID
	return task, nil
}

func (t *Tx) MarkRunning(ctx context.Context, id, workerID string, leasedUntil *time.Time) error {
	if id != t.claimed {
		return store.ErrLeaseLost
	}
	var until sql.NullInt64
	if leasedUntil != nil {
		until = sql.NullInt64{Int64: leasedUntil.UnixNano(), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET leased_by = ?, leased_until = ?, started_at = ?
		WHERE task_id = ? AND status = 'running'`,
		workerID, until, t.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return requireRow(res)
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return store.ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

func isConstraint(err error) bool {
	var sErr *sqlitedrv.Error
	if !errors.As(err, &sErr) {
		return false
	}
	code := sErr.Code()
	return code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		t           models.Task
		status      string
		result      sql.NullString
		leasedBy    sql.NullString
		leasedUntil sql.NullInt64
		createdAt   int64
		startedAt   sql.NullInt64
		finishedAt  sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Text, &status, &result, &leasedBy, &leasedUntil, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	t.Result = nullString(result)
	t.LeasedBy = nullString(leasedBy)
	t.LeasedUntil = nullTime(leasedUntil)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.StartedAt = nullTime(startedAt)
	t.FinishedAt = nullTime(finishedAt)
	return &t, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
