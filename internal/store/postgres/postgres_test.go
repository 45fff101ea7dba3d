package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
	"taskq-worker/internal/store/storetest"
)

func openTest(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool, true)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM tasks"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	return s, pool
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := openTest(t)
		return s
	}, storetest.Options{SkipLocked: true})
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	s, _ := openTest(t)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure schema: %v", err)
	}
}

func TestListenReceivesInsert(t *testing.T) {
	s, _ := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := make(chan struct{}, 1)
	go func() { _ = s.Listen(ctx, wake) }()
	// Give LISTEN time to register on its connection.
	time.Sleep(200 * time.Millisecond)

	task, _ := models.NewTask("notify-1", "x")
	if err := s.Insert(context.Background(), task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	select {
	case <-wake:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after insert")
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	s, pool := openTest(t)
	ctx := context.Background()
	task, _ := models.NewTask("expired", "x")
	if err := s.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		UPDATE tasks SET status = 'running', leased_by = 'gone', leased_until = NOW() - INTERVAL '1 minute'
		WHERE task_id = 'expired'`); err != nil {
		t.Fatalf("simulate crash: %v", err)
	}

	n, err := s.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	got, err := s.Get(ctx, "expired")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusQueued || got.LeasedBy != nil {
		t.Fatalf("unexpected row after reclaim: %+v", got)
	}
}
