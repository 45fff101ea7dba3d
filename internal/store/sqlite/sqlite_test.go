package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
	"taskq-worker/internal/store/storetest"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	var (
		mu     sync.Mutex
		offset time.Duration
	)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return time.Now().Add(offset)
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s := openTest(t)
		s.SetClock(now)
		return s
	}, storetest.Options{
		Advance: func(d time.Duration) {
			mu.Lock()
			offset += d
			mu.Unlock()
		},
	})
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	task, _ := models.NewTask("persist", "hello")
	if err := s.Insert(context.Background(), task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(context.Background(), "persist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "hello" || got.Status != models.StatusQueued {
		t.Fatalf("unexpected row after reopen: %+v", got)
	}
}

func TestClaimReportsQueuedStatus(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	task, _ := models.NewTask("q-1", "x")
	if err := s.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	claimed, err := tx.ClaimOneQueued(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != models.StatusQueued {
		t.Fatalf("expected claimed row to report queued, got %s", claimed.Status)
	}
	if err := tx.MarkRunning(ctx, "other", "w1", nil); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected marking an unclaimed id to fail, got %v", err)
	}
}
