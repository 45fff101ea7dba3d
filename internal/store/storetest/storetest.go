// Package storetest is a contract suite every Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskq-worker/internal/models"
	"taskq-worker/internal/queue"
	"taskq-worker/internal/store"
)

// Options describe backend capabilities the suite adapts to.
type Options struct {
	// SkipLocked is true when a second transaction can claim while another
	// still holds an uncommitted claim. Backends that serialize writers
	// (SQLite) block instead and only run the concurrent variants.
	SkipLocked bool
	// Advance moves the backend clock forward, used for lease expiry.
	// When nil lease expiry tests are skipped.
	Advance func(d time.Duration)
}

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store, opts Options) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("ClaimEmpty", func(t *testing.T) { testClaimEmpty(t, newStore(t)) })
	t.Run("ClaimLowestID", func(t *testing.T) { testClaimLowestID(t, newStore(t)) })
	t.Run("RollbackReleases", func(t *testing.T) { testRollbackReleases(t, newStore(t)) })
	t.Run("CommitHidesRow", func(t *testing.T) { testCommitHidesRow(t, newStore(t)) })
	t.Run("MarkTerminalFencing", func(t *testing.T) { testMarkTerminalFencing(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
	t.Run("RaceOnLastRow", func(t *testing.T) { testRaceOnLastRow(t, newStore) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	if opts.SkipLocked {
		t.Run("SkipLocked", func(t *testing.T) { testSkipLocked(t, newStore(t)) })
	}
	if opts.Advance != nil {
		t.Run("LeaseReclaim", func(t *testing.T) { testLeaseReclaim(t, newStore(t), opts.Advance) })
	}
}

func insert(t *testing.T, s store.Store, id, text string) {
	t.Helper()
	task, err := models.NewTask(id, text)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := s.Insert(context.Background(), task); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func claim(t *testing.T, s store.Store, workerID string, lease *time.Time) *models.Task {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	task, err := tx.ClaimOneQueued(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tx.MarkRunning(ctx, task.ID, workerID, lease); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return task
}

func status(t *testing.T, s store.Store, id string) models.TaskStatus {
	t.Helper()
	task, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task.Status
}

func testInsertAndGet(t *testing.T, s store.Store) {
	insert(t, s, "t-1", "hello")
	task, err := s.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}
	if task.Result != nil {
		t.Fatalf("expected nil result, got %q", *task.Result)
	}
	if task.Text != "hello" {
		t.Fatalf("expected text hello, got %q", task.Text)
	}
}

func testDuplicateID(t *testing.T, s store.Store) {
	insert(t, s, "dup", "a")
	task, _ := models.NewTask("dup", "b")
	if err := s.Insert(context.Background(), task); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	got, err := s.Get(context.Background(), "dup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "a" {
		t.Fatalf("duplicate insert overwrote row: %q", got.Text)
	}
}

func testGetNotFound(t *testing.T, s store.Store) {
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testClaimEmpty(t *testing.T, s store.Store) {
	insert(t, s, "done-1", "x")
	claimed := claim(t, s, "w1", nil)
	result := "r"
	if err := s.MarkTerminal(context.Background(), claimed.ID, "w1", models.StatusDone, &result); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ClaimOneQueued(ctx); !errors.Is(err, store.ErrNoTasks) {
		t.Fatalf("expected ErrNoTasks, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := status(t, s, "done-1"); got != models.StatusDone {
		t.Fatalf("idle claim mutated row: %s", got)
	}
}

func testClaimLowestID(t *testing.T, s store.Store) {
	insert(t, s, "c", "3")
	insert(t, s, "a", "1")
	insert(t, s, "b", "2")

	for _, want := range []string{"a", "b", "c"} {
		got := claim(t, s, "w1", nil)
		if got.ID != want {
			t.Fatalf("expected %s, got %s", want, got.ID)
		}
	}
}

func testRollbackReleases(t *testing.T, s store.Store) {
	insert(t, s, "r-1", "x")
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	task, err := tx.ClaimOneQueued(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tx.MarkRunning(ctx, task.ID, "crashed", nil); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if got := status(t, s, "r-1"); got != models.StatusQueued {
		t.Fatalf("expected queued after rollback, got %s", got)
	}
	again := claim(t, s, "w2", nil)
	if again.ID != "r-1" {
		t.Fatalf("expected to reclaim r-1, got %s", again.ID)
	}
}

func testCommitHidesRow(t *testing.T, s store.Store) {
	insert(t, s, "h-1", "x")
	claimed := claim(t, s, "w1", nil)
	if got := status(t, s, claimed.ID); got != models.StatusRunning {
		t.Fatalf("expected running, got %s", got)
	}
	task, err := s.Get(context.Background(), claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Result != nil {
		t.Fatalf("expected nil result while running")
	}

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.ClaimOneQueued(ctx); !errors.Is(err, store.ErrNoTasks) {
		t.Fatalf("expected committed running row to be invisible, got %v", err)
	}
}

func testMarkTerminalFencing(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert(t, s, "f-1", "x")
	result := "ok"

	if err := s.MarkTerminal(ctx, "f-1", "w1", models.StatusDone, &result); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected queued task to reject terminal update, got %v", err)
	}

	claim(t, s, "w1", nil)
	if err := s.MarkTerminal(ctx, "f-1", "w2", models.StatusDone, &result); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected other worker to be fenced, got %v", err)
	}
	if err := s.MarkTerminal(ctx, "f-1", "w1", models.StatusRunning, nil); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := s.MarkTerminal(ctx, "f-1", "w1", models.StatusDone, &result); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := s.MarkTerminal(ctx, "f-1", "w1", models.StatusFailed, &result); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected terminal task to stay terminal, got %v", err)
	}

	task, err := s.Get(ctx, "f-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.StatusDone || task.Result == nil || *task.Result != "ok" {
		t.Fatalf("unexpected final row: %+v", task)
	}
}

func testSkipLocked(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert(t, s, "only", "x")

	first, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer first.Rollback(ctx)
	if _, err := first.ClaimOneQueued(ctx); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	second, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer second.Rollback(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := second.ClaimOneQueued(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, store.ErrNoTasks) {
			t.Fatalf("expected ErrNoTasks while row is locked, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second claim blocked on a locked row")
	}

	// Read path does not wait on the claim lock either.
	if got := status(t, s, "only"); got != models.StatusQueued {
		t.Fatalf("expected uncommitted claim to be invisible to reads, got %s", got)
	}
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	const (
		workers = 4
		tasks   = 40
	)
	for i := 0; i < tasks; i++ {
		insert(t, s, fmt.Sprintf("task-%03d", i), "x")
	}

	var (
		mu     sync.Mutex
		owners = make(map[string]string)
		wg     sync.WaitGroup
	)
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for {
				tx, err := s.Begin(ctx)
				if err != nil {
					errs <- err
					return
				}
				task, err := tx.ClaimOneQueued(ctx)
				if errors.Is(err, store.ErrNoTasks) {
					_ = tx.Commit(ctx)
					return
				}
				if err != nil {
					_ = tx.Rollback(ctx)
					errs <- err
					return
				}
				if err := tx.MarkRunning(ctx, task.ID, workerID, nil); err != nil {
					_ = tx.Rollback(ctx)
					errs <- err
					return
				}
				if err := tx.Commit(ctx); err != nil {
					errs <- err
					return
				}
				mu.Lock()
				prev, dup := owners[task.ID]
				owners[task.ID] = workerID
				mu.Unlock()
				if dup {
					errs <- fmt.Errorf("task %s claimed by %s and %s", task.ID, prev, workerID)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if len(owners) != tasks {
		t.Fatalf("expected %d claimed tasks, got %d", tasks, len(owners))
	}
}

// testRaceOnLastRow has two workers claim through the queue service while a
// single task is queued: exactly one wins and the other sees no work.
func testRaceOnLastRow(t *testing.T, newStore func(t *testing.T) store.Store) {
	for round := 0; round < 20; round++ {
		s := newStore(t)
		insert(t, s, "last", "x")
		svc := queue.NewService(s, 0, nil)

		var wg sync.WaitGroup
		claimed := make([]*models.Task, 2)
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claimed[i], errs[i] = svc.Claim(context.Background(), fmt.Sprintf("w%d", i))
			}(i)
		}
		wg.Wait()

		var winners, idle int
		for i, err := range errs {
			switch {
			case err == nil:
				winners++
				if claimed[i].ID != "last" {
					t.Fatalf("round %d: claimed unexpected task %s", round, claimed[i].ID)
				}
			case errors.Is(err, queue.ErrNoTasks):
				idle++
			default:
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
		}
		if winners != 1 || idle != 1 {
			t.Fatalf("round %d: expected one claim and one idle, got %d/%d", round, winners, idle)
		}
		if got := status(t, s, "last"); got != models.StatusRunning {
			t.Fatalf("round %d: expected running, got %s", round, got)
		}
	}
}

func testCounts(t *testing.T, s store.Store) {
	insert(t, s, "n-1", "x")
	insert(t, s, "n-2", "x")
	insert(t, s, "n-3", "x")
	claimed := claim(t, s, "w1", nil)
	result := "r"
	if err := s.MarkTerminal(context.Background(), claimed.ID, "w1", models.StatusFailed, &result); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	claim(t, s, "w1", nil)

	counts, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := map[models.TaskStatus]int64{
		models.StatusQueued:  1,
		models.StatusRunning: 1,
		models.StatusFailed:  1,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Fatalf("expected %d %s, got %d (%v)", n, status, counts[status], counts)
		}
	}
	if counts[models.StatusDone] != 0 {
		t.Fatalf("expected no done tasks, got %d", counts[models.StatusDone])
	}
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert(t, s, "b", "x")
	insert(t, s, "a", "x")
	insert(t, s, "c", "x")
	claim(t, s, "w1", nil)

	queued, err := s.List(ctx, models.StatusQueued, 0)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 2 || queued[0].ID != "b" || queued[1].ID != "c" {
		t.Fatalf("unexpected queued list: %v", ids(queued))
	}

	all, err := s.List(ctx, "", 2)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[0].Status != models.StatusRunning {
		t.Fatalf("unexpected limited list: %v", ids(all))
	}
}

func ids(tasks []*models.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func testLeaseReclaim(t *testing.T, s store.Store, advance func(time.Duration)) {
	ctx := context.Background()
	insert(t, s, "l-1", "x")
	insert(t, s, "l-2", "x")

	until := time.Now().Add(time.Minute)
	claim(t, s, "crashed", &until)
	claim(t, s, "unleased", nil)

	if n, err := s.ReclaimExpired(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing to reclaim before expiry, got %d (%v)", n, err)
	}
	if err := s.Heartbeat(ctx, "l-1", "someone-else", until.Add(time.Minute)); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected heartbeat from non-owner to fail, got %v", err)
	}

	advance(2 * time.Minute)
	n, err := s.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed task, got %d", n)
	}
	if got := status(t, s, "l-1"); got != models.StatusQueued {
		t.Fatalf("expected expired lease to return to queued, got %s", got)
	}
	if got := status(t, s, "l-2"); got != models.StatusRunning {
		t.Fatalf("expected unleased claim to stay running, got %s", got)
	}

	result := "late"
	if err := s.MarkTerminal(ctx, "l-1", "crashed", models.StatusDone, &result); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected reclaimed task to fence the old owner, got %v", err)
	}
	again := claim(t, s, "rescuer", nil)
	if again.ID != "l-1" {
		t.Fatalf("expected l-1 to be reclaimable, got %s", again.ID)
	}
}
