package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taskq-worker/internal/models"
	"taskq-worker/internal/store"
	"taskq-worker/internal/store/memory"
)

func newTestServer(t *testing.T, st store.Store) http.Handler {
	t.Helper()
	srv := NewServer(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	w := do(t, newTestServer(t, memory.New()), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["status"] != "ok" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestCreateAndGetTask(t *testing.T) {
	st := memory.New()
	h := newTestServer(t, st)

	w := do(t, h, http.MethodPost, "/tasks", `{"text": "hello"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	if created["status"] != "queued" || created["text"] != "hello" {
		t.Fatalf("unexpected create response: %v", created)
	}
	id, _ := created["task_id"].(string)
	if id == "" {
		t.Fatal("expected task_id")
	}

	w = do(t, h, http.MethodGet, "/tasks/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decode(t, w)
	if got["task_id"] != id || got["status"] != "queued" || got["text"] != "hello" {
		t.Fatalf("unexpected task: %v", got)
	}
	if result, ok := got["result"]; !ok || result != nil {
		t.Fatalf("expected null result, got %v", got["result"])
	}
}

func TestGetTaskShowsResult(t *testing.T) {
	st := memory.New()
	task, _ := models.NewTask("t-1", "hello")
	if err := st.Insert(context.Background(), task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tx, _ := st.Begin(context.Background())
	if _, err := tx.ClaimOneQueued(context.Background()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tx.MarkRunning(context.Background(), "t-1", "w1", nil); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	result := "len=5; upper=HELLO"
	if err := st.MarkTerminal(context.Background(), "t-1", "w1", models.StatusDone, &result); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	got := decode(t, do(t, newTestServer(t, st), http.MethodGet, "/tasks/t-1", ""))
	if got["status"] != "done" || got["result"] != result {
		t.Fatalf("unexpected task: %v", got)
	}
}

func TestCreateTaskRejectsInvalidText(t *testing.T) {
	tests := map[string]string{
		"missing":     `{}`,
		"empty":       `{"text": ""}`,
		"null":        `{"text": null}`,
		"number":      `{"text": 42}`,
		"object":      `{"text": {"a": 1}}`,
		"invalid":     `{"text": `,
		"empty body":  ``,
		"wrong field": `{"body": "hello"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			st := memory.New()
			w := do(t, newTestServer(t, st), http.MethodPost, "/tasks", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if decode(t, w)["detail"] != detailInvalidText {
				t.Fatalf("unexpected body: %s", w.Body.String())
			}
			counts, err := st.Counts(context.Background())
			if err != nil {
				t.Fatalf("counts: %v", err)
			}
			for status, n := range counts {
				if n != 0 {
					t.Fatalf("expected no rows, got %d %s", n, status)
				}
			}
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	w := do(t, newTestServer(t, memory.New()), http.MethodGet, "/tasks/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if decode(t, w)["detail"] != detailNotFound {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) Insert(ctx context.Context, task *models.Task) error {
	return errors.New("password=hunter2 connection reset")
}

func (brokenStore) Get(ctx context.Context, id string) (*models.Task, error) {
	return nil, errors.New("connection reset")
}

func (brokenStore) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

func TestStoreErrorsReturn500(t *testing.T) {
	h := newTestServer(t, brokenStore{memory.New()})

	w := do(t, h, http.MethodPost, "/tasks", `{"text": "hello"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Fatal("driver error leaked into response")
	}

	w = do(t, h, http.MethodGet, "/tasks/x", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestReady(t *testing.T) {
	if w := do(t, newTestServer(t, memory.New()), http.MethodGet, "/ready", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := do(t, newTestServer(t, brokenStore{memory.New()}), http.MethodGet, "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestMetricsOnlyWhenEnabled(t *testing.T) {
	srv := NewServer(memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if w := do(t, srv.Handler(), http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before enabling, got %d", w.Code)
	}
	srv.EnableMetrics()
	if w := do(t, srv.Handler(), http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
