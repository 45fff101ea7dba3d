package web

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskq-worker/internal/events"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func TestHealthz(t *testing.T) {
	tests := map[string]struct {
		err    error
		status int
		body   string
	}{
		"healthy":   {status: http.StatusOK, body: "ok"},
		"unhealthy": {err: errors.New("connection refused"), status: http.StatusServiceUnavailable, body: "unhealthy"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := NewServer(fakePinger{err: tt.err}, "", nil)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			if w.Body.String() != tt.body {
				t.Fatalf("expected body %q, got %q", tt.body, w.Body.String())
			}
		})
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	s := NewServer(fakePinger{}, "", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(fakePinger{}, "", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatal("expected default go collector output")
	}
}

func TestEventsNotConfigured(t *testing.T) {
	s := NewServer(fakePinger{}, "", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestEventsBadFilter(t *testing.T) {
	s := NewServer(fakePinger{}, "", events.NewBroker(10))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events?type=nope", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEventsStreamReplaysAndFilters(t *testing.T) {
	broker := events.NewBroker(10)
	broker.Publish(events.Event{Type: events.TypeClaimed, TaskID: "a", WorkerID: "w1"})
	broker.Publish(events.Event{Type: events.TypeClaimed, TaskID: "b", WorkerID: "w2"})

	srv := httptest.NewServer(NewServer(fakePinger{}, "", broker).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?worker_id=w1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	broker.Publish(events.Event{Type: events.TypeCompleted, TaskID: "c", WorkerID: "w1"})

	scanner := bufio.NewScanner(resp.Body)
	var data []string
	for scanner.Scan() && len(data) < 2 {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = append(data, line)
		}
	}
	if len(data) != 2 {
		t.Fatalf("expected 2 events, got %v", data)
	}
	if !strings.Contains(data[0], `"task_id":"a"`) || !strings.Contains(data[1], `"task_id":"c"`) {
		t.Fatalf("unexpected events: %v", data)
	}
}
