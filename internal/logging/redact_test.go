package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestShouldRedactKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{key: "text", want: true},
		{key: "Result", want: true},
		{key: "dsn", want: true},
		{key: "authorization", want: true},
		{key: "api_token", want: true},
		{key: "POSTGRES_PASSWORD", want: true},
		{key: "task_id", want: false},
		{key: "worker_id", want: false},
		{key: "status", want: false},
	}

	for _, tt := range tests {
		if got := shouldRedactKey(tt.key); got != tt.want {
			t.Fatalf("expected shouldRedactKey(%q)=%v, got %v", tt.key, tt.want, got)
		}
	}
}

func TestRedactAttrGroups(t *testing.T) {
	attr := slog.Group("task", slog.String("text", "private"), slog.String("task_id", "safe"))
	redacted := redactAttr(attr)

	group := redacted.Value.Group()
	if len(group) != 2 {
		t.Fatalf("expected 2 group attrs, got %d", len(group))
	}

	if group[0].Value.String() != redactedValue {
		t.Fatalf("expected text to be redacted, got %q", group[0].Value.String())
	}
	if group[1].Value.String() != "safe" {
		t.Fatalf("expected task_id to stay, got %q", group[1].Value.String())
	}
}

func TestScrubURLPassword(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{
			in:   "connect postgres://app_user:app_pass@db:5432/appdb failed",
			want: "connect postgres://app_user:xxxxx@db:5432/appdb failed",
			ok:   true,
		},
		{in: "postgres://app_user@db/appdb", want: "postgres://app_user@db/appdb", ok: false},
		{in: "no url here", want: "no url here", ok: false},
	}
	for _, tt := range tests {
		got, ok := scrubURLPassword(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("scrubURLPassword(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLoggerRedactsOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo).With("dsn", "postgres://u:p@h/db")
	logger.Info("claimed",
		"task_id", "t-1",
		"text", "hello",
		"error", errors.New("dial postgres://u:hunter2@h/db: refused"),
	)
	logger.Debug("hidden")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "\n") {
		t.Fatalf("expected debug record to be filtered, got %q", line)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("invalid json log: %v", err)
	}
	if record["dsn"] != redactedValue || record["text"] != redactedValue {
		t.Fatalf("expected sensitive attrs redacted: %v", record)
	}
	if record["task_id"] != "t-1" {
		t.Fatalf("expected task_id to stay, got %v", record["task_id"])
	}
	if strings.Contains(line, "hunter2") {
		t.Fatalf("password leaked through error attr: %s", line)
	}
}
