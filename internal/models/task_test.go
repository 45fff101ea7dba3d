package models

import (
	"errors"
	"testing"
)

func TestTaskStatusValues(t *testing.T) {
	tests := map[string]struct {
		got  TaskStatus
		want TaskStatus
	}{
		"queued":  {got: StatusQueued, want: "queued"},
		"running": {got: StatusRunning, want: "running"},
		"done":    {got: StatusDone, want: "done"},
		"failed":  {got: StatusFailed, want: "failed"},
	}

	for name, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s: expected %q, got %q", name, tt.want, tt.got)
		}
	}
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusDone, false},
		{StatusQueued, StatusFailed, false},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQueued, false},
		{StatusDone, StatusQueued, false},
		{StatusDone, StatusRunning, false},
		{StatusFailed, StatusQueued, false},
		{StatusFailed, StatusDone, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusDone || s == StatusFailed
		if s.IsTerminal() != want {
			t.Fatalf("%s: expected terminal=%v", s, want)
		}
	}
}

func TestNewTask(t *testing.T) {
	task, err := NewTask("abc", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}
	if task.Result != nil {
		t.Fatalf("expected nil result, got %q", *task.Result)
	}

	if _, err := NewTask("abc", ""); !errors.Is(err, ErrInvalidText) {
		t.Fatalf("expected ErrInvalidText, got %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Running ")
	if err != nil || s != StatusRunning {
		t.Fatalf("expected running, got %q (%v)", s, err)
	}
	if _, err := ParseStatus("waiting"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	result := "r"
	task := &Task{ID: "1", Result: &result}
	c := task.Clone()
	*c.Result = "changed"
	if *task.Result != "r" {
		t.Fatalf("clone shares result pointer")
	}
}
