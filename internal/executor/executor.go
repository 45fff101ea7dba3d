package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrTimeout is returned when a task body exceeds its time budget.
var ErrTimeout = errors.New("task execution timed out")

// Executor runs the task body on the task text and returns its result.
// A returned error fails the task.
type Executor interface {
	Execute(ctx context.Context, text string) (string, error)
}

// TextExecutor is the default body: it reports the character count and the
// upper-cased text.
type TextExecutor struct{}

func (TextExecutor) Execute(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("len=%d; upper=%s", utf8.RuneCountInString(text), strings.ToUpper(text)), nil
}

type timeoutExecutor struct {
	next    Executor
	timeout time.Duration
}

// WithTimeout bounds every Execute call on next to timeout. A non-positive
// timeout returns next unchanged.
func WithTimeout(next Executor, timeout time.Duration) Executor {
	if timeout <= 0 {
		return next
	}
	return &timeoutExecutor{next: next, timeout: timeout}
}

func (e *timeoutExecutor) Execute(ctx context.Context, text string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.next.Execute(execCtx, text)
	if err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}
	return out, err
}

// New returns the executor for mode, bounded by timeout.
func New(mode string, sleep time.Duration, command string, timeout time.Duration) (Executor, error) {
	var exec Executor
	switch mode {
	case "", "text":
		exec = TextExecutor{}
	case "mock":
		exec = NewMockExecutor(sleep)
	case "command":
		cmd, err := NewCommandExecutor(command)
		if err != nil {
			return nil, err
		}
		exec = cmd
	default:
		return nil, fmt.Errorf("unknown exec mode %q", mode)
	}
	return WithTimeout(exec, timeout), nil
}
