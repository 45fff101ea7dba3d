package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultMaxOutput = 1024 * 1024

// limitedBuffer caps the total bytes retained from a stream.
type limitedBuffer struct {
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil // Drop the data but report success to the caller
	}
	if len(p) > left {
		l.Buffer.Write(p[:left])
		return len(p), nil
	}
	return l.Buffer.Write(p)
}

// CommandExecutor runs an external command per task with the text on
// stdin. Trimmed stdout becomes the result.
type CommandExecutor struct {
	Args      []string
	MaxOutput int
}

func NewCommandExecutor(command string) (*CommandExecutor, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("exec command is empty")
	}
	return &CommandExecutor{Args: args, MaxOutput: defaultMaxOutput}, nil
}

func (e *CommandExecutor) Execute(ctx context.Context, text string) (string, error) {
	cmd := exec.Command(e.Args[0], e.Args[1:]...)
	setProcessGroup(cmd)
	cmd.Stdin = strings.NewReader(text)
	stdout := &limitedBuffer{cap: e.MaxOutput}
	stderr := &limitedBuffer{cap: e.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", e.Args[0], err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		return "", ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "no stderr"
			}
			return "", fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}
