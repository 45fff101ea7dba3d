package executor

import (
	"context"
	"errors"
	"time"
)

// MockExecutor sleeps and then delegates to TextExecutor. It is used for
// load and torture runs.
type MockExecutor struct {
	Sleep time.Duration
	// FailOn makes Execute fail for texts that match exactly.
	FailOn string
}

func NewMockExecutor(sleep time.Duration) *MockExecutor {
	return &MockExecutor{Sleep: sleep}
}

func (m *MockExecutor) Execute(ctx context.Context, text string) (string, error) {
	if m.Sleep > 0 {
		timer := time.NewTimer(m.Sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if m.FailOn != "" && text == m.FailOn {
		return "", errors.New("mock failure")
	}
	return TextExecutor{}.Execute(ctx, text)
}
