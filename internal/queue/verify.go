package queue

import (
	"context"
	"fmt"

	"taskq-worker/internal/models"
)

// Check is one consistency rule evaluated over every stored task.
type Check struct {
	Name       string
	Violations []string
}

func (c Check) Passed() bool { return len(c.Violations) == 0 }

// Verify scans the store and reports rows that break the lifecycle rules:
// results only on terminal rows, an owner on every claimed row, and no
// running row left behind an expired lease.
func (s *Service) Verify(ctx context.Context) ([]Check, error) {
	tasks, err := s.store.List(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	now := s.now()

	resultOnTerminal := Check{Name: "terminal tasks carry a result"}
	noEarlyResult := Check{Name: "queued and running tasks have no result"}
	owned := Check{Name: "claimed tasks record their worker"}
	noStuck := Check{Name: "no running task holds an expired lease"}
	knownStatus := Check{Name: "every status is known"}

	for _, t := range tasks {
		if !t.Status.Valid() {
			knownStatus.Violations = append(knownStatus.Violations, fmt.Sprintf("%s: %q", t.ID, t.Status))
			continue
		}
		if t.Status.IsTerminal() && t.Result == nil {
			resultOnTerminal.Violations = append(resultOnTerminal.Violations, t.ID)
		}
		if !t.Status.IsTerminal() && t.Result != nil {
			noEarlyResult.Violations = append(noEarlyResult.Violations, t.ID)
		}
		if t.Status != models.StatusQueued && t.LeasedBy == nil {
			owned.Violations = append(owned.Violations, t.ID)
		}
		if t.Status == models.StatusRunning && t.LeasedUntil != nil && t.LeasedUntil.Before(now) {
			noStuck.Violations = append(noStuck.Violations, t.ID)
		}
	}
	return []Check{knownStatus, resultOnTerminal, noEarlyResult, owned, noStuck}, nil
}
