package web

import (
	"fmt"
	"net/http"
	"strings"

	"taskq-worker/internal/events"
)

var knownEventTypes = map[string]struct{}{
	events.TypeClaimed:   {},
	events.TypeCompleted: {},
	events.TypeFailed:    {},
	events.TypeReclaimed: {},
	events.TypePollError: {},
	events.TypeLeaseLost: {},
}

type eventFilter struct {
	eventType string
	workerID  string
	taskID    string
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	query := r.URL.Query()
	filter := eventFilter{
		eventType: strings.TrimSpace(query.Get("type")),
		workerID:  strings.TrimSpace(query.Get("worker_id")),
		taskID:    strings.TrimSpace(query.Get("task_id")),
	}
	if filter.eventType != "" {
		if _, ok := knownEventTypes[filter.eventType]; !ok {
			return eventFilter{}, fmt.Errorf("invalid type")
		}
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.eventType != "" && event.Type != f.eventType {
		return false
	}
	if f.workerID != "" && event.WorkerID != f.workerID {
		return false
	}
	if f.taskID != "" && event.TaskID != f.taskID {
		return false
	}
	return true
}
