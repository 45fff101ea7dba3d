package runner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Metrics is the in-process summary reported when the runner stops. It
// mirrors the prometheus series so load runs can be read without a scraper.
type Metrics struct {
	mu sync.Mutex

	Claimed    int64
	Succeeded  int64
	Failed     int64
	LeasesLost int64
	PollErrors int64

	claimLatencies     latencySamples
	queueWaitLatencies latencySamples
	execLatencies      latencySamples
}

// maxLatencySamples bounds each latency window; percentiles in the report
// cover the most recent samples only.
const maxLatencySamples = 10000

// latencySamples is a ring of the most recent latencies in milliseconds.
type latencySamples struct {
	buf  []int64
	next int
}

func (s *latencySamples) add(ms int64) {
	if len(s.buf) < maxLatencySamples {
		s.buf = append(s.buf, ms)
		return
	}
	s.buf[s.next] = ms
	s.next = (s.next + 1) % maxLatencySamples
}

func (m *Metrics) RecordClaim(latency, queueWait time.Duration) {
	tasksClaimed.Inc()
	claimDuration.Observe(latency.Seconds())
	if queueWait > 0 {
		queueWaitTime.Observe(queueWait.Seconds())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Claimed++
	m.claimLatencies.add(latency.Milliseconds())
	if queueWait > 0 {
		m.queueWaitLatencies.add(queueWait.Milliseconds())
	}
}

func (m *Metrics) RecordSuccess(execTime time.Duration) {
	tasksCompleted.WithLabelValues("done").Inc()
	execDuration.Observe(execTime.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Succeeded++
	m.execLatencies.add(execTime.Milliseconds())
}

func (m *Metrics) RecordFailure(execTime time.Duration) {
	tasksCompleted.WithLabelValues("failed").Inc()
	execDuration.Observe(execTime.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed++
	m.execLatencies.add(execTime.Milliseconds())
}

func (m *Metrics) RecordLeaseLost() {
	leasesLost.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LeasesLost++
}

func (m *Metrics) RecordPollError() {
	pollErrors.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PollErrors++
}

// Snapshot returns the counters without the latency samples.
func (m *Metrics) Snapshot() (claimed, succeeded, failed, leasesLost, pollErrors int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Claimed, m.Succeeded, m.Failed, m.LeasesLost, m.PollErrors
}

// Report logs the summary and, when REPORT_JSON names a file, writes it
// there as JSON.
func (m *Metrics) Report(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := map[string]any{
		"claimed":     m.Claimed,
		"succeeded":   m.Succeeded,
		"failed":      m.Failed,
		"leases_lost": m.LeasesLost,
		"poll_errors": m.PollErrors,
		"latencies_ms": map[string]any{
			"claim":      summarize(m.claimLatencies.buf),
			"queue_wait": summarize(m.queueWaitLatencies.buf),
			"exec":       summarize(m.execLatencies.buf),
		},
	}
	if logger != nil {
		logger.Info("Worker summary",
			"claimed", m.Claimed,
			"succeeded", m.Succeeded,
			"failed", m.Failed,
			"leases_lost", m.LeasesLost,
			"poll_errors", m.PollErrors,
		)
	}

	if path := os.Getenv("REPORT_JSON"); path != "" {
		if err := writeReport(path, report); err != nil && logger != nil {
			logger.Warn("Failed to write report", "path", path, "error", err)
		}
	}
}

func writeReport(path string, report map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(report); err != nil {
		f.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	return f.Close()
}

func summarize(latencies []int64) map[string]int64 {
	if len(latencies) == 0 {
		return nil
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return map[string]int64{
		"p50": sorted[len(sorted)*50/100],
		"p95": sorted[len(sorted)*95/100],
		"p99": sorted[len(sorted)*99/100],
	}
}
