package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"taskq-worker/internal/runner"
)

const memoryLogEnv = "TASKQ_MEMORY_LOG_INTERVAL"

// parseMemoryLogInterval accepts a Go duration or a bare number of seconds.
// An empty value disables the logger.
func parseMemoryLogInterval(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(seconds) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return parsed, nil
}

func memoryLogIntervalFromEnv(logger *slog.Logger) time.Duration {
	value := os.Getenv(memoryLogEnv)
	interval, err := parseMemoryLogInterval(value)
	if err != nil {
		logger.Warn("Invalid "+memoryLogEnv+"; skipping memory logger", "value", value, "error", err)
		return 0
	}
	return interval
}

// startMemoryLogger periodically logs runtime memory stats and publishes the
// process RSS on the worker memory gauge.
func startMemoryLogger(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			logMemoryStats(logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func logMemoryStats(logger *slog.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	attrs := []any{
		"heap_alloc_bytes", m.HeapAlloc,
		"heap_inuse_bytes", m.HeapInuse,
		"stack_inuse_bytes", m.StackInuse,
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
	}
	if rss, ok := readRSSBytes(); ok {
		runner.WorkerMemUsage.Set(float64(rss))
		attrs = append(attrs, "rss_bytes", rss)
	}
	logger.Info("Process memory usage", attrs...)
}

// readRSSBytes reads VmRSS from /proc; it reports false off linux.
func readRSSBytes() (uint64, bool) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, false
	}
	return parseVmRSS(data)
}

func parseVmRSS(status []byte) (uint64, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "VmRSS:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
