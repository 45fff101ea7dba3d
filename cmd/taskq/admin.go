package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"taskq-worker/internal/models"
	"taskq-worker/internal/queue"
	"taskq-worker/internal/store"
	"taskq-worker/internal/store/backend"
)

var (
	enqueueText  string
	enqueueCount int
	listStatus   string
	listLimit    int
)

func init() {
	enqueueCmd.Flags().StringVar(&enqueueText, "text", "", "Task text (required)")
	enqueueCmd.Flags().IntVar(&enqueueCount, "count", 1, "Number of copies to enqueue")
	_ = enqueueCmd.MarkFlagRequired("text")

	listCmd.Flags().StringVar(&listStatus, "status", "failed", "Status to list (queued|running|done|failed|all)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum rows to show")

	rootCmd.AddCommand(migrateCmd, enqueueCmd, reclaimCmd, verifyCmd, listCmd, versionCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the task schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		// Opening a backend applies its schema.
		st, err := backend.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Schema ready (%s)\n", cfg.StoreBackend)
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Insert queued tasks directly into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueCount <= 0 {
			return errors.New("--count must be positive")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		st, err := backend.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		start := time.Now()
		ids, err := enqueueTasks(ctx, st, enqueueText, enqueueCount)
		if err != nil {
			return err
		}
		if len(ids) == 1 {
			fmt.Fprintln(cmd.OutOrStdout(), ids[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d tasks in %v\n", len(ids), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func enqueueTasks(ctx context.Context, st store.Store, text string, count int) ([]string, error) {
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		task, err := models.NewTask(uuid.NewString(), text)
		if err != nil {
			return ids, err
		}
		if err := st.Insert(ctx, task); err != nil {
			return ids, fmt.Errorf("insert task %d: %w", i, err)
		}
		ids = append(ids, task.ID)
	}
	return ids, nil
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Return running tasks with expired leases to queued",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		st, err := backend.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := queue.NewService(st, cfg.LeaseDuration, nil).Reclaim(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d tasks\n", n)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check stored tasks against the lifecycle rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		st, err := backend.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := st.Counts(ctx)
		if err != nil {
			return err
		}
		checks, err := queue.NewService(st, cfg.LeaseDuration, nil).Verify(ctx)
		if err != nil {
			return err
		}
		if failed := printVerify(cmd.OutOrStdout(), counts, checks); failed > 0 {
			return fmt.Errorf("%d checks failed", failed)
		}
		return nil
	},
}

func printVerify(w io.Writer, counts map[models.TaskStatus]int64, checks []queue.Check) int {
	var total int64
	for _, status := range models.AllStatuses {
		total += counts[status]
	}
	fmt.Fprintf(w, "Total tasks: %d", total)
	for _, status := range models.AllStatuses {
		fmt.Fprintf(w, " %s=%d", status, counts[status])
	}
	fmt.Fprintln(w)

	failed := 0
	for _, c := range checks {
		if c.Passed() {
			fmt.Fprintf(w, "[PASS] %s\n", c.Name)
			continue
		}
		failed++
		fmt.Fprintf(w, "[FAIL] %s: %d tasks\n", c.Name, len(c.Violations))
		for _, v := range c.Violations {
			fmt.Fprintf(w, "  %s\n", v)
		}
	}
	return failed
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks by status for triage",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status models.TaskStatus
		if listStatus != "all" {
			parsed, err := models.ParseStatus(listStatus)
			if err != nil {
				return fmt.Errorf("invalid --status %q: %w", listStatus, err)
			}
			status = parsed
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		st, err := backend.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		tasks, err := queue.NewService(st, cfg.LeaseDuration, nil).ListTasks(ctx, status, listLimit)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}
		return printTasks(cmd.OutOrStdout(), tasks)
	},
}

func printTasks(out io.Writer, tasks []queue.TaskSummary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK_ID\tSTATUS\tWORKER\tFINISHED\tRESULT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.TaskID,
			t.Status,
			deref(t.LeasedBy),
			formatTime(t.FinishedAt),
			truncate(deref(t.Result), 60),
		)
	}
	return w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskq version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskq version %s\n", version)
	},
}
