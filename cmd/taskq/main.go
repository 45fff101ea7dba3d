// Command taskq runs the task API, the claim workers and the operator
// tooling around the shared task store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"taskq-worker/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskq",
	Short: "Shared-store task queue with exactly-once claims",
	Long: `taskq lets clients submit free-text tasks over HTTP and runs any number
of independent workers that claim them through the store with
SELECT ... FOR UPDATE SKIP LOCKED.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	bindConfigFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to taskq config file (yaml or toml)")
}

// bindConfigFlags registers the config flags against a throwaway Config so
// help text shows defaults; loadConfig replays only the flags the user set.
func bindConfigFlags(flags *pflag.FlagSet) {
	fs := flag.NewFlagSet("taskq", flag.ContinueOnError)
	config.DefaultConfig().BindFlags(fs)
	flags.AddGoFlagSet(fs)
}

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves defaults, then the config file, then the environment,
// then explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cfg.BindFlags(fs)
	var setErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if setErr != nil || fs.Lookup(f.Name) == nil {
			return
		}
		if err := fs.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("invalid --%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return nil, setErr
	}

	cfg.Version = version
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
