package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"taskq-worker/internal/db"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	DatabaseURL     string
	Postgres        db.Params
	StoreBackend    string
	SQLitePath      string
	WorkerID        string
	Version         string
	PollInterval    time.Duration
	LeaseDuration   time.Duration // 0 disables leases; crashed claims then stay running
	ReclaimInterval time.Duration
	ExecTimeout     time.Duration
	ExecMode        string        // "text", "mock" or "command"
	ExecSleep       time.Duration // Sleep duration for mock executor
	ExecCommand     string        // Command line for command mode; task text is piped to stdin
	ShutdownTimeout time.Duration
	APIAddr         string
	MetricsAddr     string
	LogLevel        slog.Level
	ListenNotify    bool
}

func DefaultConfig() *Config {
	return &Config{
		Postgres: db.Params{
			Host:     "db",
			Port:     5432,
			Database: "appdb",
			User:     "app_user",
			Password: "app_pass",
		},
		StoreBackend:    BackendPostgres,
		SQLitePath:      "taskq.db",
		WorkerID:        defaultWorkerID(),
		PollInterval:    2 * time.Second,
		ReclaimInterval: time.Minute,
		ExecTimeout:     time.Minute,
		ExecMode:        "text",
		ExecSleep:       100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
		APIAddr:         ":8000",
		LogLevel:        slog.LevelInfo,
		ListenNotify:    true,
	}
}

// DSN returns DatabaseURL when set, otherwise the URL built from the
// discrete Postgres settings.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.Postgres.DSN()
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string (overrides --pg-* flags)")
	fs.StringVar(&c.Postgres.Host, "pg-host", c.Postgres.Host, "Postgres host")
	fs.IntVar(&c.Postgres.Port, "pg-port", c.Postgres.Port, "Postgres port")
	fs.StringVar(&c.Postgres.Database, "pg-db", c.Postgres.Database, "Postgres database name")
	fs.StringVar(&c.Postgres.User, "pg-user", c.Postgres.User, "Postgres user")
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "Store backend (postgres|sqlite|memory)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", c.SQLitePath, "SQLite database file")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval to wait when no task is queued")
	fs.DurationVar(&c.LeaseDuration, "lease-duration", c.LeaseDuration, "Claim lease duration (0 disables leases and reclaim)")
	fs.DurationVar(&c.ReclaimInterval, "reclaim-interval", c.ReclaimInterval, "Interval between expired lease sweeps")
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", c.ExecTimeout, "Maximum time a task body may run")
	fs.StringVar(&c.ExecMode, "exec-mode", c.ExecMode, "Execution mode (text|mock|command)")
	fs.DurationVar(&c.ExecSleep, "exec-sleep", c.ExecSleep, "Sleep duration for mock mode")
	fs.StringVar(&c.ExecCommand, "exec-command", c.ExecCommand, "Command run per task in command mode")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for the current task on shutdown")
	fs.StringVar(&c.APIAddr, "api-addr", c.APIAddr, "HTTP address for the task API")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "HTTP address for worker health/metrics/events (empty disables)")
	fs.BoolVar(&c.ListenNotify, "listen-notify", c.ListenNotify, "Wake idle workers via LISTEN/NOTIFY when the backend supports it")
	fs.Var(levelFlag{&c.LogLevel}, "log-level", "Log level (debug|info|warn|error)")
}

type levelFlag struct {
	level *slog.Level
}

func (f levelFlag) String() string {
	if f.level == nil {
		return ""
	}
	return f.level.String()
}

func (f levelFlag) Set(v string) error {
	return f.level.UnmarshalText([]byte(v))
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.DatabaseURL = val
	}
	if val := os.Getenv("POSTGRES_HOST"); val != "" {
		cfg.Postgres.Host = val
	}
	if val := os.Getenv("POSTGRES_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid POSTGRES_PORT: %w", err)
		}
		cfg.Postgres.Port = port
	}
	if val := os.Getenv("POSTGRES_DB"); val != "" {
		cfg.Postgres.Database = val
	}
	if val := os.Getenv("POSTGRES_USER"); val != "" {
		cfg.Postgres.User = val
	}
	if val := os.Getenv("POSTGRES_PASSWORD"); val != "" {
		cfg.Postgres.Password = val
	}
	if val := os.Getenv("STORE_BACKEND"); val != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(val))
	}
	if val := os.Getenv("SQLITE_PATH"); val != "" {
		cfg.SQLitePath = val
	}
	if val := os.Getenv("WORKER_ID"); val != "" {
		cfg.WorkerID = val
	}
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"LEASE_DURATION", &cfg.LeaseDuration},
		{"RECLAIM_INTERVAL", &cfg.ReclaimInterval},
		{"EXEC_TIMEOUT", &cfg.ExecTimeout},
		{"EXEC_SLEEP", &cfg.ExecSleep},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	if val := os.Getenv("EXEC_MODE"); val != "" {
		cfg.ExecMode = val
	}
	if val := os.Getenv("EXEC_COMMAND"); val != "" {
		cfg.ExecCommand = val
	}
	if val := os.Getenv("API_ADDR"); val != "" {
		cfg.APIAddr = val
	}
	if val := os.Getenv("METRICS_ADDR"); val != "" {
		cfg.MetricsAddr = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(val)); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}
	if val := os.Getenv("LISTEN_NOTIFY"); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid LISTEN_NOTIFY: %w", err)
		}
		cfg.ListenNotify = parsed
	}
	return nil
}

// Load layers the config file at path, or the resolved default file when path
// is empty, and then the environment over the defaults. Callers apply flags
// and call Validate.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ResolveConfigPath()
	}
	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			return fmt.Errorf("postgres port out of range: %d", c.Postgres.Port)
		}
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
	}
	if c.StoreBackend == BackendSQLite && c.SQLitePath == "" {
		return fmt.Errorf("sqlite path is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.LeaseDuration < 0 {
		return fmt.Errorf("lease duration must not be negative")
	}
	if c.LeaseDuration > 0 && c.ReclaimInterval <= 0 {
		return fmt.Errorf("reclaim interval must be positive when leases are enabled")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("exec timeout must be positive")
	}
	switch c.ExecMode {
	case "text", "mock":
	case "command":
		if strings.TrimSpace(c.ExecCommand) == "" {
			return fmt.Errorf("exec command is required in command mode")
		}
	default:
		return fmt.Errorf("unknown exec mode %q", c.ExecMode)
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	return nil
}

func defaultWorkerID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("worker-%s-%d", hostname, time.Now().Unix())
}
