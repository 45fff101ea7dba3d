package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"taskq.yaml",
	"taskq.yml",
	"taskq.toml",
	".taskq.yaml",
	".taskq.yml",
	".taskq.toml",
}

type FileConfig struct {
	DSN      string             `yaml:"dsn" toml:"dsn"`
	Store    StoreFileConfig    `yaml:"store" toml:"store"`
	Postgres PostgresFileConfig `yaml:"postgres" toml:"postgres"`
	Worker   WorkerFileConfig   `yaml:"worker" toml:"worker"`
	API      APIFileConfig      `yaml:"api" toml:"api"`
	Metrics  MetricsFileConfig  `yaml:"metrics" toml:"metrics"`
	LogLevel string             `yaml:"log_level" toml:"log_level"`
}

type StoreFileConfig struct {
	Backend      string `yaml:"backend" toml:"backend"`
	SQLitePath   string `yaml:"sqlite_path" toml:"sqlite_path"`
	ListenNotify *bool  `yaml:"listen_notify" toml:"listen_notify"`
}

type PostgresFileConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     *int   `yaml:"port" toml:"port"`
	Database string `yaml:"database" toml:"database"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
}

type WorkerFileConfig struct {
	WorkerID        string `yaml:"worker_id" toml:"worker_id"`
	PollInterval    string `yaml:"poll_interval" toml:"poll_interval"`
	LeaseDuration   string `yaml:"lease_duration" toml:"lease_duration"`
	ReclaimInterval string `yaml:"reclaim_interval" toml:"reclaim_interval"`
	ExecTimeout     string `yaml:"exec_timeout" toml:"exec_timeout"`
	ExecMode        string `yaml:"exec_mode" toml:"exec_mode"`
	ExecSleep       string `yaml:"exec_sleep" toml:"exec_sleep"`
	ExecCommand     string `yaml:"exec_command" toml:"exec_command"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type APIFileConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type MetricsFileConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// ResolveConfigPath returns TASKQ_CONFIG, or the first default config file
// present in the working directory, or "" when there is none.
func ResolveConfigPath() string {
	if env := os.Getenv("TASKQ_CONFIG"); env != "" {
		return env
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name
		}
	}
	return ""
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.Store.Backend != "" {
		cfg.StoreBackend = strings.ToLower(fileCfg.Store.Backend)
	}
	if fileCfg.Store.SQLitePath != "" {
		cfg.SQLitePath = fileCfg.Store.SQLitePath
	}
	if fileCfg.Store.ListenNotify != nil {
		cfg.ListenNotify = *fileCfg.Store.ListenNotify
	}

	pg := fileCfg.Postgres
	if pg.Host != "" {
		cfg.Postgres.Host = pg.Host
	}
	if pg.Port != nil {
		cfg.Postgres.Port = *pg.Port
	}
	if pg.Database != "" {
		cfg.Postgres.Database = pg.Database
	}
	if pg.User != "" {
		cfg.Postgres.User = pg.User
	}
	if pg.Password != "" {
		cfg.Postgres.Password = pg.Password
	}

	w := fileCfg.Worker
	if w.WorkerID != "" {
		cfg.WorkerID = w.WorkerID
	}
	if w.ExecMode != "" {
		cfg.ExecMode = w.ExecMode
	}
	if w.ExecCommand != "" {
		cfg.ExecCommand = w.ExecCommand
	}
	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"worker.poll_interval", w.PollInterval, &cfg.PollInterval},
		{"worker.lease_duration", w.LeaseDuration, &cfg.LeaseDuration},
		{"worker.reclaim_interval", w.ReclaimInterval, &cfg.ReclaimInterval},
		{"worker.exec_timeout", w.ExecTimeout, &cfg.ExecTimeout},
		{"worker.exec_sleep", w.ExecSleep, &cfg.ExecSleep},
		{"worker.shutdown_timeout", w.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.raw)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}

	if fileCfg.API.Addr != "" {
		cfg.APIAddr = fileCfg.API.Addr
	}
	if fileCfg.Metrics.Addr != "" {
		cfg.MetricsAddr = fileCfg.Metrics.Addr
	}
	if fileCfg.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(fileCfg.LogLevel)); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}

	return nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
