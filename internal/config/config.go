// Package config loads the skillflow configuration from YAML, a .env file
// and SKILLFLOW_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// Path of the SQLite database holding schedules, licenses and
	// (with the sqlite snapshot driver) queue snapshots.
	Path string `yaml:"path"`
}

type QueueConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Backoff          time.Duration `yaml:"backoff"`
	BackoffStrategy  string        `yaml:"backoff_strategy"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
	KeepCompleted    bool          `yaml:"keep_completed"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SnapshotConfig struct {
	// Driver is one of file, sqlite, redis or none.
	Driver string      `yaml:"driver"`
	Dir    string      `yaml:"dir"`
	Redis  RedisConfig `yaml:"redis"`
}

type OrchestratorConfig struct {
	WaitTimeout         time.Duration       `yaml:"wait_timeout"`
	TaskTimeout         time.Duration       `yaml:"task_timeout"`
	HistorySize         int                 `yaml:"history_size"`
	WorkflowRetention   int                 `yaml:"workflow_retention"`
	SkillConcurrency    int                 `yaml:"skill_concurrency"`
	WorkflowConcurrency int                 `yaml:"workflow_concurrency"`
	Failover            map[string][]string `yaml:"failover"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	FireTimeout  time.Duration `yaml:"fire_timeout"`
	// CronEngine selects "subset" or "standard" (robfig/cron) evaluation.
	CronEngine string `yaml:"cron_engine"`
}

type MonitorConfig struct {
	UpdateInterval  time.Duration `yaml:"update_interval"`
	AlertErrorRate  float64       `yaml:"alert_error_rate"`
	AlertMinSamples int64         `yaml:"alert_min_samples"`
	AlertCooldown   time.Duration `yaml:"alert_cooldown"`
}

// LicenseSeed is upserted into the license store at startup.
type LicenseSeed struct {
	Key           string     `yaml:"key"`
	Tier          string     `yaml:"tier"`
	Quota         int64      `yaml:"quota"`
	RateLimit     float64    `yaml:"rate_limit"`
	RateBurst     int        `yaml:"rate_burst"`
	AllowedSkills []string   `yaml:"allowed_skills"`
	BlockedSkills []string   `yaml:"blocked_skills"`
	ExpiresAt     *time.Time `yaml:"expires_at"`
}

type LicenseConfig struct {
	// Disabled turns off license enforcement entirely.
	Disabled bool          `yaml:"disabled"`
	Seed     []LicenseSeed `yaml:"seed"`
}

type SkillsConfig struct {
	// ShellAllowed enables shell.exec for the listed commands. Empty
	// leaves the skill unregistered.
	ShellAllowed []string      `yaml:"shell_allowed"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Storage      StorageConfig      `yaml:"storage"`
	Queue        QueueConfig        `yaml:"queue"`
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	License      LicenseConfig      `yaml:"license"`
	Skills       SkillsConfig       `yaml:"skills"`
	Log          LogConfig          `yaml:"log"`
}

func Default() *Config {
	return &Config{
		HTTP:    HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Storage: StorageConfig{Path: "skillflow.db"},
		Queue: QueueConfig{
			Concurrency:      4,
			MaxAttempts:      3,
			Backoff:          time.Second,
			BackoffStrategy:  "linear",
			JobTimeout:       5 * time.Minute,
			SnapshotInterval: 5 * time.Second,
		},
		Snapshot: SnapshotConfig{Driver: "sqlite", Dir: "snapshots"},
		Orchestrator: OrchestratorConfig{
			WaitTimeout:         60 * time.Second,
			TaskTimeout:         2 * time.Minute,
			HistorySize:         1000,
			WorkflowRetention:   1000,
			WorkflowConcurrency: 2,
		},
		Scheduler: SchedulerConfig{TickInterval: time.Minute, FireTimeout: 30 * time.Second, CronEngine: "subset"},
		Monitor: MonitorConfig{
			UpdateInterval:  time.Second,
			AlertErrorRate:  0.2,
			AlertMinSamples: 10,
			AlertCooldown:   5 * time.Minute,
		},
		Skills: SkillsConfig{HTTPTimeout: 30 * time.Second},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (optional), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// a missing .env is normal
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects unknown enum values and fills zero values with defaults.
func (c *Config) Validate() error {
	d := Default()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = d.HTTP.Addr
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = d.HTTP.ShutdownTimeout
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = d.Queue.Concurrency
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = d.Queue.MaxAttempts
	}
	if c.Queue.Backoff < 0 {
		return fmt.Errorf("queue.backoff must not be negative")
	}
	switch c.Queue.BackoffStrategy {
	case "":
		c.Queue.BackoffStrategy = d.Queue.BackoffStrategy
	case "linear", "exponential":
	default:
		return fmt.Errorf("queue.backoff_strategy %q must be linear or exponential", c.Queue.BackoffStrategy)
	}
	switch c.Snapshot.Driver {
	case "":
		c.Snapshot.Driver = d.Snapshot.Driver
	case "file":
		if c.Snapshot.Dir == "" {
			c.Snapshot.Dir = d.Snapshot.Dir
		}
	case "redis":
		if c.Snapshot.Redis.Addr == "" {
			return fmt.Errorf("snapshot.redis.addr is required for the redis driver")
		}
	case "sqlite", "none":
	default:
		return fmt.Errorf("snapshot.driver %q must be file, sqlite, redis or none", c.Snapshot.Driver)
	}
	switch c.Scheduler.CronEngine {
	case "":
		c.Scheduler.CronEngine = d.Scheduler.CronEngine
	case "subset", "standard":
	default:
		return fmt.Errorf("scheduler.cron_engine %q must be subset or standard", c.Scheduler.CronEngine)
	}
	if c.Monitor.AlertErrorRate < 0 || c.Monitor.AlertErrorRate > 1 {
		return fmt.Errorf("monitor.alert_error_rate must be within [0,1]")
	}
	for i, l := range c.License.Seed {
		if l.Key == "" {
			return fmt.Errorf("license.seed[%d]: key is required", i)
		}
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = d.Log.Format
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q must be console or json", c.Log.Format)
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	return nil
}
