package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the MediaQueue scheduler.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Stages    StagesConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// SchedulerConfig tunes the claim loop, retry policy, and reaper.
type SchedulerConfig struct {
	// WorkerConcurrency is the number of concurrent claim loops a single
	// worker process runs.
	WorkerConcurrency int
	// PollInterval is how long a claim loop sleeps after finding no
	// eligible job.
	PollInterval time.Duration
	// DefaultMaxRetries seeds new jobs unless job_config overrides it.
	DefaultMaxRetries int
	// BackoffBase and BackoffCap bound the exponential retry backoff
	// (base * 2^retry_count, capped).
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxJobRuntime is how long a job may sit in processing before the
	// reaper treats it as stalled.
	MaxJobRuntime time.Duration
	// ReapInterval is how often the reaper scans for stalled jobs.
	ReapInterval time.Duration
}

// StagesConfig points at the external analysis services the stage
// executors call.
type StagesConfig struct {
	BaseURL string
	Timeout time.Duration

	// Extra lists stage names beyond the default pipelines that the
	// deployment's analysis services handle, so declared-stage jobs can
	// use them.
	Extra []string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MEDIAQUEUE_PORT", 8080),
			Env:  envString("MEDIAQUEUE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Scheduler: SchedulerConfig{
			WorkerConcurrency: envInt("SCHEDULER_WORKER_CONCURRENCY", 4),
			PollInterval:      envDuration("SCHEDULER_POLL_INTERVAL", 2*time.Second),
			DefaultMaxRetries: envInt("SCHEDULER_DEFAULT_MAX_RETRIES", 3),
			BackoffBase:       envDuration("SCHEDULER_BACKOFF_BASE", 30*time.Second),
			BackoffCap:        envDuration("SCHEDULER_BACKOFF_CAP", 15*time.Minute),
			MaxJobRuntime:     envDuration("SCHEDULER_MAX_JOB_RUNTIME", 30*time.Minute),
			ReapInterval:      envDuration("SCHEDULER_REAP_INTERVAL", time.Minute),
		},
		Stages: StagesConfig{
			BaseURL: os.Getenv("STAGES_BASE_URL"),
			Timeout: envDuration("STAGES_TIMEOUT", 5*time.Minute),
			Extra:   envList("STAGES_EXTRA"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Stages.BaseURL != "" &&
		!strings.HasPrefix(c.Stages.BaseURL, "http://") &&
		!strings.HasPrefix(c.Stages.BaseURL, "https://") {
		return fmt.Errorf("STAGES_BASE_URL must start with http:// or https://, got %q", c.Stages.BaseURL)
	}

	if c.Scheduler.WorkerConcurrency < 1 {
		return fmt.Errorf("SCHEDULER_WORKER_CONCURRENCY must be at least 1")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("SCHEDULER_DEFAULT_MAX_RETRIES must not be negative")
	}
	if c.Scheduler.BackoffBase <= 0 {
		return fmt.Errorf("SCHEDULER_BACKOFF_BASE must be positive")
	}
	if c.Scheduler.BackoffCap < c.Scheduler.BackoffBase {
		return fmt.Errorf("SCHEDULER_BACKOFF_CAP must be at least SCHEDULER_BACKOFF_BASE")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

// envList splits a comma-separated env var, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
