// Package config loads compsync configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	API       APIConfig       `yaml:"api"`
	Generator GeneratorConfig `yaml:"generator"`
	Lock      LockConfig      `yaml:"lock"`
	Queue     QueueConfig     `yaml:"queue"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Audit     AuditConfig     `yaml:"audit"`
}

// DatabaseConfig contains the record store location.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// SnapshotConfig controls where tenant snapshot artifacts are written.
type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

// APIConfig describes the remote compliance API.
type APIConfig struct {
	// BaseURL is prefixed to ResourcePath for pushes.
	BaseURL string `yaml:"base_url"`

	// TokenURL is the client-credentials token endpoint.
	TokenURL string `yaml:"token_url"`

	// ResourcePath is the PUT endpoint path.
	ResourcePath string `yaml:"resource_path"`

	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	LargePayloadTimeout time.Duration `yaml:"large_payload_timeout"`

	// LargePayloadRecords is the record count above which a push is treated as large.
	LargePayloadRecords int `yaml:"large_payload_records"`

	// TokenTTL caps how long an access token is reused.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// RatePerSecond limits outbound pushes. Zero disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// GeneratorConfig tunes snapshot generation.
type GeneratorConfig struct {
	BatchSize int `yaml:"batch_size"`

	// MemoryLimitBytes is the ceiling base. Zero means the Go memory limit, or system memory.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`

	// MemoryPercent of the base is the abort ceiling.
	MemoryPercent int `yaml:"memory_percent"`

	DefaultFramework string        `yaml:"default_framework"`
	DueOffset        time.Duration `yaml:"due_offset"`
	CourseURLBase    string        `yaml:"course_url_base"`
}

// LockConfig controls tenant leases.
type LockConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// QueueConfig controls the completion queue.
type QueueConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	DrainLimit  int `yaml:"drain_limit"`
}

// SweepConfig controls the scheduled sweep.
type SweepConfig struct {
	// Schedule is a standard five-field cron expression.
	Schedule string `yaml:"schedule"`

	// Retention is how long terminal queue and request rows are kept.
	Retention time.Duration `yaml:"retention"`

	// Concurrency bounds tenants processed in parallel.
	Concurrency int `yaml:"concurrency"`

	// Workers lists every sweep worker ID. Empty disables sharding.
	Workers []string `yaml:"workers"`

	// WorkerID is this process's entry in Workers.
	WorkerID string `yaml:"worker_id"`

	// LockFile guards against overlapping sweeps on one host.
	LockFile string `yaml:"lock_file"`
}

// MetricsConfig controls the serve-mode HTTP listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig controls the attempt log.
type AuditConfig struct {
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "compsync.db"},
		Snapshot: SnapshotConfig{Dir: "snapshots"},
		API: APIConfig{
			ResourcePath:        "/v1/resources/custom",
			ConnectTimeout:      10 * time.Second,
			RequestTimeout:      60 * time.Second,
			LargePayloadTimeout: 5 * time.Minute,
			LargePayloadRecords: 15000,
			TokenTTL:            time.Hour,
			RatePerSecond:       2,
			RateBurst:           1,
		},
		Generator: GeneratorConfig{
			BatchSize:        1000,
			MemoryPercent:    80,
			DefaultFramework: "SOC 2",
			DueOffset:        30 * 24 * time.Hour,
		},
		Lock:  LockConfig{TTL: time.Hour},
		Queue: QueueConfig{MaxAttempts: 3, DrainLimit: 100},
		Sweep: SweepConfig{
			Schedule:    "*/15 * * * *",
			Retention:   30 * 24 * time.Hour,
			Concurrency: 4,
		},
		Metrics: MetricsConfig{Addr: ":9464"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Audit:   AuditConfig{MaxPayloadBytes: 64 * 1024},
	}
}

// Load reads path (if non-empty) over the defaults, applies COMPSYNC_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Database.Path = getEnvOrDefault("COMPSYNC_DB_PATH", c.Database.Path)
	c.Snapshot.Dir = getEnvOrDefault("COMPSYNC_SNAPSHOT_DIR", c.Snapshot.Dir)
	c.API.BaseURL = getEnvOrDefault("COMPSYNC_API_BASE_URL", c.API.BaseURL)
	c.API.TokenURL = getEnvOrDefault("COMPSYNC_API_TOKEN_URL", c.API.TokenURL)
	c.Sweep.Schedule = getEnvOrDefault("COMPSYNC_SWEEP_SCHEDULE", c.Sweep.Schedule)
	c.Sweep.WorkerID = getEnvOrDefault("COMPSYNC_SWEEP_WORKER_ID", c.Sweep.WorkerID)
	c.Metrics.Addr = getEnvOrDefault("COMPSYNC_METRICS_ADDR", c.Metrics.Addr)
	c.Log.Level = getEnvOrDefault("COMPSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("COMPSYNC_LOG_FORMAT", c.Log.Format)

	if v := os.Getenv("COMPSYNC_SWEEP_WORKERS"); v != "" {
		c.Sweep.Workers = splitList(v)
	}
	if v := os.Getenv("COMPSYNC_GENERATOR_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COMPSYNC_GENERATOR_BATCH_SIZE: %w", err)
		}
		c.Generator.BatchSize = n
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Snapshot.Dir == "" {
		errs = append(errs, errors.New("snapshot.dir is required"))
	}
	if c.Generator.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("generator.batch_size must be positive, got %d", c.Generator.BatchSize))
	}
	if c.Generator.MemoryPercent <= 0 || c.Generator.MemoryPercent > 100 {
		errs = append(errs, fmt.Errorf("generator.memory_percent must be in 1..100, got %d", c.Generator.MemoryPercent))
	}
	if strings.TrimSpace(c.Generator.DefaultFramework) == "" {
		errs = append(errs, errors.New("generator.default_framework is required"))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}
	if c.Queue.DrainLimit <= 0 {
		errs = append(errs, errors.New("queue.drain_limit must be positive"))
	}
	if c.Sweep.Concurrency <= 0 {
		errs = append(errs, errors.New("sweep.concurrency must be positive"))
	}
	if len(c.Sweep.Workers) > 0 && !slices.Contains(c.Sweep.Workers, c.Sweep.WorkerID) {
		errs = append(errs, fmt.Errorf("sweep.worker_id %q is not listed in sweep.workers", c.Sweep.WorkerID))
	}
	if c.API.RequestTimeout <= 0 || c.API.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("api timeouts must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// PushURL is the full PUT endpoint.
func (a APIConfig) PushURL() string {
	return strings.TrimRight(a.BaseURL, "/") + "/" + strings.TrimLeft(a.ResourcePath, "/")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
