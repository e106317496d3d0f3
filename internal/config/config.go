// Package config loads jobcore configuration from a YAML file and
// JOBCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/candidate"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Logging   LoggingConfig    `koanf:"logging"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
	Admission admission.Limits `koanf:"admission"`
	Jobs      JobsConfig       `koanf:"jobs"`
	Queue     QueueConfig      `koanf:"queue"`
	Lock      LockConfig       `koanf:"lock"`
	Pipeline  PipelineConfig   `koanf:"pipeline"`
	Generator candidate.Config `koanf:"generator"`
	Git       GitConfig        `koanf:"git"`
	NATS      NATSConfig       `koanf:"nats"`
	Postgres  PostgresConfig   `koanf:"postgres"`
	Security  SecurityConfig   `koanf:"security"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	OTEL     bool   `koanf:"otel"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// JobsConfig holds retry policy and per-run limits.
type JobsConfig struct {
	job.RetryConfig `koanf:",squash"`

	RunTimeout         Duration `koanf:"run_timeout"`
	LeaseRenewInterval Duration `koanf:"lease_renew_interval"`
}

// QueueConfig sizes the worker pool draining the queue.
type QueueConfig struct {
	Workers int `koanf:"workers"`
}

// LockConfig configures repository leases.
type LockConfig struct {
	TTL Duration `koanf:"ttl"`
}

// PipelineConfig configures conflict resolution.
type PipelineConfig struct {
	Strategy        string   `koanf:"strategy"`
	GenerateTimeout Duration `koanf:"generate_timeout"`
	MaxContextBytes int      `koanf:"max_context_bytes"`
	Concurrency     int      `koanf:"concurrency"`
	AuditFile       string   `koanf:"audit_file"`
	RunTests        bool     `koanf:"run_tests"`
	TestTimeout     Duration `koanf:"test_timeout"`
}

// GitConfig configures clone, rebase and push.
type GitConfig struct {
	Binary         string   `koanf:"binary"`
	URLTemplate    string   `koanf:"url_template"`
	Token          Secret   `koanf:"token"`
	AuthorName     string   `koanf:"author_name"`
	AuthorEmail    string   `koanf:"author_email"`
	CommandTimeout Duration `koanf:"command_timeout"`
	Workspace      string   `koanf:"workspace"`
	KeepWorkdirs   bool     `koanf:"keep_workdirs"`
	MaxRebaseSteps int      `koanf:"max_rebase_steps"`
}

// NATSConfig enables the NATS event stream when URL is set.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Token         Secret `koanf:"token"`
}

// Enabled reports whether a NATS URL is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// PostgresConfig switches usage counting to PostgreSQL when DSN is set.
type PostgresConfig struct {
	DSN          Secret `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// Enabled reports whether a DSN is configured.
func (c PostgresConfig) Enabled() bool {
	return c.DSN.IsSet()
}

// SecurityConfig configures candidate scanning.
type SecurityConfig struct {
	RulesFile   string `koanf:"rules_file"`
	WatchRules  bool   `koanf:"watch_rules"`
	ScanSecrets bool   `koanf:"scan_secrets"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(30 * time.Second),
			ReadTimeout:     Duration(30 * time.Second),
			BodyLimit:       "1M",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			SampleRate:     1.0,
			ExportInterval: Duration(15 * time.Second),
		},
		Admission: admission.Limits{
			Window:           admission.DefaultWindow,
			WarningThreshold: admission.DefaultWarningThreshold,
		},
		Jobs: JobsConfig{
			RetryConfig:        job.DefaultRetryConfig(),
			RunTimeout:         Duration(30 * time.Minute),
			LeaseRenewInterval: Duration(job.DefaultLeaseRenewInterval),
		},
		Queue: QueueConfig{Workers: 4},
		Lock:  LockConfig{TTL: Duration(30 * time.Second)},
		Pipeline: PipelineConfig{
			Strategy:        resolution.OursFirst.Name,
			GenerateTimeout: Duration(resolution.DefaultGenerateTimeout),
			MaxContextBytes: resolution.DefaultMaxContextBytes,
			Concurrency:     resolution.DefaultConcurrency,
			TestTimeout:     Duration(5 * time.Minute),
		},
		Git: GitConfig{
			Binary:         "git",
			URLTemplate:    "https://github.com/%s.git",
			AuthorName:     "jobcore",
			AuthorEmail:    "jobcore@localhost",
			CommandTimeout: Duration(5 * time.Minute),
			MaxRebaseSteps: 100,
		},
		NATS:     NATSConfig{SubjectPrefix: "jobcore"},
		Postgres: PostgresConfig{MaxOpenConns: 10},
		Security: SecurityConfig{ScanSecrets: true},
	}
}

// Errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Addr == "" {
		bad("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		bad("server.shutdown_timeout must be positive")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		bad("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			bad("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			bad("telemetry.sample_rate must be between 0 and 1")
		}
		switch c.Telemetry.Protocol {
		case "", "grpc", "http/protobuf":
		default:
			bad("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol)
		}
	}

	if c.Admission.WarningThreshold < 0 || c.Admission.WarningThreshold > 1 {
		bad("admission.warning_threshold must be between 0 and 1")
	}
	if c.Admission.Global < 0 || c.Admission.PerOrg < 0 || c.Admission.PerUser < 0 {
		bad("admission limits cannot be negative")
	}

	if c.Jobs.MaxRetries < 0 {
		bad("jobs.max_retries cannot be negative")
	}
	if c.Jobs.BackoffMultiplier != 0 && c.Jobs.BackoffMultiplier < 1 {
		bad("jobs.backoff_multiplier must be at least 1")
	}
	if c.Queue.Workers < 1 {
		bad("queue.workers must be at least 1")
	}
	if c.Lock.TTL > 0 && c.Jobs.LeaseRenewInterval >= c.Lock.TTL {
		bad("jobs.lease_renew_interval must be shorter than lock.ttl")
	}

	if _, err := resolution.ParseStrategy(c.Pipeline.Strategy); err != nil {
		bad("pipeline.strategy: %v", err)
	}
	if c.Git.URLTemplate != "" && !strings.Contains(c.Git.URLTemplate, "%s") {
		bad("git.url_template must contain %%s")
	}
	if c.Postgres.MaxOpenConns < 0 {
		bad("postgres.max_open_conns cannot be negative")
	}

	return errors.Join(errs...)
}
