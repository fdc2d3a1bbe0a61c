// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Inspection InspectionConfig `mapstructure:"inspection"`
	Model      ModelConfig      `mapstructure:"model"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ExtractorConfig governs page and stylesheet fetching.
type ExtractorConfig struct {
	UserAgent          string  `mapstructure:"user_agent"`
	PageTimeoutSeconds int     `mapstructure:"page_timeout_seconds"`
	CSSTimeoutSeconds  int     `mapstructure:"css_timeout_seconds"`
	CSSMaxAttempts     int     `mapstructure:"css_max_attempts"`
	CSSRetryWaitMs     int     `mapstructure:"css_retry_wait_ms"`
	CSSRequestsPerSec  float64 `mapstructure:"css_requests_per_second"`
}

// HeadlessConfig configures the optional headless renderer.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	CarouselWaitSec int  `mapstructure:"carousel_wait_seconds"`
	MinVisibleText  int  `mapstructure:"min_visible_text"`
}

// InspectionConfig controls job execution.
type InspectionConfig struct {
	BatchSize           int    `mapstructure:"batch_size"`
	ModelTimeoutSeconds int    `mapstructure:"model_timeout_seconds"`
	Workers             int    `mapstructure:"workers"`
	MaxAttempts         int    `mapstructure:"max_attempts"`
	LeaseTTLMinutes     int    `mapstructure:"lease_ttl_minutes"`
	IconsConfigKey      string `mapstructure:"icons_config_key"`
}

// ModelConfig points at an OpenAI-compatible API root.
type ModelConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	Name              string  `mapstructure:"name"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	Temperature       float64 `mapstructure:"temperature"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// StorageConfig selects the blob backend used for CSS and assets.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Bucket        string `mapstructure:"bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	LocalDir      string `mapstructure:"local_dir"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	MigrateOnStart         bool   `mapstructure:"migrate_on_start"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend       string `mapstructure:"backend"`
	Depth         int    `mapstructure:"depth"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisKey      string `mapstructure:"redis_key"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	LogEnabled    bool   `mapstructure:"log_enabled"`
	BufferSize    int    `mapstructure:"buffer_size"`
	MaxBatch      int    `mapstructure:"max_batch_events"`
	MaxWaitMs     int    `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs int    `mapstructure:"sink_timeout_ms"`
	ProjectID     string `mapstructure:"project_id"`
	TopicName     string `mapstructure:"topic_name"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("extractor.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("extractor.page_timeout_seconds", 30)
	v.SetDefault("extractor.css_timeout_seconds", 10)
	v.SetDefault("extractor.css_max_attempts", 2)
	v.SetDefault("extractor.css_retry_wait_ms", 1000)
	v.SetDefault("extractor.css_requests_per_second", 0)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.carousel_wait_seconds", 10)
	v.SetDefault("headless.min_visible_text", 512)
	v.SetDefault("inspection.batch_size", 3)
	v.SetDefault("inspection.model_timeout_seconds", 150)
	v.SetDefault("inspection.workers", 2)
	v.SetDefault("inspection.max_attempts", 3)
	v.SetDefault("inspection.lease_ttl_minutes", 60)
	v.SetDefault("inspection.icons_config_key", "approved_icons_image_url")
	v.SetDefault("model.base_url", "https://api.openai.com/v1/")
	v.SetDefault("model.name", "gpt-4.1")
	v.SetDefault("model.max_tokens", 4096)
	v.SetDefault("model.temperature", 0.1)
	v.SetDefault("model.requests_per_second", 0)
	v.SetDefault("model.burst", 3)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/blobs")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.redis_key", "inspector:tasks")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("telemetry.service_name", "bannerinspector")
	v.SetDefault("telemetry.sample_ratio", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Inspection.BatchSize <= 0 {
		return fmt.Errorf("inspection.batch_size must be > 0")
	}
	if c.Inspection.ModelTimeoutSeconds <= 0 {
		return fmt.Errorf("inspection.model_timeout_seconds must be > 0")
	}
	if c.Inspection.Workers <= 0 {
		return fmt.Errorf("inspection.workers must be > 0")
	}
	if c.Extractor.CSSMaxAttempts <= 0 {
		return fmt.Errorf("extractor.css_max_attempts must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0")
		}
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.Backend == "redis" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when the redis queue is used")
	}
	return nil
}

// ModelTimeout is the hard per-banner bound on a model call.
func (c Config) ModelTimeout() time.Duration {
	return time.Duration(c.Inspection.ModelTimeoutSeconds) * time.Second
}

// LeaseTTL is how long a job may hold its collection before others may take over.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Inspection.LeaseTTLMinutes) * time.Minute
}
