// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/citation-crawler/internal/paper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Store      StoreConfig      `mapstructure:"store"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Source     SourceConfig     `mapstructure:"source"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Seeds      SeedsConfig      `mapstructure:"seeds"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Events     EventsConfig     `mapstructure:"events"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the worker pool and the inclusion filter.
type CrawlerConfig struct {
	Concurrency    int      `mapstructure:"concurrency"`
	MinYear        int      `mapstructure:"min_year"`
	RequiredFields []string `mapstructure:"required_fields"`
	// MaxAttempts caps transient failures per paper; 0 retries forever.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// StoreConfig tunes the paper store.
type StoreConfig struct {
	SnapshotEvery int `mapstructure:"snapshot_every"`
}

// CheckpointConfig locates run directories and bounds the shutdown wait.
type CheckpointConfig struct {
	Root          string `mapstructure:"root"`
	GracePeriodMs int    `mapstructure:"grace_period_ms"`
}

// SourceConfig points at the paper metadata service.
type SourceConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	PageLimit int    `mapstructure:"page_limit"`
	MaxPages  int    `mapstructure:"max_pages"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig throttles requests per host.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// SeedsConfig lists the titles a fresh crawl starts from.
type SeedsConfig struct {
	Titles []string `mapstructure:"titles"`
}

// StorageConfig selects the mirror for checkpoint artifacts.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DatabaseConfig controls the optional Postgres graph mirror.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig sizes the progress event hub.
type EventsConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	LogEnabled bool `mapstructure:"log_enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	MaxBatch   int  `mapstructure:"max_batch"`
	MaxWaitMs  int  `mapstructure:"max_wait_ms"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	// ProjectID exports spans to Cloud Trace when set.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CITECRAWL")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.min_year", paper.DefaultMinYear)
	v.SetDefault("crawler.required_fields", paper.DefaultFields)
	v.SetDefault("crawler.max_attempts", 5)
	v.SetDefault("store.snapshot_every", 50)
	v.SetDefault("checkpoint.root", "./intermediates")
	v.SetDefault("checkpoint.grace_period_ms", 5000)
	v.SetDefault("source.base_url", "https://api.semanticscholar.org/graph/v1")
	v.SetDefault("source.page_limit", 100)
	v.SetDefault("source.max_pages", 1)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("seeds.titles", []string{})
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "citation-crawler")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.log_enabled", false)
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch", 256)
	v.SetDefault("events.max_wait_ms", 500)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "citecrawl")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxAttempts < 0 {
		return fmt.Errorf("crawler.max_attempts must be >= 0")
	}
	if c.Store.SnapshotEvery < 0 {
		return fmt.Errorf("store.snapshot_every must be >= 0")
	}
	if strings.TrimSpace(c.Checkpoint.Root) == "" {
		return fmt.Errorf("checkpoint.root is required")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, gcs, memory", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// Filter builds the inclusion filter.
func (c Config) Filter() paper.Filter {
	return paper.Filter{RequiredFields: c.Crawler.RequiredFields, MinYear: c.Crawler.MinYear}
}

// GracePeriod returns the checkpoint grace period.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Checkpoint.GracePeriodMs) * time.Millisecond
}

// HTTPTimeout returns the per-request client timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
