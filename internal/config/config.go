// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// Notification sink kinds.
const (
	NotifyNone    = "none"
	NotifyWebhook = "webhook"
	NotifyPubSub  = "pubsub"
)

// Report archive kinds.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Sitemap   SitemapConfig   `mapstructure:"sitemap"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	AI        AIConfig        `mapstructure:"ai"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior. PublicBaseURL is where stages
// reach each other; empty means stages chain in-process.
type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	PublicBaseURL  string `mapstructure:"public_base_url"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures page fetching.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
}

// SitemapConfig bounds sitemap discovery.
type SitemapConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// PipelineConfig tunes the stages.
type PipelineConfig struct {
	ChunkSize         int  `mapstructure:"chunk_size"`
	EnrichmentEnabled bool `mapstructure:"enrichment_enabled"`
	EnrichmentLimit   int  `mapstructure:"enrichment_limit"`
}

// SchedulerConfig controls the stage pointer poller.
type SchedulerConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	IntervalSeconds   int  `mapstructure:"interval_seconds"`
	StaleAfterSeconds int  `mapstructure:"stale_after_seconds"`
	MaxAttempts       int  `mapstructure:"max_attempts"`
}

// AIConfig configures the Gemini client.
type AIConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	MaxRetries        int     `mapstructure:"max_retries"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Temperature       float32 `mapstructure:"temperature"`
}

// NotifyConfig selects the notification sink.
type NotifyConfig struct {
	Kind           string `mapstructure:"kind"`
	WebhookURL     string `mapstructure:"webhook_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to Postgres. An empty DSN keeps everything in memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// StorageConfig selects where report documents are archived.
type StorageConfig struct {
	Kind      string `mapstructure:"kind"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// HeadlessConfig configures the headless rendering fetcher.
type HeadlessConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	MaxParallel        int  `mapstructure:"max_parallel"`
	NavTimeoutSec      int  `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional file plus AUDIT_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
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
	v.SetDefault("server.public_base_url", "")
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("http.user_agent", "site-audit-bot/1.0")
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("sitemap.timeout_ms", 10000)
	v.SetDefault("pipeline.chunk_size", 5)
	v.SetDefault("pipeline.enrichment_enabled", false)
	v.SetDefault("pipeline.enrichment_limit", 25)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval_seconds", 30)
	v.SetDefault("scheduler.stale_after_seconds", 300)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gemini-2.5-flash")
	v.SetDefault("ai.max_retries", 3)
	v.SetDefault("ai.requests_per_second", 1)
	v.SetDefault("ai.temperature", 0.2)
	v.SetDefault("notify.kind", NotifyNone)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout_seconds", 10)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	v.SetDefault("storage.kind", StorageNone)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local_dir", "data/reports")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

func invalid(key, msg string) error {
	return &audit.ConfigError{Key: key, Err: errors.New(msg)}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return invalid("server.port", "must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return invalid("server.request_timeout_seconds", "must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return invalid("auth.api_key", "must be set when auth is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return invalid("http.timeout_seconds", "must be > 0")
	}
	if c.HTTP.PerHostRPS < 0 {
		return invalid("http.per_host_rps", "must be >= 0")
	}
	if c.Sitemap.TimeoutMs <= 0 {
		return invalid("sitemap.timeout_ms", "must be > 0")
	}
	if c.Pipeline.ChunkSize <= 0 {
		return invalid("pipeline.chunk_size", "must be > 0")
	}
	if c.Pipeline.EnrichmentEnabled && c.Pipeline.EnrichmentLimit <= 0 {
		return invalid("pipeline.enrichment_limit", "must be > 0 when enrichment is enabled")
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.IntervalSeconds <= 0 {
			return invalid("scheduler.interval_seconds", "must be > 0")
		}
		if c.Scheduler.StaleAfterSeconds <= 0 {
			return invalid("scheduler.stale_after_seconds", "must be > 0")
		}
		if c.Scheduler.MaxAttempts <= 0 {
			return invalid("scheduler.max_attempts", "must be > 0")
		}
	}
	if c.AI.Enabled && c.AI.APIKey == "" {
		return invalid("ai.api_key", "must be set when ai is enabled")
	}
	switch c.Notify.Kind {
	case "", NotifyNone:
	case NotifyWebhook:
		if c.Notify.WebhookURL == "" {
			return invalid("notify.webhook_url", "must be set for the webhook sink")
		}
	case NotifyPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return invalid("pubsub.topic_name", "pubsub.project_id and pubsub.topic_name must be set for the pubsub sink")
		}
	default:
		return invalid("notify.kind", fmt.Sprintf("unknown sink %q", c.Notify.Kind))
	}
	switch c.Storage.Kind {
	case "", StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return invalid("storage.local_dir", "must be set for local storage")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return invalid("storage.gcs_bucket", "must be set for gcs storage")
		}
	default:
		return invalid("storage.kind", fmt.Sprintf("unknown archive %q", c.Storage.Kind))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return invalid("headless.max_parallel", "must be > 0 when headless is enabled")
	}
	return nil
}

// FetchTimeout is the per-page fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SitemapTimeout is the sitemap fetch budget.
func (c Config) SitemapTimeout() time.Duration {
	return time.Duration(c.Sitemap.TimeoutMs) * time.Millisecond
}

// RequestTimeout bounds one HTTP request to the service.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}
