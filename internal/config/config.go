// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	cardpostgres "github.com/JakeFAU/gradepop-crawler/internal/cardstore/postgres"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
	"github.com/JakeFAU/gradepop-crawler/internal/scheduler"
	"github.com/JakeFAU/gradepop-crawler/internal/storage/gcs"
	"github.com/JakeFAU/gradepop-crawler/internal/storage/local"
	"github.com/JakeFAU/gradepop-crawler/internal/telemetry"
)

// EnvPrefix namespaces environment overrides, e.g. GRADEPOP_SERVER_PORT.
const EnvPrefix = "GRADEPOP"

// Backend names shared by the storage and kv sections.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Crawler   CrawlerConfig       `mapstructure:"crawler"`
	HTTP      HTTPConfig          `mapstructure:"http"`
	Headless  HeadlessConfig      `mapstructure:"headless"`
	Schedule  ScheduleConfig      `mapstructure:"schedule"`
	History   HistoryConfig       `mapstructure:"history"`
	Cache     CacheConfig         `mapstructure:"cache"`
	Retention RetentionConfig     `mapstructure:"retention"`
	Storage   StorageConfig       `mapstructure:"storage"`
	KV        KVConfig            `mapstructure:"kv"`
	DB        cardpostgres.Config `mapstructure:"db"`
	PubSub    PubSubConfig        `mapstructure:"pubsub"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Progress  ProgressConfig      `mapstructure:"progress"`
	Telemetry telemetry.Config    `mapstructure:"telemetry"`
	// Sources replaces the built-in source list when non-empty.
	Sources []registry.Source `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs politeness and per-run limits.
type CrawlerConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	RobotsTTL time.Duration `mapstructure:"robots_ttl"`
	// MinDelay is the floor between requests to one source endpoint.
	MinDelay time.Duration `mapstructure:"min_delay"`
	// ProbeURL is fetched before each run; empty disables the probe.
	ProbeURL string `mapstructure:"probe_url"`
	// MaxCardsPerRun bounds tracked cards refreshed per source; 0 is all.
	MaxCardsPerRun int `mapstructure:"max_cards_per_run"`
	// AuthoritiesFile layers a YAML strategy table over the defaults.
	AuthoritiesFile string `mapstructure:"authorities_file"`
}

// HTTPConfig configures the page and robots fetchers.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxRedirects   int `mapstructure:"max_redirects"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleMillis  int  `mapstructure:"settle_ms"`
	// ReadySelector must match before a rendered page is captured.
	ReadySelector string `mapstructure:"ready_selector"`
	// PromotionThresh is the body size in bytes below which a response
	// looks like an unrendered shell.
	PromotionThresh int `mapstructure:"promotion_threshold"`
	// DataMarkers prove the population table was server-rendered.
	DataMarkers []string `mapstructure:"data_markers"`
}

// ScheduleConfig holds the initial auto-update settings. Persisted settings
// win once an operator changes them.
type ScheduleConfig struct {
	AutoUpdate bool   `mapstructure:"auto_update"`
	Time       string `mapstructure:"time"`
	Timezone   string `mapstructure:"timezone"`
}

// HistoryConfig bounds the update history.
type HistoryConfig struct {
	Limit int `mapstructure:"limit"`
}

// CacheConfig tunes the aggregation result cache.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RetentionConfig bounds stored price and grading rows.
type RetentionConfig struct {
	Days int `mapstructure:"days"`
}

// StorageConfig selects where raw responses are archived.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// KVConfig selects the key-value store for settings, history, registry, and
// cache entries.
type KVConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for run-completed notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig sizes the progress hub and live stream buffers.
type ProgressConfig struct {
	BufferSize       int `mapstructure:"buffer_size"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.user_agent", "gradepop-bot/1.0 (+https://github.com/JakeFAU/gradepop-crawler)")
	v.SetDefault("crawler.robots_ttl", "24h")
	v.SetDefault("crawler.min_delay", "1s")
	v.SetDefault("crawler.probe_url", "https://www.google.com/generate_204")
	v.SetDefault("crawler.max_cards_per_run", 0)
	v.SetDefault("crawler.authorities_file", "")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_redirects", 5)
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_ms", 750)
	v.SetDefault("headless.ready_selector", "table")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("schedule.auto_update", true)
	v.SetDefault("schedule.time", "03:00")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("history.limit", 100)
	v.SetDefault("cache.ttl", "6h")
	v.SetDefault("cache.max_entries", 5000)
	v.SetDefault("cache.sweep_interval", "15m")
	v.SetDefault("retention.days", 90)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local.base_dir", "data/archive")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "raw")
	v.SetDefault("kv.driver", BackendMemory)
	v.SetDefault("kv.dsn", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "update-runs")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.subscriber_buffer", 32)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "gradepop-crawler")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Crawler.UserAgent) == "" {
		return errors.New("crawler.user_agent is required")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if _, _, err := scheduler.ParseClock(c.Schedule.Time); err != nil {
		return fmt.Errorf("schedule.time: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.History.Limit <= 0 {
		return errors.New("history.limit must be > 0")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateKV(); err != nil {
		return err
	}
	for _, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("sources: %w", err)
		}
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return errors.New("storage.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func (c Config) validateKV() error {
	switch c.KV.Driver {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.KV.DSN == "" {
			return fmt.Errorf("kv.dsn is required for the %s driver", c.KV.Driver)
		}
	default:
		return fmt.Errorf("unknown kv.driver %q", c.KV.Driver)
	}
	return nil
}

// Location resolves schedule.timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

// SourceList returns the configured sources, or the defaults.
func (c Config) SourceList() []registry.Source {
	if len(c.Sources) == 0 {
		return registry.DefaultSources()
	}
	out := make([]registry.Source, len(c.Sources))
	for i, src := range c.Sources {
		if src.Status == "" {
			src.Status = registry.StatusIdle
		}
		out[i] = src
	}
	return out
}

// Settings converts the schedule section to scheduler settings.
func (c Config) Settings() scheduler.Settings {
	return scheduler.Settings{AutoUpdateEnabled: c.Schedule.AutoUpdate, UpdateTime: c.Schedule.Time}
}

// HTTPTimeout converts http.timeout_seconds to a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
