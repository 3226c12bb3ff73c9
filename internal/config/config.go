// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	DB           DBConfig           `mapstructure:"db"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Collaborator CollaboratorConfig `mapstructure:"collaborator"`
	Limiter      LimiterConfig      `mapstructure:"limiter"`
	Consumer     ConsumerConfig     `mapstructure:"consumer"`
	Seeder       SeederConfig       `mapstructure:"seeder"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
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

// DBConfig controls access to the relational state store.
type DBConfig struct {
	Provider        string `mapstructure:"provider"`
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// RedisConfig controls the fast rate-limit window tier.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig selects and configures the work-item queue.
type QueueConfig struct {
	Provider       string `mapstructure:"provider"`
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	MemoryDepth    int    `mapstructure:"memory_depth"`
}

// StorageConfig sets the raw-payload archive destination.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// CollaboratorConfig points at the browser-automation scrape service.
type CollaboratorConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RecordLimit    int    `mapstructure:"record_limit"`
}

// LimiterConfig governs the dual-tier rate limiter.
type LimiterConfig struct {
	DefaultRPS        float64 `mapstructure:"default_rps"`
	ConfigTTLSeconds  int     `mapstructure:"config_ttl_seconds"`
	UsageWriteback    bool    `mapstructure:"usage_writeback"`
	WindowKeyPrefix   string  `mapstructure:"window_key_prefix"`
	WindowTTLSeconds  int     `mapstructure:"window_ttl_seconds"`
	DenyOnWindowError bool    `mapstructure:"deny_on_window_error"`
}

// ConsumerConfig governs orchestrator behavior.
type ConsumerConfig struct {
	BatchSize           int `mapstructure:"batch_size"`
	MaxAttempts         int `mapstructure:"max_attempts"`
	BackoffBaseSeconds  int `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds   int `mapstructure:"backoff_cap_seconds"`
	MaxRateWaitSeconds  int `mapstructure:"max_rate_wait_seconds"`
	BatchTimeoutSeconds int `mapstructure:"batch_timeout_seconds"`
	StorageRetries      int `mapstructure:"storage_retries"`
}

// SeederConfig governs enumeration and publish pacing.
type SeederConfig struct {
	PublishRPS     float64 `mapstructure:"publish_rps"`
	PublishBurst   int     `mapstructure:"publish_burst"`
	BatchSize      int     `mapstructure:"batch_size"`
	FreshnessHours int     `mapstructure:"freshness_hours"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.memory_depth", 256)
	v.SetDefault("storage.provider", "noop")
	v.SetDefault("storage.prefix", "payloads")
	v.SetDefault("collaborator.timeout_seconds", 45)
	v.SetDefault("collaborator.record_limit", 500)
	v.SetDefault("limiter.default_rps", 1)
	v.SetDefault("limiter.config_ttl_seconds", 30)
	v.SetDefault("limiter.usage_writeback", true)
	v.SetDefault("limiter.window_key_prefix", "rl")
	v.SetDefault("limiter.window_ttl_seconds", 2)
	v.SetDefault("limiter.deny_on_window_error", false)
	v.SetDefault("consumer.batch_size", 10)
	v.SetDefault("consumer.max_attempts", 3)
	v.SetDefault("consumer.backoff_base_seconds", 60)
	v.SetDefault("consumer.backoff_cap_seconds", 3600)
	v.SetDefault("consumer.max_rate_wait_seconds", 5)
	v.SetDefault("consumer.batch_timeout_seconds", 300)
	v.SetDefault("consumer.storage_retries", 3)
	v.SetDefault("seeder.publish_rps", 20)
	v.SetDefault("seeder.publish_burst", 5)
	v.SetDefault("seeder.batch_size", 50)
	v.SetDefault("seeder.freshness_hours", 24)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	if c.Queue.Provider == "pubsub" && (c.Queue.ProjectID == "" || c.Queue.TopicID == "") {
		return fmt.Errorf("queue.project_id and queue.topic_id must be set when queue.provider is pubsub")
	}
	if c.Storage.Provider == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set when storage.provider is gcs")
	}
	if c.Collaborator.TimeoutSeconds <= 0 {
		return fmt.Errorf("collaborator.timeout_seconds must be > 0")
	}
	if c.Limiter.DefaultRPS <= 0 {
		return fmt.Errorf("limiter.default_rps must be > 0")
	}
	if c.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer.batch_size must be > 0")
	}
	if c.Consumer.MaxAttempts <= 0 {
		return fmt.Errorf("consumer.max_attempts must be > 0")
	}
	if c.Consumer.BackoffBaseSeconds <= 0 || c.Consumer.BackoffCapSeconds < c.Consumer.BackoffBaseSeconds {
		return fmt.Errorf("consumer backoff bounds are invalid")
	}
	if c.Seeder.PublishRPS <= 0 {
		return fmt.Errorf("seeder.publish_rps must be > 0")
	}
	return nil
}

// ScrapeTimeout returns the collaborator call deadline.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Collaborator.TimeoutSeconds) * time.Second
}

// BatchTimeout returns the overall per-batch deadline.
func (c Config) BatchTimeout() time.Duration {
	return time.Duration(c.Consumer.BatchTimeoutSeconds) * time.Second
}

// FreshnessWindow returns how long completed/processing items stay
// excluded from re-seeding.
func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Seeder.FreshnessHours) * time.Hour
}
