// Package config provides configuration management for the Kumon WhatsApp
// receptionist engine. Adapted from the teacher message-service's Viper-based
// loader: same defaults/validate/LoadConfig shape, generalized to the
// receptionist's domains (business hours, LLM budget, RAG/calendar feature
// flags, outbox delivery) instead of raw message-queue batching.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the single flat configuration map described in spec §6.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
	LLM       LLMConfig
	Hours     HoursConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Deadlines DeadlineConfig
	Outbox    OutboxConfig
	Features  FeatureFlags
	Intent    IntentConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
}

// DatabaseConfig holds PostgreSQL configuration for the state store (C1).
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration shared by rate limiting, dedupe, and
// template caching.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// GatewayConfig configures the outbound WhatsApp gateway adapter and the
// allow-list used for instance-pinning enforcement (§4.10, §8 property 3).
type GatewayConfig struct {
	APIKey               string        `mapstructure:"api_key"`
	APIEndpoint          string        `mapstructure:"api_endpoint"`
	Timeout              time.Duration `mapstructure:"timeout"`
	RetryAttempts        int           `mapstructure:"retry_attempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	AllowedInstances     []string      `mapstructure:"allowed_instances"`
	ConcurrencyCap       int           `mapstructure:"concurrency_cap"`
	MinInterMessageDelay time.Duration `mapstructure:"min_inter_message_delay"`
}

// LLMConfig controls the daily spend ceiling, circuit-breaker settings and
// provider credentials. PrimaryProvider and FallbackProvider are loaded but
// not read; the failover order is fixed when cmd/receptionist builds the
// adapters.
type LLMConfig struct {
	DailyBudgetUSD          float64       `mapstructure:"daily_budget_usd"`
	PrimaryProvider         string        `mapstructure:"primary_provider"`
	FallbackProvider        string        `mapstructure:"fallback_provider"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	CircuitFailureThreshold int           `mapstructure:"circuit_failure_threshold"`
	CircuitOpenTimeout      time.Duration `mapstructure:"circuit_open_timeout"`

	AnthropicAPIKey  string `mapstructure:"anthropic_api_key"`
	AnthropicModel   string `mapstructure:"anthropic_model"`
	LangchainAPIKey  string `mapstructure:"langchain_api_key"`
	LangchainBaseURL string `mapstructure:"langchain_base_url"`
	LangchainModel   string `mapstructure:"langchain_model"`
}

// HoursConfig is the weekday business-hours window (local time), checked by
// the preprocessor's deferred-hours gate (§4.2).
type HoursConfig struct {
	Timezone       string `mapstructure:"timezone"`
	MorningStart   string `mapstructure:"morning_start"`
	MorningEnd     string `mapstructure:"morning_end"`
	AfternoonStart string `mapstructure:"afternoon_start"`
	AfternoonEnd   string `mapstructure:"afternoon_end"`
}

// RateLimitConfig bounds the preprocessor's per-peer and global token
// buckets (§4.2).
type RateLimitConfig struct {
	PerPeerPerMinute int `mapstructure:"per_peer_per_minute"`
	PerPeerBurst     int `mapstructure:"per_peer_burst"`
	GlobalPerSecond  int `mapstructure:"global_per_second"`
}

// RetryConfig is a backoff policy section loaded from config. Neither the
// LLM gateway nor the outbox delivery worker reads it: the gateway builds
// its retry.Policy from fixed values, and the outbox from OutboxConfig.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Factor      float64       `mapstructure:"factor"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxWall     time.Duration `mapstructure:"max_wall"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      float64       `mapstructure:"jitter"`
}

// DeadlineConfig bounds a single turn's wall-clock budget and the startup
// readiness deadline enforced by the bootstrap sequencer (C12).
type DeadlineConfig struct {
	Turn    time.Duration `mapstructure:"turn"`
	Startup time.Duration `mapstructure:"startup"`
}

// OutboxConfig tunes the delivery coordinator's retry and queueing behavior.
type OutboxConfig struct {
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxWall              time.Duration `mapstructure:"max_wall"`
	QueueDepth           int           `mapstructure:"queue_depth"`
}

// FeatureFlags toggles optional capability adapters (§3 capability pattern).
type FeatureFlags struct {
	RAGEnabled      bool `mapstructure:"rag_enabled"`
	CalendarEnabled bool `mapstructure:"calendar_enabled"`
}

// IntentConfig sets the confidence-band cutoffs the classifier (C3) sorts
// every Intent into (§4.3: HIGH proceeds, MEDIUM retries/escalates via C9,
// LOW/FLOOR drop to Fallback level1/level2).
type IntentConfig struct {
	ThresholdHigh   float64 `mapstructure:"threshold_high"`
	ThresholdMedium float64 `mapstructure:"threshold_medium"`
	ThresholdLow    float64 `mapstructure:"threshold_low"`
}

// LoadConfig loads and validates the service configuration from environment
// variables and config files.
func LoadConfig() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("RECEPTIONIST")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/receptionist/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Continue with environment variables if config file is not found.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "15m")

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("gateway.timeout", "30s")
	v.SetDefault("gateway.retry_attempts", 3)
	v.SetDefault("gateway.retry_delay", "1s")
	v.SetDefault("gateway.concurrency_cap", 20)
	v.SetDefault("gateway.min_inter_message_delay", "250ms")

	v.SetDefault("llm.daily_budget_usd", 5.0)
	v.SetDefault("llm.primary_provider", "anthropic")
	v.SetDefault("llm.fallback_provider", "langchain")
	v.SetDefault("llm.timeout", "8s")
	v.SetDefault("llm.circuit_failure_threshold", 5)
	v.SetDefault("llm.circuit_open_timeout", "60s")
	v.SetDefault("llm.anthropic_model", "claude-3-5-sonnet-20241022")
	v.SetDefault("llm.langchain_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.langchain_model", "gpt-4o-mini")

	v.SetDefault("hours.timezone", "America/Sao_Paulo")
	v.SetDefault("hours.morning_start", "08:00")
	v.SetDefault("hours.morning_end", "12:00")
	v.SetDefault("hours.afternoon_start", "14:00")
	v.SetDefault("hours.afternoon_end", "17:00")

	v.SetDefault("ratelimit.per_peer_per_minute", 10)
	v.SetDefault("ratelimit.per_peer_burst", 3)
	v.SetDefault("ratelimit.global_per_second", 50)

	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max_delay", "8s")
	v.SetDefault("retry.max_wall", "8s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("deadlines.turn", "20s")
	v.SetDefault("deadlines.startup", "10s")

	v.SetDefault("outbox.max_delivery_attempts", 5)
	v.SetDefault("outbox.base_delay", "1s")
	v.SetDefault("outbox.max_wall", "60s")
	v.SetDefault("outbox.queue_depth", 8)

	v.SetDefault("features.rag_enabled", false)
	v.SetDefault("features.calendar_enabled", false)

	v.SetDefault("intent.threshold_high", 0.85)
	v.SetDefault("intent.threshold_medium", 0.55)
	v.SetDefault("intent.threshold_low", 0.25)
}

// validate checks if all required configuration values are present and valid.
func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if cfg.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d", cfg.Redis.Port)
	}
	if cfg.Gateway.APIEndpoint == "" {
		return fmt.Errorf("gateway API endpoint is required")
	}
	if len(cfg.Gateway.AllowedInstances) == 0 {
		return fmt.Errorf("at least one allowed gateway instance is required")
	}
	if cfg.LLM.DailyBudgetUSD <= 0 {
		return fmt.Errorf("LLM daily budget must be positive")
	}
	if cfg.Outbox.QueueDepth <= 0 {
		return fmt.Errorf("outbox queue depth must be positive")
	}
	if !(cfg.Intent.ThresholdHigh > cfg.Intent.ThresholdMedium && cfg.Intent.ThresholdMedium > cfg.Intent.ThresholdLow) {
		return fmt.Errorf("intent thresholds must satisfy high > medium > low")
	}
	return nil
}
