// Package config loads the server configuration from environment variables
// and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/database"
)

// Config is the complete server configuration. The core keys (DATABASE_URL,
// CONTEXT_CACHE_SIZE, ...) bind verbatim with no prefix; everything else has
// a sensible default and can be overridden by env or config file.
type Config struct {
	// Core keys
	DatabaseURL           string `mapstructure:"database_url"`
	DatabaseType          string `mapstructure:"database_type"`
	ContextCacheSize      int    `mapstructure:"context_cache_size"`
	ContextCacheTTL       int    `mapstructure:"context_cache_ttl"`
	DefaultUserID         string `mapstructure:"default_user_id"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`

	// Server extras
	ListenAddress  string `mapstructure:"listen_address"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
	MigrationsPath string `mapstructure:"migrations_path"`
	RedisAddr      string `mapstructure:"redis_addr"`
	LogLevel       string `mapstructure:"log_level"`
	RateLimitRPS   int    `mapstructure:"rate_limit_rps"`
	RateLimitBurst int    `mapstructure:"rate_limit_burst"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`
	CORSOrigins    string `mapstructure:"cors_origins"`
}

// envKeys maps config keys onto the environment variables they bind to.
// The spec-level keys are bound by their exact names.
var envKeys = map[string]string{
	"database_url":            "DATABASE_URL",
	"database_type":           "DATABASE_TYPE",
	"context_cache_size":      "CONTEXT_CACHE_SIZE",
	"context_cache_ttl":       "CONTEXT_CACHE_TTL",
	"default_user_id":         "DEFAULT_USER_ID",
	"request_timeout_seconds": "REQUEST_TIMEOUT_SECONDS",
	"listen_address":          "LISTEN_ADDRESS",
	"auto_migrate":            "AUTO_MIGRATE",
	"migrations_path":         "MIGRATIONS_PATH",
	"redis_addr":              "REDIS_ADDR",
	"log_level":               "LOG_LEVEL",
	"rate_limit_rps":          "RATE_LIMIT_RPS",
	"rate_limit_burst":        "RATE_LIMIT_BURST",
	"tracing_enabled":         "TRACING_ENABLED",
	"tracing_endpoint":        "TRACING_ENDPOINT",
	"cors_origins":            "CORS_ORIGINS",
}

// Load reads configuration from an optional config.yaml plus the
// environment. Environment values win over file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_type", "postgresql")
	v.SetDefault("context_cache_size", 1000)
	v.SetDefault("context_cache_ttl", 0)
	v.SetDefault("default_user_id", "default_user")
	v.SetDefault("request_timeout_seconds", 30)

	v.SetDefault("listen_address", ":8080")
	v.SetDefault("auto_migrate", true)
	v.SetDefault("migrations_path", "migrations/sql")
	v.SetDefault("redis_addr", "")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("rate_limit_rps", 100)
	v.SetDefault("rate_limit_burst", 200)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_endpoint", "localhost:4317")
	v.SetDefault("cors_origins", "*")
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch strings.ToLower(c.DatabaseType) {
	case "postgresql", "postgres":
	default:
		return fmt.Errorf("DATABASE_TYPE %q is not supported; use postgresql", c.DatabaseType)
	}
	if c.ContextCacheSize <= 0 {
		return fmt.Errorf("CONTEXT_CACHE_SIZE must be positive, got %d", c.ContextCacheSize)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive, got %d", c.RequestTimeoutSeconds)
	}
	return nil
}

// DatabaseConfig maps the core keys onto the database package config.
func (c *Config) DatabaseConfig() database.Config {
	return database.Config{
		DSN:    c.DatabaseURL,
		Driver: "postgres",
	}
}

// RedisConfig returns the entity-cache settings, or false when the optional
// Redis layer is not configured.
func (c *Config) RedisConfig() (cache.RedisConfig, bool) {
	if c.RedisAddr == "" {
		return cache.RedisConfig{}, false
	}
	return cache.RedisConfig{
		Address:      c.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
	}, true
}

// RequestTimeout returns the per-request execution budget.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CacheTTL returns the resolver-cache TTL; zero means LRU-only.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.ContextCacheTTL) * time.Second
}
