// Package config loads and validates server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig configures one connection pool.
type PoolConfig struct {
	URL                  string `yaml:"url" json:"url"`
	MinSize              int    `yaml:"min_size" json:"min_size"`
	MaxSize              int    `yaml:"max_size" json:"max_size"`
	AcquireTimeoutMillis int    `yaml:"acquire_timeout_ms" json:"acquire_timeout_ms"`
	IdleTimeoutSeconds   int    `yaml:"idle_timeout_s" json:"idle_timeout_s"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Backend    string `yaml:"backend" json:"backend"` // "memory" or "redis"
	RedisAddr  string `yaml:"redis_addr" json:"redis_addr"`
	RedisPass  string `yaml:"redis_password" json:"redis_password"`
	RedisDB    int    `yaml:"redis_db" json:"redis_db"`
	TTLSeconds int    `yaml:"ttl_s" json:"ttl_s"`
}

// Config is the top-level server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	Database struct {
		Primary     PoolConfig `yaml:"primary" json:"primary"`
		ReadReplica PoolConfig `yaml:"read_replica" json:"read_replica"`
		Analytics   PoolConfig `yaml:"analytics" json:"analytics"`
	} `yaml:"database" json:"database"`

	Execution struct {
		QueryTimeoutMillis       int  `yaml:"query_timeout_ms" json:"query_timeout_ms"`
		SlowQueryThresholdMillis int  `yaml:"slow_query_threshold_ms" json:"slow_query_threshold_ms"`
		StatementCacheCapacity   int  `yaml:"prepared_statement_cache_capacity" json:"prepared_statement_cache_capacity"`
		EnablePreparedStatements bool `yaml:"enable_prepared_statements" json:"enable_prepared_statements"`
		EnableQueryOptimization  bool `yaml:"enable_query_optimization" json:"enable_query_optimization"`
	} `yaml:"execution" json:"execution"`

	Cache CacheConfig `yaml:"cache" json:"cache"`

	Logging struct {
		Level  string `yaml:"level" json:"level"`
		Pretty bool   `yaml:"pretty" json:"pretty"`
	} `yaml:"logging" json:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled" json:"enabled"`
	} `yaml:"metrics" json:"metrics"`
}

// DefaultConfig returns a configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ListenAddr = ":8080"
	cfg.Execution.QueryTimeoutMillis = 30000
	cfg.Execution.SlowQueryThresholdMillis = 100
	cfg.Execution.StatementCacheCapacity = 1000
	cfg.Execution.EnablePreparedStatements = true
	cfg.Execution.EnableQueryOptimization = true
	cfg.Cache.Backend = "memory"
	cfg.Cache.TTLSeconds = 30
	cfg.Logging.Level = "info"
	cfg.Metrics.Enabled = true
	return cfg
}

// LoadFromFile reads YAML configuration and applies defaults for anything
// unset.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and fills remaining defaults.
func (c *Config) Validate() error {
	if c.Database.Primary.URL == "" {
		return fmt.Errorf("database.primary.url is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Execution.QueryTimeoutMillis <= 0 {
		c.Execution.QueryTimeoutMillis = 30000
	}
	if c.Execution.SlowQueryThresholdMillis <= 0 {
		c.Execution.SlowQueryThresholdMillis = 100
	}
	if c.Execution.StatementCacheCapacity <= 0 {
		c.Execution.StatementCacheCapacity = 1000
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required when cache.backend is redis")
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// QueryTimeout returns the per-query deadline as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Execution.QueryTimeoutMillis) * time.Millisecond
}

// SlowQueryThreshold returns the slow-query threshold as a duration.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.Execution.SlowQueryThresholdMillis) * time.Millisecond
}

// CacheTTL returns the result cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
