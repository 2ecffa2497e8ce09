package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30000, cfg.Execution.QueryTimeoutMillis)
	assert.Equal(t, 100, cfg.Execution.SlowQueryThresholdMillis)
	assert.Equal(t, 1000, cfg.Execution.StatementCacheCapacity)
	assert.True(t, cfg.Execution.EnablePreparedStatements)
	assert.True(t, cfg.Execution.EnableQueryOptimization)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
database:
  primary:
    url: postgres://app@primary/main
    min_size: 10
    max_size: 40
  read_replica:
    url: postgres://app@replica/main
execution:
  query_timeout_ms: 10000
  slow_query_threshold_ms: 50
cache:
  backend: redis
  redis_addr: localhost:6379
  ttl_s: 60
logging:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "postgres://app@primary/main", cfg.Database.Primary.URL)
	assert.Equal(t, 10, cfg.Database.Primary.MinSize)
	assert.Equal(t, 40, cfg.Database.Primary.MaxSize)
	assert.Equal(t, "postgres://app@replica/main", cfg.Database.ReadReplica.URL)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout())
	assert.Equal(t, 50*time.Millisecond, cfg.SlowQueryThreshold())
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL())
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields keep their defaults.
	assert.Equal(t, 1000, cfg.Execution.StatementCacheCapacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listen_addr: [not closed")
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestValidateRequiresPrimaryURL(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.primary.url")
}

func TestValidateRejectsUnknownCacheBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Primary.URL = "postgres://db/main"
	cfg.Cache.Backend = "memcached"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresRedisAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Primary.URL = "postgres://db/main"
	cfg.Cache.Backend = "redis"
	assert.Error(t, cfg.Validate())
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Primary.URL = "postgres://db/main"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30000, cfg.Execution.QueryTimeoutMillis)
	assert.Equal(t, 1000, cfg.Execution.StatementCacheCapacity)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
}
