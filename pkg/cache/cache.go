// Package cache provides read-query result caching with in-memory and Redis
// backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastpath-db/fastpath/pkg/models"
)

const keyPrefix = "qx:"

// ResultCache stores materialized result sets for cacheable reads.
type ResultCache interface {
	Get(ctx context.Context, key string) (*models.ResultSet, bool, error)
	Set(ctx context.Context, key string, rs *models.ResultSet, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
	Close() error
}

// Key derives a cache key from query text, bound parameters, and an optional
// caller scope. Two calls with identical inputs always produce the same key.
func Key(query string, params []interface{}, scope string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(query)))
	for _, p := range params {
		fmt.Fprintf(&b, "|%v", p)
	}
	if scope != "" {
		b.WriteString("|")
		b.WriteString(scope)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return keyPrefix + hex.EncodeToString(sum[:])[:16]
}

type memoryEntry struct {
	rs        *models.ResultSet
	expiresAt time.Time
}

// MemoryCache is a process-local ResultCache with TTL expiry and a background
// janitor.
type MemoryCache struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]memoryEntry

	stop chan struct{}
	once sync.Once
}

// NewMemoryCache creates an in-memory result cache.
func NewMemoryCache(logger zerolog.Logger) *MemoryCache {
	c := &MemoryCache{
		logger:  logger.With().Str("component", "result_cache").Logger(),
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns a cached result set if present and unexpired.
func (c *MemoryCache) Get(ctx context.Context, key string) (*models.ResultSet, bool, error) {
	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(ent.expiresAt) {
		return nil, false, nil
	}
	return ent.rs, true, nil
}

// Set stores a result set with a TTL.
func (c *MemoryCache) Set(ctx context.Context, key string, rs *models.ResultSet, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{rs: rs, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate removes entries whose key matches the glob pattern. An empty or
// "*" pattern clears the whole cache.
func (c *MemoryCache) Invalidate(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" || pattern == "*" {
		c.entries = make(map[string]memoryEntry)
		return nil
	}
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

// Close stops the janitor.
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, ent := range c.entries {
				if now.After(ent.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
