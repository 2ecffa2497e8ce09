// Package statements caches prepared statement handles with LRU eviction.
// Handles are session-scoped: the cache tracks which (session, signature)
// pairs hold a live handle and bounds their total number.
package statements

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fastpath-db/fastpath/pkg/driver"
	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/metrics"
	"github.com/fastpath-db/fastpath/pkg/pool"
)

// DefaultCapacity bounds live prepared handles per cache.
const DefaultCapacity = 1000

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	numberPattern     = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	stringPattern     = regexp.MustCompile(`'[^']*'`)
)

// Normalize collapses whitespace, lowercases, and replaces literals with
// placeholders so structurally identical queries share one signature.
func Normalize(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = stringPattern.ReplaceAllString(q, "?")
	q = numberPattern.ReplaceAllString(q, "?")
	q = whitespacePattern.ReplaceAllString(q, " ")
	return q
}

// Signature derives a stable 16-hex-char identifier from normalized query
// text. It is safe to log: no literals from the original query survive.
func Signature(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])[:16]
}

// Result is the outcome of a cache lookup: the handle to execute plus whether
// it was newly prepared on this call.
type Result struct {
	Stmt     driver.Statement
	Prepared bool // false means the handle was reused
}

type entry struct {
	key       string // connID + ":" + signature
	signature string
	conn      *pool.Conn
}

// Cache is an LRU over live (session, signature) handle pairs. Eviction drops
// the handle on its owning session; retired sessions invalidate their entries
// lazily, since a dead session's handles died with it.
type Cache struct {
	capacity  int
	logger    zerolog.Logger
	collector metrics.Collector

	mu      sync.Mutex
	order   *list.List               // front = most recently used
	entries map[string]*list.Element

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCollector reports prepare and eviction events to a metrics collector.
func WithCollector(c metrics.Collector) CacheOption {
	return func(cache *Cache) {
		if c != nil {
			cache.collector = c
		}
	}
}

// NewCache creates a statement cache. Capacity zero or below uses the default.
func NewCache(capacity int, logger zerolog.Logger, opts ...CacheOption) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity:  capacity,
		logger:    logger.With().Str("component", "statement_cache").Logger(),
		collector: metrics.NoOp{},
		order:     list.New(),
		entries:   make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrPrepare returns the session's prepared handle for the query, preparing
// one if the session does not hold it yet. Insertion past capacity evicts the
// least recently used handle; entries with equal recency evict in insertion
// order.
func (c *Cache) GetOrPrepare(ctx context.Context, conn *pool.Conn, query string) (Result, error) {
	sig := Signature(query)
	key := conn.ID() + ":" + sig

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		if stmt, live := conn.Statement(sig); live {
			c.order.MoveToFront(elem)
			c.mu.Unlock()
			c.hits.Add(1)
			return Result{Stmt: stmt, Prepared: false}, nil
		}
		// Handle vanished from the session; drop the stale entry.
		c.order.Remove(elem)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	c.misses.Add(1)

	stmt, err := conn.Prepare(ctx, sig, query)
	if err != nil {
		return Result{}, pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "prepare failed").
			WithDetail("signature", sig)
	}

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		// Lost a race with a concurrent prepare on the same session.
		c.order.MoveToFront(elem)
	} else {
		c.entries[key] = c.order.PushFront(&entry{key: key, signature: sig, conn: conn})
		for c.order.Len() > c.capacity {
			c.evictOldest()
		}
	}
	c.mu.Unlock()

	return Result{Stmt: stmt, Prepared: true}, nil
}

// evictOldest removes the back of the LRU list. Caller holds c.mu.
func (c *Cache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	ent := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, ent.key)
	ent.conn.DropStatement(ent.signature)
	c.evictions.Add(1)
	c.collector.StatementEvicted()
	c.logger.Debug().Str("signature", ent.signature).Msg("Statement evicted")
}

// InvalidateConn removes all entries held by one session. The handles need no
// explicit close when the session is being retired.
func (c *Cache) InvalidateConn(connID string) {
	prefix := connID + ":"
	c.mu.Lock()
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports cache counters.
func (c *Cache) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

// HitRate returns the fraction of lookups served from cache.
func (c *Cache) HitRate() float64 {
	h, m, _ := c.Stats()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
