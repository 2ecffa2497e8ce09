package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fastpath-db/fastpath/pkg/driver"
	"github.com/fastpath-db/fastpath/pkg/models"
)

// Conn is one pooled database session. A Conn is only ever checked out by a
// single caller at a time, so its statement table needs no lock of its own
// during execution; the mutex only guards concurrent invalidation.
type Conn struct {
	id        string
	poolName  string
	dc        driver.Conn
	createdAt time.Time

	lastUsed  atomic.Int64 // unix-nanos
	inUse     atomic.Bool
	broken    atomic.Bool
	errStreak atomic.Int32

	mu    sync.Mutex
	stmts map[string]driver.Statement // signature -> session-scoped handle
}

func newConn(poolName string, dc driver.Conn) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		poolName:  poolName,
		dc:        dc,
		createdAt: time.Now(),
		stmts:     make(map[string]driver.Statement),
	}
	c.lastUsed.Store(c.createdAt.UnixNano())
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// PoolName returns the name of the owning pool.
func (c *Conn) PoolName() string { return c.poolName }

// LastUsed returns the time of last activity.
func (c *Conn) LastUsed() time.Time { return time.Unix(0, c.lastUsed.Load()) }

func (c *Conn) touch() { c.lastUsed.Store(time.Now().UnixNano()) }

// MarkBroken flags the connection so the pool retires it on release instead
// of returning it to the idle queue. Used after a forced execution timeout,
// when in-flight session state is unknown.
func (c *Conn) MarkBroken() { c.broken.Store(true) }

// Broken reports whether the connection must be retired.
func (c *Conn) Broken() bool { return c.broken.Load() }

// ErrorStreak returns the current consecutive execution failure count.
func (c *Conn) ErrorStreak() int { return int(c.errStreak.Load()) }

func (c *Conn) recordOutcome(err error) {
	c.touch()
	if err != nil {
		c.errStreak.Add(1)
		return
	}
	c.errStreak.Store(0)
}

// Query executes a query on the session, tracking consecutive failures.
func (c *Conn) Query(ctx context.Context, query string, args ...interface{}) (*models.ResultSet, error) {
	rs, err := c.dc.Query(ctx, query, args...)
	c.recordOutcome(err)
	return rs, err
}

// Exec executes a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	n, err := c.dc.Exec(ctx, query, args...)
	c.recordOutcome(err)
	return n, err
}

// Begin starts a transaction on the session.
func (c *Conn) Begin(ctx context.Context, isolation models.IsolationLevel) (driver.Tx, error) {
	c.touch()
	return c.dc.Begin(ctx, isolation)
}

// AnalyzePlan runs the driver's plan-analysis command.
func (c *Conn) AnalyzePlan(ctx context.Context, query string, args ...interface{}) (*driver.PlanReport, error) {
	return c.dc.AnalyzePlan(ctx, query, args...)
}

// Ping verifies the session is alive.
func (c *Conn) Ping(ctx context.Context) error { return c.dc.Ping(ctx) }

// Statement returns the session-local prepared handle for a signature.
func (c *Conn) Statement(signature string) (driver.Statement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stmts[signature]
	return s, ok
}

// Prepare creates a prepared handle and stores it in the session-local table.
func (c *Conn) Prepare(ctx context.Context, signature, query string) (driver.Statement, error) {
	stmt, err := c.dc.Prepare(ctx, query)
	c.recordOutcome(err)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if old, ok := c.stmts[signature]; ok {
		old.Close()
	}
	c.stmts[signature] = stmt
	c.mu.Unlock()
	return stmt, nil
}

// DropStatement closes and removes one session-local handle.
func (c *Conn) DropStatement(signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stmts[signature]; ok {
		s.Close()
		delete(c.stmts, signature)
	}
}

// close tears the session down; all session-scoped handles die with it.
func (c *Conn) close() error {
	c.mu.Lock()
	for sig, s := range c.stmts {
		s.Close()
		delete(c.stmts, sig)
	}
	c.mu.Unlock()
	return c.dc.Close()
}
