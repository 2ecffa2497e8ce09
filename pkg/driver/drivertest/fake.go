// Package drivertest provides an in-memory fake driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastpath-db/fastpath/pkg/driver"
	"github.com/fastpath-db/fastpath/pkg/models"
)

// QueryFunc scripts query behavior for a fake driver.
type QueryFunc func(query string, args []interface{}) (*models.ResultSet, error)

// Driver is a fake driver.Driver. Connections it hands out are fully
// in-memory; behavior is scripted through OnQuery and the per-connection
// failure knobs.
type Driver struct {
	mu sync.Mutex

	ConnectDelay time.Duration
	ConnectErr   error

	// OnQuery, when set, handles every Query/Exec across all sessions.
	OnQuery QueryFunc

	conns []*Conn
	seq   int64
}

// New creates a fake driver.
func New() *Driver {
	return &Driver{}
}

// Connect opens a fake session.
func (d *Driver) Connect(ctx context.Context, url string) (driver.Conn, error) {
	if d.ConnectDelay > 0 {
		select {
		case <-time.After(d.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	d.seq++
	c := &Conn{driver: d, ID: d.seq, URL: url}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conns returns every session ever opened.
func (d *Driver) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// OpenCount returns the number of sessions not yet closed.
func (d *Driver) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.closed.Load() {
			n++
		}
	}
	return n
}

// Conn is a fake session.
type Conn struct {
	driver *Driver
	ID     int64
	URL    string

	closed atomic.Bool

	// FailNext makes the next N executions on this session fail.
	FailNext atomic.Int32

	// ExecDelay delays every execution on this session.
	ExecDelay time.Duration

	mu       sync.Mutex
	prepared []string
	executed []string
	analyzed []string

	// LastTx is the most recent transaction begun on this session.
	LastTx *Tx
}

// Prepared returns the queries prepared on this session, in order.
func (c *Conn) Prepared() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prepared))
	copy(out, c.prepared)
	return out
}

// Executed returns the queries executed on this session, in order.
func (c *Conn) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.executed))
	copy(out, c.executed)
	return out
}

// Analyzed returns the queries run through plan analysis on this session.
func (c *Conn) Analyzed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.analyzed))
	copy(out, c.analyzed)
	return out
}

// Closed reports whether the session has been closed.
func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) run(ctx context.Context, query string, args []interface{}) (*models.ResultSet, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("session closed")
	}
	if c.ExecDelay > 0 {
		select {
		case <-time.After(c.ExecDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n := c.FailNext.Load(); n > 0 {
		c.FailNext.Add(-1)
		return nil, fmt.Errorf("scripted failure")
	}

	c.mu.Lock()
	c.executed = append(c.executed, query)
	fn := c.driver.OnQuery
	c.mu.Unlock()

	if fn != nil {
		return fn(query, args)
	}
	return &models.ResultSet{Columns: []string{"ok"}, Rows: [][]interface{}{{int64(1)}}}, nil
}

func (c *Conn) Prepare(ctx context.Context, query string) (driver.Statement, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("session closed")
	}
	if n := c.FailNext.Load(); n > 0 {
		c.FailNext.Add(-1)
		return nil, fmt.Errorf("scripted prepare failure")
	}
	c.mu.Lock()
	c.prepared = append(c.prepared, query)
	c.mu.Unlock()
	return &stmt{conn: c, query: query}, nil
}

func (c *Conn) Query(ctx context.Context, query string, args ...interface{}) (*models.ResultSet, error) {
	return c.run(ctx, query, args)
}

func (c *Conn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	rs, err := c.run(ctx, query, args)
	if err != nil {
		return 0, err
	}
	return rs.NumRows(), nil
}

func (c *Conn) Begin(ctx context.Context, isolation models.IsolationLevel) (driver.Tx, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("session closed")
	}
	tx := &Tx{conn: c, Isolation: isolation}
	c.mu.Lock()
	c.LastTx = tx
	c.mu.Unlock()
	return tx, nil
}

func (c *Conn) AnalyzePlan(ctx context.Context, query string, args ...interface{}) (*driver.PlanReport, error) {
	c.mu.Lock()
	c.analyzed = append(c.analyzed, query)
	c.mu.Unlock()
	return &driver.PlanReport{TotalCost: 42, UsesSeqScan: true}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("session closed")
	}
	return nil
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

type stmt struct {
	conn  *Conn
	query string

	closed atomic.Bool
}

func (s *stmt) Query(ctx context.Context, args ...interface{}) (*models.ResultSet, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("statement closed")
	}
	return s.conn.run(ctx, s.query, args)
}

func (s *stmt) Exec(ctx context.Context, args ...interface{}) (int64, error) {
	rs, err := s.Query(ctx, args...)
	if err != nil {
		return 0, err
	}
	return rs.NumRows(), nil
}

func (s *stmt) Close() error {
	s.closed.Store(true)
	return nil
}

// Tx is a fake transaction recording savepoint activity.
type Tx struct {
	conn      *Conn
	Isolation models.IsolationLevel

	mu           sync.Mutex
	Savepoints   []string
	RolledBackTo []string
	Committed    bool
	Aborted      bool
}

func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (*models.ResultSet, error) {
	return t.conn.run(ctx, query, args)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	rs, err := t.conn.run(ctx, query, args)
	if err != nil {
		return 0, err
	}
	return rs.NumRows(), nil
}

func (t *Tx) Savepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Savepoints = append(t.Savepoints, name)
	return nil
}

func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RolledBackTo = append(t.RolledBackTo, name)
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Aborted = true
	return nil
}
