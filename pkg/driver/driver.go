// Package driver defines the boundary to the underlying database engine.
// The execution layer only ever talks to these interfaces; the wire protocol
// is the driver's concern.
package driver

import (
	"context"
	"time"

	"github.com/fastpath-db/fastpath/pkg/models"
)

// Driver opens sessions against one database node.
type Driver interface {
	// Connect establishes a new session. Each Conn is a dedicated session:
	// prepared statements and savepoints created on it are scoped to it.
	Connect(ctx context.Context, url string) (Conn, error)
}

// Conn is a single database session.
type Conn interface {
	// Prepare parses a statement server-side and returns a reusable handle
	// bound to this session.
	Prepare(ctx context.Context, query string) (Statement, error)
	// Query executes a statement and materializes its result set.
	Query(ctx context.Context, query string, args ...interface{}) (*models.ResultSet, error)
	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	// Begin starts a transaction on this session.
	Begin(ctx context.Context, isolation models.IsolationLevel) (Tx, error)
	// AnalyzePlan runs the engine's plan-analysis command. Advisory only,
	// never called on the hot path.
	AnalyzePlan(ctx context.Context, query string, args ...interface{}) (*PlanReport, error)
	// Ping verifies the session is alive.
	Ping(ctx context.Context) error
	// Close tears the session down.
	Close() error
}

// Statement is a server-side prepared statement bound to one session.
type Statement interface {
	Query(ctx context.Context, args ...interface{}) (*models.ResultSet, error)
	Exec(ctx context.Context, args ...interface{}) (int64, error)
	Close() error
}

// Tx is an open transaction on one session.
type Tx interface {
	Query(ctx context.Context, query string, args ...interface{}) (*models.ResultSet, error)
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	// Savepoint establishes a named savepoint.
	Savepoint(ctx context.Context, name string) error
	// RollbackTo rolls back to a previously established savepoint without
	// aborting the transaction.
	RollbackTo(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PlanReport summarizes a plan-analysis run.
type PlanReport struct {
	TotalCost   float64       `json:"total_cost"`
	ActualTime  time.Duration `json:"actual_time"`
	UsesSeqScan bool          `json:"uses_seq_scan"`
	Raw         string        `json:"-"`
}
