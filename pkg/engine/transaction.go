package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fastpath-db/fastpath/pkg/classifier"
	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/models"
)

// TxOption configures a transaction.
type TxOption func(*txConfig)

type txConfig struct {
	isolation models.IsolationLevel
	fullAbort bool
}

// WithIsolation sets the transaction isolation level.
func WithIsolation(level models.IsolationLevel) TxOption {
	return func(c *txConfig) { c.isolation = level }
}

// WithFullAbort rolls the whole transaction back on any statement failure
// instead of committing the statements that succeeded.
func WithFullAbort() TxOption {
	return func(c *txConfig) { c.fullAbort = true }
}

// StatementOutcome records one statement's fate inside a transaction.
type StatementOutcome struct {
	Index        int    `json:"index"`
	RowsAffected int64  `json:"rows_affected"`
	Failed       bool   `json:"failed"`
	Skipped      bool   `json:"skipped,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TxResult summarizes a completed transaction.
type TxResult struct {
	Outcomes  []StatementOutcome `json:"outcomes"`
	Committed bool               `json:"committed"`
	Partial   bool               `json:"partial"`
	Duration  time.Duration      `json:"duration"`
}

// ExecuteTransaction runs statements in one transaction on a primary
// connection. Each statement executes behind its own savepoint. A failure
// rolls back to that savepoint and stops the transaction: earlier statements
// commit, later ones never run, and the caller gets TRANSACTION_PARTIAL with
// per-statement outcomes. WithFullAbort turns any failure into a full
// rollback instead.
func (e *Engine) ExecuteTransaction(ctx context.Context, stmts []models.Statement, opts ...TxOption) (TxResult, error) {
	if e.closed.Load() {
		return TxResult{}, pkgerrors.New(pkgerrors.CodeUnavailable, "engine is closed")
	}
	if len(stmts) == 0 {
		return TxResult{}, pkgerrors.New(pkgerrors.CodeInvalidRequest, "empty transaction")
	}

	cfg := txConfig{isolation: models.IsolationReadCommitted}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := time.Now()

	primary, err := e.pools.Get(classifier.PoolPrimary)
	if err != nil {
		return TxResult{}, err
	}
	conn, err := e.acquireWithRetry(ctx, primary)
	if err != nil {
		return TxResult{}, err
	}
	defer e.pools.Release(conn)

	txCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	tx, err := conn.Begin(txCtx, cfg.isolation)
	if err != nil {
		return TxResult{}, pkgerrors.Wrap(err, pkgerrors.CodeTransactionFailed, "begin failed")
	}

	result := TxResult{Outcomes: make([]StatementOutcome, len(stmts))}
	failures := 0

	for i, stmt := range stmts {
		outcome := StatementOutcome{Index: i}
		sp := fmt.Sprintf("sp_%d", i)

		if err := tx.Savepoint(txCtx, sp); err != nil {
			// A failed savepoint means the transaction itself is wedged.
			tx.Rollback(txCtx)
			conn.MarkBroken()
			e.collector.TransactionCompleted("aborted", len(stmts))
			return result, pkgerrors.Wrap(err, pkgerrors.CodeTransactionFailed, "savepoint failed")
		}

		affected, execErr := tx.Exec(txCtx, stmt.Query, stmt.Params...)
		if execErr != nil {
			if rbErr := tx.RollbackTo(txCtx, sp); rbErr != nil {
				tx.Rollback(txCtx)
				conn.MarkBroken()
				e.collector.TransactionCompleted("aborted", len(stmts))
				return result, pkgerrors.Wrap(rbErr, pkgerrors.CodeTransactionFailed,
					"rollback to savepoint failed")
			}
			outcome.Failed = true
			outcome.Error = execErr.Error()
			failures++
			result.Outcomes[i] = outcome
			e.logger.Warn().
				Int("statement", i).
				Err(execErr).
				Msg("Transaction statement failed, rolled back to savepoint")

			// Everything after the failure is skipped, never executed.
			for j := i + 1; j < len(stmts); j++ {
				result.Outcomes[j] = StatementOutcome{Index: j, Skipped: true}
			}
			break
		}
		outcome.RowsAffected = affected
		result.Outcomes[i] = outcome
	}

	result.Duration = time.Since(start)

	if failures > 0 && cfg.fullAbort {
		if err := tx.Rollback(txCtx); err != nil {
			conn.MarkBroken()
		}
		e.collector.TransactionCompleted("aborted", len(stmts))
		return result, pkgerrors.New(pkgerrors.CodeTransactionFailed,
			fmt.Sprintf("%d of %d statements failed, transaction rolled back", failures, len(stmts)))
	}

	if err := tx.Commit(txCtx); err != nil {
		conn.MarkBroken()
		e.collector.TransactionCompleted("aborted", len(stmts))
		return result, pkgerrors.Wrap(err, pkgerrors.CodeTransactionFailed, "commit failed")
	}
	result.Committed = true

	if failures > 0 {
		result.Partial = true
		e.collector.TransactionCompleted("partial", len(stmts))
		return result, pkgerrors.New(pkgerrors.CodeTransactionPartial, "transaction partially applied").
			WithDetail("failed", failures).
			WithDetail("total", len(stmts))
	}

	e.collector.TransactionCompleted("committed", len(stmts))
	return result, nil
}
