package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/fastpath-db/fastpath/pkg/classifier"
	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/models"
)

// BatchResult is the outcome of one statement in a batch, at the same index
// as its input.
type BatchResult struct {
	Result   *models.ResultSet        `json:"result,omitempty"`
	Metadata models.ExecutionMetadata `json:"metadata"`
	Err      error                    `json:"-"`
}

// ExecuteBatch runs a set of independent statements. Read-only batches fan
// out concurrently, bounded so the batch cannot drain a pool by itself; a
// batch containing any write runs sequentially in input order. Per-statement
// failures land in their slot and never abort the rest.
func (e *Engine) ExecuteBatch(ctx context.Context, stmts []models.Statement, opts ...ExecOption) ([]BatchResult, error) {
	if e.closed.Load() {
		return nil, pkgerrors.New(pkgerrors.CodeUnavailable, "engine is closed")
	}
	if len(stmts) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRequest, "empty batch")
	}

	readOnly := true
	for _, stmt := range stmts {
		cls := e.classifier.Classify(stmt.Query)
		if cls.Category != classifier.CategoryRead && cls.Category != classifier.CategoryAnalytical {
			readOnly = false
			break
		}
	}

	results := make([]BatchResult, len(stmts))

	if !readOnly {
		for i, stmt := range stmts {
			rs, meta, err := e.ExecuteOptimized(ctx, stmt, opts...)
			results[i] = BatchResult{Result: rs, Metadata: meta, Err: err}
		}
		return results, nil
	}

	limit := e.batchConcurrency()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, stmt := range stmts {
		i, stmt := i, stmt
		g.Go(func() error {
			rs, meta, err := e.ExecuteOptimized(gctx, stmt, opts...)
			results[i] = BatchResult{Result: rs, Metadata: meta, Err: err}
			// Statement errors stay in their slot; only a canceled batch
			// context stops the group.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, pkgerrors.Wrap(err, pkgerrors.CodeCanceled, "batch canceled")
	}
	return results, nil
}

// batchConcurrency caps fan-out at half the read replica pool so concurrent
// batches leave headroom for interactive queries.
func (e *Engine) batchConcurrency() int {
	for _, snap := range e.pools.Stats() {
		if snap.Name == classifier.PoolReadReplica {
			if n := snap.MaxSize / 2; n > 1 {
				return n
			}
			return 1
		}
	}
	return 4
}
