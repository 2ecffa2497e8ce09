// Package engine orchestrates query execution: classification, routing,
// prepared statement reuse, result caching, and transaction handling.
package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastpath-db/fastpath/pkg/cache"
	"github.com/fastpath-db/fastpath/pkg/classifier"
	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/metrics"
	"github.com/fastpath-db/fastpath/pkg/models"
	"github.com/fastpath-db/fastpath/pkg/monitor"
	"github.com/fastpath-db/fastpath/pkg/pool"
	"github.com/fastpath-db/fastpath/pkg/statements"
)

const (
	defaultQueryTimeout = 30 * time.Second
	defaultCacheTTL     = 30 * time.Second
	maxAcquireRetries   = 2
	acquireBackoffBase  = 50 * time.Millisecond
)

// Options configures an Engine.
type Options struct {
	QueryTimeout      time.Duration
	CacheTTL          time.Duration
	EnablePrepared    bool
	EnableOptimizer   bool
	StatementCapacity int
	SlowThreshold     time.Duration
	ResultCache       cache.ResultCache
	Collector         metrics.Collector
}

func (o *Options) applyDefaults() {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 100 * time.Millisecond
	}
	if o.Collector == nil {
		o.Collector = metrics.NoOp{}
	}
}

// Engine is the query execution layer. Construct one per process with New;
// every dependency is explicit.
type Engine struct {
	pools      *pool.Manager
	classifier *classifier.Classifier
	stmtCache  *statements.Cache
	results    cache.ResultCache
	monitor    *monitor.Monitor
	collector  metrics.Collector
	logger     zerolog.Logger

	queryTimeout   time.Duration
	cacheTTL       time.Duration
	slowThreshold  time.Duration
	enablePrepared bool

	planInFlight atomic.Bool
	closed       atomic.Bool
}

// New creates an engine over an existing pool manager.
func New(pools *pool.Manager, opts Options, logger zerolog.Logger) *Engine {
	opts.applyDefaults()

	e := &Engine{
		pools:          pools,
		classifier:     classifier.New(classifier.WithSuggestions(opts.EnableOptimizer)),
		stmtCache:      statements.NewCache(opts.StatementCapacity, logger, statements.WithCollector(opts.Collector)),
		results:        opts.ResultCache,
		collector:      opts.Collector,
		logger:         logger.With().Str("component", "engine").Logger(),
		queryTimeout:   opts.QueryTimeout,
		cacheTTL:       opts.CacheTTL,
		slowThreshold:  opts.SlowThreshold,
		enablePrepared: opts.EnablePrepared,
	}
	e.monitor = monitor.New(logger,
		monitor.WithSlowThreshold(opts.SlowThreshold),
		monitor.WithPoolStats(pools.Stats),
	)
	return e
}

// ExecOption configures one execution.
type ExecOption func(*execConfig)

type execConfig struct {
	forcePrimary bool
	skipCache    bool
	cacheTTL     time.Duration
	scope        string
}

// WithForcePrimary routes a read to the primary pool, for read-your-writes
// consistency. Writes and transactions go to primary regardless.
func WithForcePrimary() ExecOption {
	return func(c *execConfig) { c.forcePrimary = true }
}

// WithoutCache bypasses the result cache for this call.
func WithoutCache() ExecOption {
	return func(c *execConfig) { c.skipCache = true }
}

// WithCacheTTL overrides the result cache TTL for this call.
func WithCacheTTL(ttl time.Duration) ExecOption {
	return func(c *execConfig) { c.cacheTTL = ttl }
}

// WithScope partitions cache keys by caller identity, so tenants never see
// each other's cached rows.
func WithScope(scope string) ExecOption {
	return func(c *execConfig) { c.scope = scope }
}

// ExecuteOptimized runs one statement through the full pipeline: result cache
// lookup, classification, pool routing, prepared execution, and metrics.
func (e *Engine) ExecuteOptimized(ctx context.Context, stmt models.Statement, opts ...ExecOption) (*models.ResultSet, models.ExecutionMetadata, error) {
	if e.closed.Load() {
		return nil, models.ExecutionMetadata{}, pkgerrors.New(pkgerrors.CodeUnavailable, "engine is closed")
	}
	if strings.TrimSpace(stmt.Query) == "" {
		return nil, models.ExecutionMetadata{}, pkgerrors.ErrInvalidQuery
	}

	cfg := execConfig{cacheTTL: e.cacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	cls := e.classifier.Classify(stmt.Query)
	sig := statements.Signature(stmt.Query)

	if e.results != nil && cls.IsCacheable && !cfg.skipCache {
		key := cache.Key(stmt.Query, stmt.Params, cfg.scope)
		if rs, ok, _ := e.results.Get(ctx, key); ok {
			e.monitor.RecordCacheHit()
			e.collector.CacheLookup(true)
			return rs, models.ExecutionMetadata{
				CacheHit:     true,
				PoolUsed:     cls.TargetPool,
				Category:     cls.Category.String(),
				RowsReturned: rs.NumRows(),
			}, nil
		}
		e.monitor.RecordCacheMiss()
		e.collector.CacheLookup(false)
	}

	start := time.Now()
	rs, meta, err := e.executeRouted(ctx, stmt, cls, cfg)
	meta.ExecutionTime = time.Since(start)
	meta.Category = cls.Category.String()
	meta.PlanWarnings = cls.Suggestions

	status := "ok"
	if err != nil {
		status = pkgerrors.GetCode(err)
	}
	e.collector.QueryExecuted(meta.Category, meta.PoolUsed, status, meta.ExecutionTime)
	e.monitor.Record(meta, sig, cls.Suggestions)
	e.observePools()

	if err != nil {
		return nil, meta, err
	}

	if e.results != nil && cls.IsCacheable && !cfg.skipCache {
		key := cache.Key(stmt.Query, stmt.Params, cfg.scope)
		if cerr := e.results.Set(ctx, key, rs, cfg.cacheTTL); cerr != nil {
			e.logger.Warn().Err(cerr).Msg("Result cache store failed")
		}
	}

	e.maybeAnalyzePlan(stmt, cls, meta)

	return rs, meta, nil
}

// executeRouted picks the pool and runs the statement, retrying once on a
// transient read failure with a fresh connection.
func (e *Engine) executeRouted(ctx context.Context, stmt models.Statement, cls classifier.Classification, cfg execConfig) (*models.ResultSet, models.ExecutionMetadata, error) {
	target := e.pools.Route(cls, cfg.forcePrimary)
	meta := models.ExecutionMetadata{PoolUsed: target.Name()}

	rs, prepared, err := e.executeOnPool(ctx, target, stmt, cls)
	if err != nil && cls.Category == classifier.CategoryRead && isRetryable(err) {
		meta.Retries = 1
		e.logger.Debug().Err(err).Msg("Retrying read on fresh connection")
		rs, prepared, err = e.executeOnPool(ctx, target, stmt, cls)
	}
	meta.Prepared = prepared
	if rs != nil {
		meta.RowsReturned = rs.NumRows()
	}
	return rs, meta, err
}

// executeOnPool acquires a connection, executes with the per-query deadline,
// and releases. A connection whose query hit the deadline is retired: its
// server-side state is unknown.
func (e *Engine) executeOnPool(ctx context.Context, p *pool.Pool, stmt models.Statement, cls classifier.Classification) (*models.ResultSet, bool, error) {
	conn, err := e.acquireWithRetry(ctx, p)
	if err != nil {
		return nil, false, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	rs, prepared, err := e.run(queryCtx, conn, stmt, cls)
	if err != nil && queryCtx.Err() == context.DeadlineExceeded {
		e.pools.Retire(conn)
		e.stmtCache.InvalidateConn(conn.ID())
		return nil, prepared, pkgerrors.ErrQueryTimeout.WithDetail("timeout", e.queryTimeout.String())
	}

	e.pools.Release(conn)
	if conn.Broken() {
		e.stmtCache.InvalidateConn(conn.ID())
	}
	return rs, prepared, err
}

// run executes through a prepared handle when the statement qualifies, and
// falls back to direct execution when preparation fails.
func (e *Engine) run(ctx context.Context, conn *pool.Conn, stmt models.Statement, cls classifier.Classification) (*models.ResultSet, bool, error) {
	usePrepared := e.enablePrepared &&
		len(stmt.Params) > 0 &&
		cls.Category != classifier.CategoryTransactional

	if usePrepared {
		res, err := e.stmtCache.GetOrPrepare(ctx, conn, stmt.Query)
		if err == nil {
			if res.Prepared {
				e.collector.StatementPrepared()
			}
			if cls.Category == classifier.CategoryWrite {
				affected, execErr := res.Stmt.Exec(ctx, stmt.Params...)
				if execErr != nil {
					return nil, res.Prepared, execErr
				}
				return affectedResult(affected), res.Prepared, nil
			}
			rs, execErr := res.Stmt.Query(ctx, stmt.Params...)
			return rs, res.Prepared, execErr
		}
		e.logger.Debug().Err(err).Msg("Prepare failed, executing directly")
	}

	if cls.Category == classifier.CategoryWrite {
		affected, err := conn.Exec(ctx, stmt.Query, stmt.Params...)
		if err != nil {
			return nil, false, err
		}
		return affectedResult(affected), false, nil
	}
	rs, err := conn.Query(ctx, stmt.Query, stmt.Params...)
	return rs, false, err
}

// acquireWithRetry backs off exponentially on pool exhaustion before giving up.
func (e *Engine) acquireWithRetry(ctx context.Context, p *pool.Pool) (*pool.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= maxAcquireRetries; attempt++ {
		if attempt > 0 {
			backoff := acquireBackoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, pkgerrors.Wrap(ctx.Err(), pkgerrors.CodeCanceled, "acquire canceled")
			}
		}
		conn, err := p.Acquire(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !pkgerrors.IsPoolExhausted(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// maybeAnalyzePlan samples slow reads for asynchronous plan analysis. At most
// one analysis runs at a time; surplus candidates are skipped, not queued.
func (e *Engine) maybeAnalyzePlan(stmt models.Statement, cls classifier.Classification, meta models.ExecutionMetadata) {
	if meta.ExecutionTime < e.slowThreshold {
		return
	}
	if cls.Category != classifier.CategoryRead && cls.Category != classifier.CategoryAnalytical {
		return
	}
	if !e.planInFlight.CompareAndSwap(false, true) {
		return
	}

	sig := statements.Signature(stmt.Query)
	go func() {
		defer e.planInFlight.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conn, err := e.pools.Acquire(ctx, classifier.PoolReadReplica)
		if err != nil {
			return
		}
		defer e.pools.Release(conn)

		report, err := conn.AnalyzePlan(ctx, stmt.Query, stmt.Params...)
		if err != nil {
			e.logger.Debug().Err(err).Str("signature", sig).Msg("Plan analysis failed")
			return
		}
		evt := e.logger.Info().
			Str("signature", sig).
			Float64("total_cost", report.TotalCost).
			Bool("seq_scan", report.UsesSeqScan)
		if report.UsesSeqScan {
			evt = evt.Str("hint", "sequential scan on slow query, check indexes")
		}
		evt.Msg("Slow query plan analyzed")
	}()
}

func (e *Engine) observePools() {
	for _, snap := range e.pools.Stats() {
		e.collector.PoolObserved(snap)
	}
}

func isRetryable(err error) bool {
	switch pkgerrors.GetCode(err) {
	case pkgerrors.CodeCanceled, pkgerrors.CodeDeadlineExceeded,
		pkgerrors.CodeInvalidRequest, pkgerrors.CodePoolExhausted:
		return false
	}
	return true
}

func affectedResult(affected int64) *models.ResultSet {
	return &models.ResultSet{
		Columns: []string{"rows_affected"},
		Rows:    [][]interface{}{{affected}},
	}
}

// GetPerformanceMetrics returns the current rolling performance snapshot.
func (e *Engine) GetPerformanceMetrics() models.PerformanceSnapshot {
	return e.monitor.Snapshot()
}

// HealthCheck reports aggregate health. It always returns a status; degraded
// components appear as violations.
func (e *Engine) HealthCheck(ctx context.Context) models.HealthStatus {
	return e.monitor.Health(e.pools.HealthCheck())
}

// Close shuts the engine down, closing pools and the result cache.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if e.results != nil {
		if err := e.results.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.pools.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info().Msg("Engine closed")
	return firstErr
}
