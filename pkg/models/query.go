// Package models contains domain models shared across the execution layer.
package models

import "time"

// Statement is one query plus its bound parameters.
type Statement struct {
	Query  string
	Params []interface{}
}

// ResultSet holds a fully materialized query result.
type ResultSet struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// NumRows returns the number of rows in the result set.
func (r *ResultSet) NumRows() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Rows))
}

// IsolationLevel mirrors SQL transaction isolation levels.
type IsolationLevel string

const (
	IsolationReadCommitted  IsolationLevel = "READ COMMITTED"
	IsolationRepeatableRead IsolationLevel = "REPEATABLE READ"
	IsolationSerializable   IsolationLevel = "SERIALIZABLE"
)

// ExecutionMetadata is the per-call result envelope returned to callers and
// consumed by the performance monitor.
type ExecutionMetadata struct {
	ExecutionTime time.Duration `json:"execution_time"`
	CacheHit      bool          `json:"cache_hit"`
	Prepared      bool          `json:"prepared"`
	PoolUsed      string        `json:"pool_used"`
	Category      string        `json:"category"`
	RowsReturned  int64         `json:"rows_returned"`
	PlanWarnings  []string      `json:"plan_warnings,omitempty"`
	Retries       int           `json:"retries,omitempty"`
}

// ExecutionTimeMillis returns the execution time in milliseconds.
func (m *ExecutionMetadata) ExecutionTimeMillis() float64 {
	return float64(m.ExecutionTime) / float64(time.Millisecond)
}

// SlowQueryRecord is a flagged slow execution. The query text itself is never
// stored, only its redacted signature.
type SlowQueryRecord struct {
	Signature     string        `json:"signature"`
	ExecutionTime time.Duration `json:"execution_time"`
	PoolUsed      string        `json:"pool_used"`
	Suggestions   []string      `json:"suggestions,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// PoolSnapshot is a point-in-time rollup for one connection pool.
type PoolSnapshot struct {
	Name              string        `json:"name"`
	Total             int           `json:"total"`
	Idle              int           `json:"idle"`
	InUse             int           `json:"in_use"`
	MaxSize           int           `json:"max_size"`
	Acquisitions      int64         `json:"acquisitions"`
	IdleHits          int64         `json:"idle_hits"`
	ExhaustedCount    int64         `json:"exhausted_count"`
	RetiredCount      int64         `json:"retired_count"`
	AcquireP95        time.Duration `json:"acquire_p95"`
	Efficiency        float64       `json:"efficiency"`
	Healthy           bool          `json:"healthy"`
	LastHealthFailure string        `json:"last_health_failure,omitempty"`
}

// CategoryLatency holds latency percentiles for one query category.
type CategoryLatency struct {
	Samples int64         `json:"samples"`
	P50     time.Duration `json:"p50"`
	P90     time.Duration `json:"p90"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Avg     time.Duration `json:"avg"`
}

// PerformanceSnapshot is a point-in-time metrics rollup recomputed on demand
// from the rolling windows.
type PerformanceSnapshot struct {
	TotalQueries   int64                      `json:"total_queries"`
	Overall        CategoryLatency            `json:"overall"`
	ByCategory     map[string]CategoryLatency `json:"by_category"`
	CacheHits      int64                      `json:"cache_hits"`
	CacheMisses    int64                      `json:"cache_misses"`
	CacheHitRate   float64                    `json:"cache_hit_rate"`
	Pools          []PoolSnapshot             `json:"pools"`
	SlowQueryCount int64                      `json:"slow_query_count"`
	SlowQueries    []SlowQueryRecord          `json:"slow_queries,omitempty"`
	TargetsMet     PerformanceTargets         `json:"targets_met"`
	GeneratedAt    time.Time                  `json:"generated_at"`
}

// PerformanceTargets reports which latency and efficiency targets hold.
type PerformanceTargets struct {
	P90Under25ms        bool `json:"p90_under_25ms"`
	AvgUnder15ms        bool `json:"avg_under_15ms"`
	CacheHitAbove95     bool `json:"cache_hit_above_95"`
	PoolEffAbove95      bool `json:"pool_efficiency_above_95"`
	AllTargetsMet       bool `json:"all_targets_met"`
	ViolatedConstraints []string `json:"violated,omitempty"`
}

// HealthStatus is the aggregate health report. It is always returned, never
// an error: degraded health is observable, not fatal.
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Pools      map[string]bool   `json:"pools"`
	Violations []string          `json:"violations,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
