// Package monitor aggregates execution latency, cache effectiveness, and pool
// health into on-demand performance snapshots.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastpath-db/fastpath/pkg/models"
)

const (
	windowSize    = 1000
	slowRingSize  = 100
	targetP90     = 25 * time.Millisecond
	targetAvg     = 15 * time.Millisecond
	targetHitRate = 0.95
	targetPoolEff = 0.95
)

// PoolStatsFunc supplies current pool snapshots to the monitor.
type PoolStatsFunc func() []models.PoolSnapshot

// Monitor records per-query outcomes and computes rolling statistics. All
// recording paths are lock-cheap; percentiles are computed only when a
// snapshot is requested.
type Monitor struct {
	logger        zerolog.Logger
	slowThreshold time.Duration
	poolStats     PoolStatsFunc

	mu        sync.Mutex
	overall   *window
	byCat     map[string]*window
	slow      []models.SlowQueryRecord // ring, newest appended
	slowTotal int64

	totalQueries atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
}

// window is a fixed-size rolling latency sample.
type window struct {
	samples []time.Duration
	next    int
	count   int64
	sum     time.Duration
}

func newWindow() *window {
	return &window{samples: make([]time.Duration, 0, windowSize)}
}

func (w *window) add(d time.Duration) {
	w.count++
	if len(w.samples) < windowSize {
		w.samples = append(w.samples, d)
	} else {
		w.sum -= w.samples[w.next]
		w.samples[w.next] = d
		w.next = (w.next + 1) % windowSize
	}
	w.sum += d
}

func (w *window) stats() models.CategoryLatency {
	n := len(w.samples)
	if n == 0 {
		return models.CategoryLatency{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	pct := func(q float64) time.Duration {
		idx := int(float64(n) * q)
		if idx >= n {
			idx = n - 1
		}
		return sorted[idx]
	}

	return models.CategoryLatency{
		Samples: w.count,
		P50:     pct(0.50),
		P90:     pct(0.90),
		P95:     pct(0.95),
		P99:     pct(0.99),
		Avg:     w.sum / time.Duration(n),
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSlowThreshold overrides the slow-query threshold.
func WithSlowThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.slowThreshold = d
		}
	}
}

// WithPoolStats wires a pool snapshot source.
func WithPoolStats(fn PoolStatsFunc) Option {
	return func(m *Monitor) { m.poolStats = fn }
}

// New creates a performance monitor.
func New(logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		logger:        logger.With().Str("component", "performance_monitor").Logger(),
		slowThreshold: 100 * time.Millisecond,
		overall:       newWindow(),
		byCat:         make(map[string]*window),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record ingests one execution outcome. Slow executions are retained by
// signature only; the query text never enters the monitor. Cache counters are
// not touched here: hits and misses are reported by the caller at lookup time,
// so executions that never consulted the cache cannot skew the hit rate.
func (m *Monitor) Record(meta models.ExecutionMetadata, signature string, suggestions []string) {
	m.totalQueries.Add(1)

	m.mu.Lock()
	m.overall.add(meta.ExecutionTime)
	w, ok := m.byCat[meta.Category]
	if !ok {
		w = newWindow()
		m.byCat[meta.Category] = w
	}
	w.add(meta.ExecutionTime)

	if meta.ExecutionTime >= m.slowThreshold {
		m.slowTotal++
		rec := models.SlowQueryRecord{
			Signature:     signature,
			ExecutionTime: meta.ExecutionTime,
			PoolUsed:      meta.PoolUsed,
			Suggestions:   suggestions,
			Timestamp:     time.Now(),
		}
		if len(m.slow) >= slowRingSize {
			m.slow = m.slow[1:]
		}
		m.slow = append(m.slow, rec)
		m.mu.Unlock()

		m.logger.Warn().
			Str("signature", signature).
			Dur("execution_time", meta.ExecutionTime).
			Str("pool", meta.PoolUsed).
			Str("category", meta.Category).
			Msg("Slow query detected")
		return
	}
	m.mu.Unlock()
}

// RecordCacheHit counts a result-cache hit that bypassed execution entirely.
func (m *Monitor) RecordCacheHit() {
	m.totalQueries.Add(1)
	m.cacheHits.Add(1)
}

// RecordCacheMiss counts a result-cache lookup that found nothing. The
// execution that follows is recorded separately through Record.
func (m *Monitor) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// CacheHitRate returns the current result-cache hit fraction.
func (m *Monitor) CacheHitRate() float64 {
	h := m.cacheHits.Load()
	miss := m.cacheMisses.Load()
	if h+miss == 0 {
		return 0
	}
	return float64(h) / float64(h+miss)
}

// Snapshot computes a point-in-time performance rollup.
func (m *Monitor) Snapshot() models.PerformanceSnapshot {
	m.mu.Lock()
	overall := m.overall.stats()
	byCat := make(map[string]models.CategoryLatency, len(m.byCat))
	for name, w := range m.byCat {
		byCat[name] = w.stats()
	}
	slow := make([]models.SlowQueryRecord, len(m.slow))
	copy(slow, m.slow)
	slowTotal := m.slowTotal
	m.mu.Unlock()

	var pools []models.PoolSnapshot
	if m.poolStats != nil {
		pools = m.poolStats()
	}

	snap := models.PerformanceSnapshot{
		TotalQueries:   m.totalQueries.Load(),
		Overall:        overall,
		ByCategory:     byCat,
		CacheHits:      m.cacheHits.Load(),
		CacheMisses:    m.cacheMisses.Load(),
		CacheHitRate:   m.CacheHitRate(),
		Pools:          pools,
		SlowQueryCount: slowTotal,
		SlowQueries:    slow,
		GeneratedAt:    time.Now(),
	}
	snap.TargetsMet = m.evaluateTargets(snap)
	return snap
}

// evaluateTargets checks the latency, cache, and pool efficiency targets.
// Targets with no samples yet count as met.
func (m *Monitor) evaluateTargets(snap models.PerformanceSnapshot) models.PerformanceTargets {
	t := models.PerformanceTargets{
		P90Under25ms:    true,
		AvgUnder15ms:    true,
		CacheHitAbove95: true,
		PoolEffAbove95:  true,
	}

	if snap.Overall.Samples > 0 {
		t.P90Under25ms = snap.Overall.P90 < targetP90
		t.AvgUnder15ms = snap.Overall.Avg < targetAvg
	}
	if snap.CacheHits+snap.CacheMisses > 0 {
		t.CacheHitAbove95 = snap.CacheHitRate > targetHitRate
	}
	for _, p := range snap.Pools {
		if p.Acquisitions > 0 && p.Efficiency <= targetPoolEff {
			t.PoolEffAbove95 = false
			break
		}
	}

	if !t.P90Under25ms {
		t.ViolatedConstraints = append(t.ViolatedConstraints, "p90_latency")
	}
	if !t.AvgUnder15ms {
		t.ViolatedConstraints = append(t.ViolatedConstraints, "avg_latency")
	}
	if !t.CacheHitAbove95 {
		t.ViolatedConstraints = append(t.ViolatedConstraints, "cache_hit_rate")
	}
	if !t.PoolEffAbove95 {
		t.ViolatedConstraints = append(t.ViolatedConstraints, "pool_efficiency")
	}
	t.AllTargetsMet = len(t.ViolatedConstraints) == 0
	return t
}

// Health builds the aggregate health report. Degraded health is reported,
// never returned as an error.
func (m *Monitor) Health(poolHealth map[string]bool) models.HealthStatus {
	status := models.HealthStatus{
		Healthy:   true,
		Pools:     poolHealth,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}

	for name, healthy := range poolHealth {
		if !healthy {
			status.Healthy = false
			status.Violations = append(status.Violations, "pool_unhealthy:"+name)
		}
	}

	targets := m.Snapshot().TargetsMet
	if !targets.AllTargetsMet {
		status.Healthy = false
		status.Violations = append(status.Violations, targets.ViolatedConstraints...)
	}
	sort.Strings(status.Violations)

	return status
}
