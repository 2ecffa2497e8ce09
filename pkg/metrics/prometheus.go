package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fastpath-db/fastpath/pkg/models"
)

// Prometheus is a Collector backed by a dedicated Prometheus registry.
type Prometheus struct {
	registry *prometheus.Registry

	queriesTotal   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
	stmtsPrepared  prometheus.Counter
	stmtsEvicted   prometheus.Counter
	poolInUse      *prometheus.GaugeVec
	poolIdle       *prometheus.GaugeVec
	poolEfficiency *prometheus.GaugeVec
	poolExhausted  *prometheus.GaugeVec
	txTotal        *prometheus.CounterVec
	txStatements   prometheus.Histogram
}

// NewPrometheus creates a Prometheus collector with all metrics registered.
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	p := &Prometheus{
		registry: registry,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpath_queries_total",
			Help: "Total queries executed by category, pool, and status",
		}, []string{"category", "pool", "status"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fastpath_query_duration_seconds",
			Help:    "Query execution latency",
			Buckets: []float64{.001, .0025, .005, .01, .015, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"category", "pool"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpath_cache_lookups_total",
			Help: "Result cache lookups by outcome",
		}, []string{"outcome"}),
		stmtsPrepared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastpath_statements_prepared_total",
			Help: "Prepared statement handles created",
		}),
		stmtsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastpath_statements_evicted_total",
			Help: "Prepared statement handles evicted from the cache",
		}),
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fastpath_pool_connections_in_use",
			Help: "Connections currently checked out",
		}, []string{"pool"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fastpath_pool_connections_idle",
			Help: "Idle connections available",
		}, []string{"pool"}),
		poolEfficiency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fastpath_pool_efficiency_ratio",
			Help: "Fraction of acquisitions served from idle connections",
		}, []string{"pool"}),
		poolExhausted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fastpath_pool_exhausted_total",
			Help: "Acquisitions that timed out waiting for a connection",
		}, []string{"pool"}),
		txTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpath_transactions_total",
			Help: "Transactions completed by status",
		}, []string{"status"}),
		txStatements: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fastpath_transaction_statements",
			Help:    "Statements per transaction",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}

	registry.MustRegister(
		p.queriesTotal, p.queryDuration, p.cacheLookups,
		p.stmtsPrepared, p.stmtsEvicted,
		p.poolInUse, p.poolIdle, p.poolEfficiency, p.poolExhausted,
		p.txTotal, p.txStatements,
	)

	return p
}

// Handler returns an HTTP handler exposing the registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) QueryExecuted(category, pool, status string, duration time.Duration) {
	p.queriesTotal.WithLabelValues(category, pool, status).Inc()
	p.queryDuration.WithLabelValues(category, pool).Observe(duration.Seconds())
}

func (p *Prometheus) CacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.cacheLookups.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) StatementPrepared() { p.stmtsPrepared.Inc() }
func (p *Prometheus) StatementEvicted()  { p.stmtsEvicted.Inc() }

func (p *Prometheus) PoolObserved(s models.PoolSnapshot) {
	p.poolInUse.WithLabelValues(s.Name).Set(float64(s.InUse))
	p.poolIdle.WithLabelValues(s.Name).Set(float64(s.Idle))
	p.poolEfficiency.WithLabelValues(s.Name).Set(s.Efficiency)
	p.poolExhausted.WithLabelValues(s.Name).Set(float64(s.ExhaustedCount))
}

func (p *Prometheus) TransactionCompleted(status string, statements int) {
	p.txTotal.WithLabelValues(status).Inc()
	p.txStatements.Observe(float64(statements))
}
