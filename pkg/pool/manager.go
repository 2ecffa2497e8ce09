package pool

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fastpath-db/fastpath/pkg/classifier"
	"github.com/fastpath-db/fastpath/pkg/driver"
	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/models"
)

// ManagerConfig configures the three routing pools. ReadReplicaURL falls back
// to PrimaryURL and AnalyticsURL to ReadReplicaURL, so a single-database setup
// still routes every category somewhere valid.
type ManagerConfig struct {
	PrimaryURL     string `json:"primary_url"`
	ReadReplicaURL string `json:"read_replica_url"`
	AnalyticsURL   string `json:"analytics_url"`

	Primary     Config `json:"primary"`
	ReadReplica Config `json:"read_replica"`
	Analytics   Config `json:"analytics"`
}

// Manager owns the primary, read-replica, and analytics pools and routes
// acquisitions between them.
type Manager struct {
	pools  map[string]*Pool
	logger zerolog.Logger
}

// NewManager creates the three pools. The analytics pool is kept deliberately
// small; heavy aggregation queries hold connections for long stretches and a
// wide pool would starve the replica host.
func NewManager(ctx context.Context, cfg ManagerConfig, d driver.Driver, logger zerolog.Logger) (*Manager, error) {
	if cfg.PrimaryURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRequest, "primary database URL is required")
	}
	if cfg.ReadReplicaURL == "" {
		cfg.ReadReplicaURL = cfg.PrimaryURL
	}
	if cfg.AnalyticsURL == "" {
		cfg.AnalyticsURL = cfg.ReadReplicaURL
	}

	cfg.Primary.Name = classifier.PoolPrimary
	cfg.Primary.URL = cfg.PrimaryURL
	cfg.ReadReplica.Name = classifier.PoolReadReplica
	cfg.ReadReplica.URL = cfg.ReadReplicaURL
	cfg.Analytics.Name = classifier.PoolAnalytics
	cfg.Analytics.URL = cfg.AnalyticsURL
	if cfg.Analytics.MinSize <= 0 {
		cfg.Analytics.MinSize = 2
	}
	if cfg.Analytics.MaxSize <= 0 {
		cfg.Analytics.MaxSize = 10
	}

	m := &Manager{
		pools:  make(map[string]*Pool, 3),
		logger: logger.With().Str("component", "pool_manager").Logger(),
	}

	for _, pc := range []Config{cfg.Primary, cfg.ReadReplica, cfg.Analytics} {
		p, err := New(ctx, pc, d, logger)
		if err != nil {
			m.Close()
			return nil, pkgerrors.Wrapf(err, pkgerrors.CodeConnectionFailed,
				"failed to create %s pool", pc.Name)
		}
		m.pools[pc.Name] = p
		m.logger.Info().
			Str("pool", pc.Name).
			Str("dsn", maskDSN(pc.URL)).
			Msg("Pool registered")
	}

	return m, nil
}

// Get returns a pool by name.
func (m *Manager) Get(name string) (*Pool, error) {
	p, ok := m.pools[name]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidRequest,
			fmt.Sprintf("unknown pool %q", name))
	}
	return p, nil
}

// Acquire checks a connection out of the named pool.
func (m *Manager) Acquire(ctx context.Context, name string) (*Conn, error) {
	p, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns a connection to its owning pool.
func (m *Manager) Release(conn *Conn) {
	if conn == nil {
		return
	}
	if p, ok := m.pools[conn.PoolName()]; ok {
		p.Release(conn)
	}
}

// Retire closes a checked-out connection without reuse.
func (m *Manager) Retire(conn *Conn) {
	if conn == nil {
		return
	}
	if p, ok := m.pools[conn.PoolName()]; ok {
		p.Retire(conn)
	}
}

// Route resolves a classification to a concrete pool. Writes and transactions
// go to primary unconditionally. Analytical reads fall back from analytics to
// the read replica when analytics is unhealthy, never to primary. The
// forcePrimary override applies to reads only.
func (m *Manager) Route(cls classifier.Classification, forcePrimary bool) *Pool {
	switch cls.Category {
	case classifier.CategoryWrite, classifier.CategoryTransactional:
		return m.pools[classifier.PoolPrimary]
	case classifier.CategoryAnalytical:
		analytics := m.pools[classifier.PoolAnalytics]
		if analytics.Healthy() {
			return analytics
		}
		m.logger.Warn().Msg("Analytics pool unhealthy, falling back to read replica")
		return m.pools[classifier.PoolReadReplica]
	default:
		if forcePrimary {
			return m.pools[classifier.PoolPrimary]
		}
		return m.pools[classifier.PoolReadReplica]
	}
}

// Stats returns snapshots for all pools in a stable order.
func (m *Manager) Stats() []models.PoolSnapshot {
	names := []string{classifier.PoolPrimary, classifier.PoolReadReplica, classifier.PoolAnalytics}
	out := make([]models.PoolSnapshot, 0, len(names))
	for _, name := range names {
		if p, ok := m.pools[name]; ok {
			out = append(out, p.Stats())
		}
	}
	return out
}

// HealthCheck reports per-pool health. It never returns an error.
func (m *Manager) HealthCheck() map[string]bool {
	out := make(map[string]bool, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Healthy()
	}
	return out
}

// Close shuts down all pools.
func (m *Manager) Close() error {
	var firstErr error
	for name, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, name)
	}
	return firstErr
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		if i := strings.Index(dsn, "password="); i >= 0 {
			end := strings.IndexByte(dsn[i:], ' ')
			if end < 0 {
				return dsn[:i] + "password=****"
			}
			return dsn[:i] + "password=****" + dsn[i+end:]
		}
		return dsn
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	masked := u.String()
	return strings.ReplaceAll(masked, "%2A%2A%2A%2A", "****")
}
