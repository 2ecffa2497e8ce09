// Package pool provides bounded database connection pooling with replica-aware
// routing across primary, read-replica, and analytics targets.
package pool

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastpath-db/fastpath/pkg/driver"
	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/models"
)

const acquireHistorySize = 1000

// Config represents single-pool configuration.
type Config struct {
	Name                 string        `json:"name"`
	URL                  string        `json:"url"`
	MinSize              int           `json:"min_size"`
	MaxSize              int           `json:"max_size"`
	AcquireTimeout       time.Duration `json:"acquire_timeout"`
	IdleTimeout          time.Duration `json:"idle_timeout"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
	ReapInterval         time.Duration `json:"reap_interval"`
}

func (c *Config) applyDefaults() {
	if c.MinSize <= 0 {
		c.MinSize = 5
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = 20
		if c.MaxSize < c.MinSize {
			c.MaxSize = c.MinSize
		}
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 3
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
}

// Pool manages connections to one logical database target.
type Pool struct {
	cfg    Config
	driver driver.Driver
	logger zerolog.Logger

	mu      sync.Mutex
	idle    []*Conn          // LIFO: most recently used on top
	inUse   map[string]*Conn
	total   int              // idle + in-use + pending creations
	waiters *list.List       // FIFO of chan *Conn
	closed  bool

	acquisitions atomic.Int64
	idleHits     atomic.Int64
	exhausted    atomic.Int64
	retiredCount atomic.Int64

	histMu   sync.Mutex
	acquires []time.Duration // ring of the last acquireHistorySize acquisitions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool, eagerly warming it to MinSize. Warm-up failures are
// logged, not fatal: the pool recovers by creating connections on demand.
func New(ctx context.Context, cfg Config, d driver.Driver, logger zerolog.Logger) (*Pool, error) {
	cfg.applyDefaults()

	poolCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		driver:   d,
		logger:   logger.With().Str("pool", cfg.Name).Logger(),
		inUse:    make(map[string]*Conn),
		waiters:  list.New(),
		acquires: make([]time.Duration, 0, acquireHistorySize),
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.MinSize; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Int("warmed", i).Msg("Pool warm-up incomplete")
			break
		}
		p.mu.Lock()
		p.total++
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.reapLoop()

	p.logger.Info().
		Int("min_size", cfg.MinSize).
		Int("max_size", cfg.MaxSize).
		Dur("acquire_timeout", cfg.AcquireTimeout).
		Msg("Connection pool created")

	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Acquire checks out a connection. An idle connection is served first; the
// pool grows up to MaxSize on demand; past that the caller joins a FIFO wait
// queue bounded by the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()
	p.acquisitions.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, pkgerrors.ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		conn.inUse.Store(true)
		p.inUse[conn.id] = conn
		p.mu.Unlock()

		p.idleHits.Add(1)
		p.recordAcquire(time.Since(start))
		return conn, nil
	}

	if p.total < p.cfg.MaxSize {
		p.total++ // reserve the slot before dialing
		p.mu.Unlock()

		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to grow pool")
		}

		p.mu.Lock()
		if p.closed {
			p.total--
			p.mu.Unlock()
			conn.close()
			return nil, pkgerrors.ErrPoolClosed
		}
		conn.inUse.Store(true)
		p.inUse[conn.id] = conn
		p.mu.Unlock()

		p.recordAcquire(time.Since(start))
		return conn, nil
	}

	// Pool is at capacity: join the FIFO wait queue.
	ch := make(chan *Conn, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-ch:
		if conn == nil {
			// Channel closed by pool shutdown.
			return nil, pkgerrors.ErrPoolClosed
		}
		p.recordAcquire(time.Since(start))
		return conn, nil
	case <-timer.C:
		if conn := p.abandonWait(elem, ch); conn != nil {
			p.recordAcquire(time.Since(start))
			return conn, nil
		}
		p.exhausted.Add(1)
		p.logger.Warn().Dur("timeout", p.cfg.AcquireTimeout).Msg("Connection pool exhausted")
		return nil, pkgerrors.New(pkgerrors.CodePoolExhausted, "connection pool exhausted").
			WithDetail("pool", p.cfg.Name)
	case <-ctx.Done():
		if conn := p.abandonWait(elem, ch); conn != nil {
			// A connection was handed over concurrently; return it rather
			// than stranding it.
			p.Release(conn)
		}
		return nil, pkgerrors.Wrap(ctx.Err(), pkgerrors.CodeCanceled, "acquire canceled")
	}
}

// abandonWait removes a wait-queue slot. If a connection was delivered in the
// same instant, it is claimed and returned.
func (p *Pool) abandonWait(elem *list.Element, ch chan *Conn) *Conn {
	p.mu.Lock()
	p.waiters.Remove(elem)
	p.mu.Unlock()

	select {
	case conn := <-ch:
		return conn
	default:
		return nil
	}
}

// Release returns a connection to the pool. Broken connections and those past
// the consecutive-error limit are retired instead, with a background
// replacement keeping the pool at MinSize.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	unhealthy := conn.Broken() || conn.ErrorStreak() >= p.cfg.MaxConsecutiveErrors

	p.mu.Lock()
	delete(p.inUse, conn.id)

	if p.closed || unhealthy {
		p.total--
		p.mu.Unlock()
		conn.close()

		if unhealthy && !p.closed {
			p.retiredCount.Add(1)
			p.logger.Warn().
				Str("conn_id", conn.id).
				Int("error_streak", conn.ErrorStreak()).
				Bool("broken", conn.Broken()).
				Msg("Connection retired")
			p.wg.Add(1)
			go p.replenish()
		}
		return
	}

	// Hand directly to the oldest waiter if one is queued. The send happens
	// under the mutex: the channel is buffered, so it cannot block, and a
	// waiter that times out in the same instant is guaranteed to observe the
	// in-flight handoff when it drains under the same lock ordering.
	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		ch := elem.Value.(chan *Conn)
		conn.touch()
		p.inUse[conn.id] = conn
		ch <- conn
		p.mu.Unlock()
		return
	}

	conn.inUse.Store(false)
	conn.touch()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Retire forcibly closes a checked-out connection without returning it to the
// idle queue.
func (p *Pool) Retire(conn *Conn) {
	if conn == nil {
		return
	}
	conn.MarkBroken()
	p.Release(conn)
}

// replenish restores the pool to MinSize after a retirement.
func (p *Pool) replenish() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
		conn, err := p.dial(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.logger.Error().Err(err).Msg("Failed to create replacement connection")
			return
		}

		p.mu.Lock()
		if p.closed {
			p.total--
			p.mu.Unlock()
			conn.close()
			return
		}
		if elem := p.waiters.Front(); elem != nil {
			p.waiters.Remove(elem)
			ch := elem.Value.(chan *Conn)
			conn.inUse.Store(true)
			p.inUse[conn.id] = conn
			ch <- conn
			p.mu.Unlock()
			continue
		}
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	dc, err := p.driver.Connect(ctx, p.cfg.URL)
	if err != nil {
		return nil, err
	}
	return newConn(p.cfg.Name, dc), nil
}

// reapLoop proactively closes connections idle past the idle timeout,
// shrinking the pool back toward MinSize.
func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	var victims []*Conn

	p.mu.Lock()
	// Oldest idle connections sit at the bottom of the stack.
	for len(p.idle) > 0 && p.total > p.cfg.MinSize {
		conn := p.idle[0]
		if conn.LastUsed().After(cutoff) {
			break
		}
		p.idle = p.idle[1:]
		p.total--
		victims = append(victims, conn)
	}
	p.mu.Unlock()

	for _, conn := range victims {
		conn.close()
	}
	if len(victims) > 0 {
		p.logger.Debug().Int("reaped", len(victims)).Msg("Idle connections closed")
	}
}

func (p *Pool) recordAcquire(d time.Duration) {
	p.histMu.Lock()
	if len(p.acquires) >= acquireHistorySize {
		p.acquires = p.acquires[1:]
	}
	p.acquires = append(p.acquires, d)
	p.histMu.Unlock()
}

// AcquirePercentile computes a percentile over the rolling acquisition window.
func (p *Pool) AcquirePercentile(q float64) time.Duration {
	p.histMu.Lock()
	defer p.histMu.Unlock()

	if len(p.acquires) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(p.acquires))
	copy(sorted, p.acquires)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Healthy reports pool health: p95 acquisition under 5ms and active count
// below 95% of capacity.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	active := len(p.inUse)
	p.mu.Unlock()

	return p.AcquirePercentile(0.95) < 5*time.Millisecond &&
		float64(active) < float64(p.cfg.MaxSize)*0.95
}

// Stats returns a point-in-time pool snapshot.
func (p *Pool) Stats() models.PoolSnapshot {
	p.mu.Lock()
	idle := len(p.idle)
	inUse := len(p.inUse)
	total := p.total
	p.mu.Unlock()

	acq := p.acquisitions.Load()
	hits := p.idleHits.Load()
	efficiency := 0.0
	if acq > 0 {
		efficiency = float64(hits) / float64(acq)
	}

	return models.PoolSnapshot{
		Name:           p.cfg.Name,
		Total:          total,
		Idle:           idle,
		InUse:          inUse,
		MaxSize:        p.cfg.MaxSize,
		Acquisitions:   acq,
		IdleHits:       hits,
		ExhaustedCount: p.exhausted.Load(),
		RetiredCount:   p.retiredCount.Load(),
		AcquireP95:     p.AcquirePercentile(0.95),
		Efficiency:     efficiency,
		Healthy:        p.Healthy(),
	}
}

// Close shuts the pool down, closing idle connections immediately and failing
// queued waiters. Checked-out connections are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	p.total -= len(idle)

	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		close(elem.Value.(chan *Conn))
	}
	p.waiters.Init()
	p.mu.Unlock()

	p.cancel()
	for _, conn := range idle {
		conn.close()
	}
	p.wg.Wait()

	p.logger.Info().Msg("Connection pool closed")
	return nil
}
