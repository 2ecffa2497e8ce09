package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpath-db/fastpath/pkg/driver/drivertest"
	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
)

func newTestPool(t *testing.T, cfg Config, fake *drivertest.Driver) *Pool {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "primary"
	}
	if cfg.URL == "" {
		cfg.URL = "fake://db"
	}
	p, err := New(context.Background(), cfg, fake, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestWarmUpToMinSize(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 3, MaxSize: 5, AcquireTimeout: time.Second}, fake)

	assert.Equal(t, 3, fake.OpenCount())
	stats := p.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestAcquireServesIdleFirst(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 2, MaxSize: 5, AcquireTimeout: time.Second}, fake)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.OpenCount(), "no new connection dialed")

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.IdleHits)
	assert.Equal(t, 1, stats.InUse)

	p.Release(conn)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestAcquireGrowsToMax(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 3, AcquireTimeout: time.Second}, fake)

	var conns []*Conn
	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	assert.Equal(t, 3, fake.OpenCount())
	assert.Equal(t, 3, p.Stats().InUse)

	for _, c := range conns {
		p.Release(c)
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 50 * time.Millisecond}, fake)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsPoolExhausted(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().ExhaustedCount)
}

func TestReleaseHandsToWaiter(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second}, fake)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		conn, err := p.Acquire(context.Background())
		if err == nil {
			got <- conn
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(first)

	select {
	case conn := <-got:
		assert.Equal(t, first.ID(), conn.ID(), "waiter received the released connection")
		p.Release(conn)
	case <-time.After(time.Second):
		t.Fatal("waiter never received a connection")
	}
}

func TestHandoffRaceNeverStrandsConnection(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Millisecond}, fake)

	// Race a release against a waiter abandoning its slot on timeout. A
	// handoff the abandoning waiter fails to observe would leave the only
	// connection checked out forever, and every later acquire would time out.
	for i := 0; i < 200; i++ {
		holder, err := p.Acquire(context.Background())
		require.NoError(t, err, "round %d lost the only connection", i)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if conn, aerr := p.Acquire(context.Background()); aerr == nil {
				p.Release(conn)
			}
		}()

		time.Sleep(time.Millisecond)
		p.Release(holder)
		wg.Wait()
	}

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Total)
}

func TestConcurrentAcquireNoDoubleAssign(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 2, MaxSize: 10, AcquireTimeout: 100 * time.Millisecond}, fake)

	var mu sync.Mutex
	held := make(map[string]bool)
	var exhausted int

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(context.Background())
			if err != nil {
				mu.Lock()
				if pkgerrors.IsPoolExhausted(err) {
					exhausted++
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			assert.False(t, held[conn.ID()], "connection handed to two holders")
			held[conn.ID()] = true
			mu.Unlock()

			time.Sleep(150 * time.Millisecond)

			mu.Lock()
			held[conn.ID()] = false
			mu.Unlock()
			p.Release(conn)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, exhausted, 5, "holders outlive the timeout, so the overflow must time out")
	assert.LessOrEqual(t, fake.OpenCount(), 10)
}

func TestBrokenConnectionRetired(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2, AcquireTimeout: time.Second}, fake)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	conn.MarkBroken()
	p.Release(conn)

	assert.True(t, fake.Conns()[0].Closed())
	assert.Equal(t, int64(1), p.Stats().RetiredCount)

	// A replacement restores MinSize in the background.
	assert.Eventually(t, func() bool {
		return p.Stats().Total == 1 && fake.OpenCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestErrorStreakTriggersRetirement(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2, AcquireTimeout: time.Second, MaxConsecutiveErrors: 3}, fake)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	fake.Conns()[0].FailNext.Store(3)
	for i := 0; i < 3; i++ {
		_, qerr := conn.Query(context.Background(), "SELECT 1")
		require.Error(t, qerr)
	}
	assert.Equal(t, 3, conn.ErrorStreak())

	p.Release(conn)
	assert.True(t, fake.Conns()[0].Closed())
	assert.Equal(t, int64(1), p.Stats().RetiredCount)
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second}, fake)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	fake.Conns()[0].FailNext.Store(2)
	conn.Query(context.Background(), "SELECT 1")
	conn.Query(context.Background(), "SELECT 1")
	assert.Equal(t, 2, conn.ErrorStreak())

	_, err = conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 0, conn.ErrorStreak())
}

func TestIdleReap(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{
		MinSize: 1, MaxSize: 5, AcquireTimeout: time.Second,
		IdleTimeout: 30 * time.Millisecond, ReapInterval: 20 * time.Millisecond,
	}, fake)

	var conns []*Conn
	for i := 0; i < 4; i++ {
		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, c := range conns {
		p.Release(c)
	}
	assert.Equal(t, 4, p.Stats().Total)

	assert.Eventually(t, func() bool {
		return p.Stats().Total == 1
	}, time.Second, 10*time.Millisecond, "idle connections shrink back to MinSize")
}

func TestEfficiency(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second}, fake)

	for i := 0; i < 10; i++ {
		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		p.Release(conn)
	}

	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Acquisitions)
	assert.Equal(t, int64(10), stats.IdleHits)
	assert.InDelta(t, 1.0, stats.Efficiency, 0.001)
}

func TestAcquireAfterClose(t *testing.T) {
	fake := drivertest.New()
	p, err := New(context.Background(), Config{
		Name: "primary", URL: "fake://db", MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second,
	}, fake, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, fake.OpenCount())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, pkgerrors.ErrPoolClosed)
}

func TestReleaseAfterCloseClosesConn(t *testing.T) {
	fake := drivertest.New()
	p, err := New(context.Background(), Config{
		Name: "primary", URL: "fake://db", MinSize: 1, MaxSize: 1, AcquireTimeout: time.Second,
	}, fake, zerolog.Nop())
	require.NoError(t, err)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	p.Release(conn)
	assert.Equal(t, 0, fake.OpenCount())
}

func TestAcquireContextCancel(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 5 * time.Second}, fake)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeCanceled, pkgerrors.GetCode(err))
}
