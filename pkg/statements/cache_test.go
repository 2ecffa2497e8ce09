package statements

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpath-db/fastpath/pkg/driver/drivertest"
	"github.com/fastpath-db/fastpath/pkg/metrics"
	"github.com/fastpath-db/fastpath/pkg/pool"
)

type countingCollector struct {
	metrics.NoOp
	evictions atomic.Int64
}

func (c *countingCollector) StatementEvicted() { c.evictions.Add(1) }

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"whitespace collapse", "SELECT  *\n FROM\tusers", "select * from users"},
		{"case folding", "SELECT Id FROM Users", "select id from users"},
		{"number literals", "SELECT * FROM t WHERE id = 42", "select * from t where id = ?"},
		{"string literals", "SELECT * FROM t WHERE name = 'bob'", "select * from t where name = ?"},
		{"decimal literals", "SELECT * FROM t WHERE score > 3.14", "select * from t where score > ?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestSignatureStability(t *testing.T) {
	a := Signature("SELECT * FROM users WHERE id = 1")
	b := Signature("select  *  from users where id = 99")
	c := Signature("SELECT * FROM orders WHERE id = 1")

	assert.Len(t, a, 16)
	assert.Equal(t, a, b, "literal and whitespace variants share a signature")
	assert.NotEqual(t, a, c)
}

func testConn(t *testing.T) (*pool.Conn, *drivertest.Driver, func()) {
	t.Helper()
	fake := drivertest.New()
	p, err := pool.New(context.Background(), pool.Config{
		Name: "primary", URL: "fake://db", MinSize: 1, MaxSize: 1,
		AcquireTimeout: time.Second,
	}, fake, zerolog.Nop())
	require.NoError(t, err)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	return conn, fake, func() {
		p.Release(conn)
		p.Close()
	}
}

func TestGetOrPrepareReuse(t *testing.T) {
	conn, fake, done := testConn(t)
	defer done()

	c := NewCache(10, zerolog.Nop())
	ctx := context.Background()
	query := "SELECT id FROM users WHERE id = $1"

	first, err := c.GetOrPrepare(ctx, conn, query)
	require.NoError(t, err)
	assert.True(t, first.Prepared)

	second, err := c.GetOrPrepare(ctx, conn, query)
	require.NoError(t, err)
	assert.False(t, second.Prepared, "second lookup reuses the handle")

	assert.Len(t, fake.Conns()[0].Prepared(), 1, "only one server-side prepare")

	hits, misses, _ := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestEvictionAtCapacity(t *testing.T) {
	conn, _, done := testConn(t)
	defer done()

	c := NewCache(2, zerolog.Nop())
	ctx := context.Background()

	qa := "SELECT a FROM t WHERE id = $1"
	qb := "SELECT b FROM t WHERE id = $1"
	qc := "SELECT c FROM t WHERE id = $1"

	_, err := c.GetOrPrepare(ctx, conn, qa)
	require.NoError(t, err)
	_, err = c.GetOrPrepare(ctx, conn, qb)
	require.NoError(t, err)

	// Touch A so B becomes least recently used.
	_, err = c.GetOrPrepare(ctx, conn, qa)
	require.NoError(t, err)

	_, err = c.GetOrPrepare(ctx, conn, qc)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	// B was evicted: its handle is gone from the session.
	_, live := conn.Statement(Signature(qb))
	assert.False(t, live)
	_, live = conn.Statement(Signature(qa))
	assert.True(t, live)

	_, _, evictions := c.Stats()
	assert.Equal(t, int64(1), evictions)
}

func TestEvictionReportedToCollector(t *testing.T) {
	conn, _, done := testConn(t)
	defer done()

	collector := &countingCollector{}
	c := NewCache(1, zerolog.Nop(), WithCollector(collector))
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, conn, "SELECT a FROM t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), collector.evictions.Load())

	_, err = c.GetOrPrepare(ctx, conn, "SELECT b FROM t")
	require.NoError(t, err)
	assert.Equal(t, int64(1), collector.evictions.Load())
}

func TestReprepareAfterEviction(t *testing.T) {
	conn, _, done := testConn(t)
	defer done()

	c := NewCache(1, zerolog.Nop())
	ctx := context.Background()

	qa := "SELECT a FROM t"
	qb := "SELECT b FROM t"

	_, err := c.GetOrPrepare(ctx, conn, qa)
	require.NoError(t, err)
	_, err = c.GetOrPrepare(ctx, conn, qb)
	require.NoError(t, err)

	res, err := c.GetOrPrepare(ctx, conn, qa)
	require.NoError(t, err)
	assert.True(t, res.Prepared, "evicted statement is prepared again")
}

func TestInvalidateConn(t *testing.T) {
	conn, _, done := testConn(t)
	defer done()

	c := NewCache(10, zerolog.Nop())
	ctx := context.Background()

	_, err := c.GetOrPrepare(ctx, conn, "SELECT a FROM t")
	require.NoError(t, err)
	_, err = c.GetOrPrepare(ctx, conn, "SELECT b FROM t")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	c.InvalidateConn(conn.ID())
	assert.Equal(t, 0, c.Len())
}

func TestPrepareFailure(t *testing.T) {
	conn, fake, done := testConn(t)
	defer done()

	fake.Conns()[0].FailNext.Store(1)

	c := NewCache(10, zerolog.Nop())
	_, err := c.GetOrPrepare(context.Background(), conn, "SELECT a FROM t")
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len(), "failed prepare leaves no entry")
}

func TestHitRate(t *testing.T) {
	conn, _, done := testConn(t)
	defer done()

	c := NewCache(10, zerolog.Nop())
	ctx := context.Background()
	query := "SELECT id FROM users"

	_, err := c.GetOrPrepare(ctx, conn, query)
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		_, err = c.GetOrPrepare(ctx, conn, query)
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.9, c.HitRate(), 0.001)
}
