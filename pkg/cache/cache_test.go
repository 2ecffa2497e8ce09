package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpath-db/fastpath/pkg/models"
)

func sampleResult() *models.ResultSet {
	return &models.ResultSet{
		Columns: []string{"id", "name"},
		Rows:    [][]interface{}{{int64(1), "alice"}, {int64(2), "bob"}},
	}
}

func TestKeyDeterminism(t *testing.T) {
	a := Key("SELECT * FROM users WHERE id = $1", []interface{}{7}, "tenant-1")
	b := Key("SELECT * FROM users WHERE id = $1", []interface{}{7}, "tenant-1")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "qx:"))
	assert.Len(t, a, len("qx:")+16)
}

func TestKeyVariesByInput(t *testing.T) {
	base := Key("SELECT * FROM users WHERE id = $1", []interface{}{7}, "tenant-1")
	assert.NotEqual(t, base, Key("SELECT * FROM users WHERE id = $1", []interface{}{8}, "tenant-1"))
	assert.NotEqual(t, base, Key("SELECT * FROM users WHERE id = $1", []interface{}{7}, "tenant-2"))
	assert.NotEqual(t, base, Key("SELECT * FROM orders WHERE id = $1", []interface{}{7}, "tenant-1"))
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(zerolog.Nop())
	defer c.Close()
	ctx := context.Background()

	key := Key("SELECT 1", nil, "")
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, sampleResult(), time.Minute))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleResult(), got)
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache(zerolog.Nop())
	defer c.Close()
	ctx := context.Background()

	key := Key("SELECT 1", nil, "")
	require.NoError(t, c.Set(ctx, key, sampleResult(), 20*time.Millisecond))

	_, ok, _ := c.Get(ctx, key)
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok, _ = c.Get(ctx, key)
	assert.False(t, ok, "entry expired")
}

func TestMemoryCacheInvalidate(t *testing.T) {
	c := NewMemoryCache(zerolog.Nop())
	defer c.Close()
	ctx := context.Background()

	k1 := Key("SELECT 1", nil, "")
	k2 := Key("SELECT 2", nil, "")
	require.NoError(t, c.Set(ctx, k1, sampleResult(), time.Minute))
	require.NoError(t, c.Set(ctx, k2, sampleResult(), time.Minute))

	require.NoError(t, c.Invalidate(ctx, "qx:*"))

	_, ok, _ := c.Get(ctx, k1)
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, k2)
	assert.False(t, ok)
}

func TestMemoryCacheInvalidateAll(t *testing.T) {
	c := NewMemoryCache(zerolog.Nop())
	defer c.Close()
	ctx := context.Background()

	key := Key("SELECT 1", nil, "")
	require.NoError(t, c.Set(ctx, key, sampleResult(), time.Minute))
	require.NoError(t, c.Invalidate(ctx, "*"))

	_, ok, _ := c.Get(ctx, key)
	assert.False(t, ok)
}
