package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastpath-db/fastpath/pkg/cache"
	"github.com/fastpath-db/fastpath/pkg/driver/drivertest"
	"github.com/fastpath-db/fastpath/pkg/engine"
	"github.com/fastpath-db/fastpath/pkg/pool"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	fake := drivertest.New()

	small := pool.Config{MinSize: 1, MaxSize: 2, AcquireTimeout: time.Second}
	pools, err := pool.NewManager(context.Background(), pool.ManagerConfig{
		PrimaryURL:     "postgres://primary/db",
		ReadReplicaURL: "postgres://replica/db",
		Primary:        small,
		ReadReplica:    small,
		Analytics:      small,
	}, fake, zerolog.Nop())
	require.NoError(t, err)

	eng := engine.New(pools, engine.Options{
		ResultCache: cache.NewMemoryCache(zerolog.Nop()),
	}, zerolog.Nop())

	srv := New(":0", eng, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		eng.Close()
	})
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestQueryEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/query", map[string]interface{}{
		"query":  "SELECT id FROM users WHERE id = $1",
		"params": []interface{}{1},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Result struct {
			Columns []string        `json:"columns"`
			Rows    [][]interface{} `json:"rows"`
		} `json:"result"`
		Metadata struct {
			PoolUsed string `json:"pool_used"`
			Category string `json:"category"`
		} `json:"metadata"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "read_replica", body.Metadata.PoolUsed)
	assert.Equal(t, "READ", body.Metadata.Category)
	assert.NotEmpty(t, body.Result.Rows)
}

func TestQueryEndpointRejectsEmptyQuery(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/query", map[string]interface{}{"query": ""})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestQueryEndpointMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/query", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/batch", map[string]interface{}{
		"statements": []map[string]interface{}{
			{"query": "SELECT a FROM t"},
			{"query": "SELECT b FROM t"},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []struct {
			Metadata struct {
				PoolUsed string `json:"pool_used"`
			} `json:"metadata"`
			Error string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Results, 2)
	for _, r := range body.Results {
		assert.Empty(t, r.Error)
	}
}

func TestBatchEndpointHonorsForcePrimary(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/batch", map[string]interface{}{
		"statements": []map[string]interface{}{
			{"query": "SELECT a FROM t"},
			{"query": "SELECT b FROM t"},
		},
		"force_primary": true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []struct {
			Metadata struct {
				PoolUsed string `json:"pool_used"`
			} `json:"metadata"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Results, 2)
	for _, r := range body.Results {
		assert.Equal(t, "primary", r.Metadata.PoolUsed)
	}
}

func TestTransactionEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/transaction", map[string]interface{}{
		"statements": []map[string]interface{}{
			{"query": "INSERT INTO t (v) VALUES (1)"},
			{"query": "INSERT INTO t (v) VALUES (2)"},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Transaction struct {
			Committed bool `json:"committed"`
			Outcomes  []struct {
				Failed bool `json:"failed"`
			} `json:"outcomes"`
		} `json:"transaction"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Transaction.Committed)
	assert.Len(t, body.Transaction.Outcomes, 2)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Healthy bool            `json:"healthy"`
		Pools   map[string]bool `json:"pools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Healthy)
	assert.Len(t, body.Pools, 3)
}

func TestPerformanceEndpoint(t *testing.T) {
	ts := newTestServer(t)

	// Drive a little traffic first.
	resp := postJSON(t, ts.URL+"/v1/query", map[string]interface{}{"query": "SELECT 1 FROM t"})
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/performance")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		TotalQueries int64 `json:"total_queries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.GreaterOrEqual(t, body.TotalQueries, int64(1))
}
