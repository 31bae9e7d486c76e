package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/memlru/pkg/cache"
	"github.com/cachemir/memlru/pkg/protocol"
)

func TestMetricsRegistersAllFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.Hit()
	m.Miss()
	m.Evicted("k", 3)
	m.Stored(2, 10)
	m.QueueDepth(5)
	m.TaskDone(time.Millisecond)
	m.ConnOpened()
	m.Request(protocol.OpGet, protocol.StatusSuccess)
	m.ProtocolError("unknown_opcode")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"memlru_cache_hits_total",
		"memlru_cache_misses_total",
		"memlru_cache_evictions_total",
		"memlru_cache_items",
		"memlru_cache_bytes",
		"memlru_pool_queue_depth",
		"memlru_pool_task_duration_seconds",
		"memlru_connections",
		"memlru_requests_total",
		"memlru_protocol_errors_total",
	} {
		assert.True(t, names[name], name)
	}
}

func TestMetricsAsCacheHooks(t *testing.T) {
	m := New(prometheus.NewRegistry())
	c, err := cache.New(4, cache.WithHooks(m))
	require.NoError(t, err)

	require.NoError(t, c.Set([]byte("a"), []byte("1234"), nil))
	require.NoError(t, c.Set([]byte("b"), []byte("12"), nil))
	c.Get([]byte("a"))
	c.Get([]byte("b"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheItems))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheBytes))
}

func TestMetricsConnectionsAndRequests(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Request(protocol.OpSet, protocol.StatusSuccess)
	m.Request(protocol.OpSet, protocol.StatusSuccess)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("SET", "success")))
}
