package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/memlru/internal/server"
	"github.com/cachemir/memlru/pkg/config"
	"github.com/cachemir/memlru/pkg/protocol"
)

func startServer(t *testing.T, capacity int) *server.Server {
	t.Helper()

	cfg := config.DefaultServerConfig()
	cfg.CapacityBytes = capacity
	srv, err := server.New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)
	return srv
}

func testClientConfig(nodes ...string) *config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.Nodes = nodes
	cfg.ReadTimeout = 5
	cfg.WriteTimeout = 5
	cfg.RetryAttempts = 1
	return cfg
}

func newClient(t *testing.T, cfg *config.ClientConfig) *Client {
	t.Helper()
	c, err := NewWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientSetGet(t *testing.T) {
	srv := startServer(t, 1<<20)
	c := newClient(t, testClientConfig(srv.Addr().String()))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "foo", []byte("bar"), 42))

	value, flags, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("bar"), value)
	assert.Equal(t, uint32(42), flags)

	_, _, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientOverwrite(t *testing.T) {
	srv := startServer(t, 1<<20)
	c := newClient(t, testClientConfig(srv.Addr().String()))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("one"), 1))
	require.NoError(t, c.Set(ctx, "k", []byte("two"), 2))

	value, flags, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), value)
	assert.Equal(t, uint32(2), flags)
	assert.Equal(t, 3+protocol.FlagsSize, srv.Cache().Usage())
}

func TestClientStatusErrorIsNotRetried(t *testing.T) {
	srv := startServer(t, 16)
	c := newClient(t, testClientConfig(srv.Addr().String()))

	err := c.Set(context.Background(), "big", make([]byte, 64), 0)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, protocol.StatusValueTooLarge, statusErr.Status)
	assert.Equal(t, protocol.OpSet, statusErr.Op)
	assert.Contains(t, statusErr.Error(), "value too large")
}

func TestClientSpreadsKeysAcrossNodes(t *testing.T) {
	a := startServer(t, 1<<20)
	b := startServer(t, 1<<20)
	c := newClient(t, testClientConfig(a.Addr().String(), b.Addr().String()))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("v%d", i)), 0))
	}
	for i := 0; i < 100; i++ {
		value, _, err := c.Get(ctx, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), value)
	}

	assert.Equal(t, 100, a.Cache().Len()+b.Cache().Len())
	assert.NotZero(t, a.Cache().Len())
	assert.NotZero(t, b.Cache().Len())
}

func TestClientRemoveNodeReroutes(t *testing.T) {
	a := startServer(t, 1<<20)
	b := startServer(t, 1<<20)
	c := newClient(t, testClientConfig(a.Addr().String(), b.Addr().String()))
	ctx := context.Background()

	c.RemoveNode(b.Addr().String())
	assert.Equal(t, []string{a.Addr().String()}, c.Nodes())

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("key-%d", i), []byte("v"), 0))
	}
	assert.Equal(t, 20, a.Cache().Len())
	assert.Zero(t, b.Cache().Len())

	c.AddNode(b.Addr().String())
	assert.Len(t, c.Nodes(), 2)
}

// flakyServer drops the first connection it accepts and answers every
// request on later connections with success.
func flakyServer(t *testing.T) (addr string, accepted *atomic.Int32) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted = &atomic.Int32{}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			if accepted.Add(1) == 1 {
				_ = nc.Close()
				continue
			}
			go func() {
				defer nc.Close()
				for {
					h, err := protocol.ReadHeader(nc)
					if err != nil {
						return
					}
					if _, err := protocol.ReadBody(nc, h); err != nil {
						return
					}
					resp := &protocol.Response{Opcode: h.Opcode, Opaque: h.Opaque}
					if err := protocol.WriteResponse(nc, resp); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), accepted
}

func TestClientRetriesTransportErrors(t *testing.T) {
	addr, accepted := flakyServer(t)
	c := newClient(t, testClientConfig(addr))

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), 0))
	assert.Equal(t, int32(2), accepted.Load())
}

func TestClientGivesUpWithoutRetries(t *testing.T) {
	addr, _ := flakyServer(t)
	cfg := testClientConfig(addr)
	cfg.RetryAttempts = 0
	c := newClient(t, cfg)

	err := c.Set(context.Background(), "k", []byte("v"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 attempts")
}

func TestClientClosed(t *testing.T) {
	srv := startServer(t, 1<<20)
	c := newClient(t, testClientConfig(srv.Addr().String()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientHonorsContext(t *testing.T) {
	srv := startServer(t, 1<<20)
	c := newClient(t, testClientConfig(srv.Addr().String()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewWithConfigRejectsInvalidConfig(t *testing.T) {
	_, err := NewWithConfig(testClientConfig())
	assert.Error(t, err)

	_, err = New([]string{"no-port"})
	assert.Error(t, err)
}

func TestConnectionPoolReusesConnections(t *testing.T) {
	srv := startServer(t, 1<<20)
	pool := NewConnectionPool(srv.Addr().String(), 1, time.Second)
	defer pool.Close()
	ctx := context.Background()

	conn, err := pool.Get(ctx)
	require.NoError(t, err)

	// The only slot is taken, so a second Get times out.
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolTimeout)

	pool.Put(conn)
	assert.Equal(t, 1, pool.Idle())

	again, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conn, again)

	pool.Discard(again)
	fresh, err := pool.Get(ctx)
	require.NoError(t, err)
	pool.Put(fresh)

	pool.Close()
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
}
