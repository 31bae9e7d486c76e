// Package client provides the Go client SDK for memlru cache servers.
//
// The client picks a server for every key with a consistent hashing ring,
// keeps a bounded pool of connections per server, and retries transport
// failures on a fresh connection.
//
// Key Features:
//   - Consistent hashing for node selection
//   - Connection pooling per server node
//   - Retries on transport errors with configurable attempts
//   - Context-aware GET and SET
//   - Thread-safe operations
//
// Basic Usage:
//
//	c, err := client.New([]string{"cache1:11211", "cache2:11211"})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "user:123", []byte("john_doe"), 0)
//	value, flags, err := c.Get(ctx, "user:123")
//	if errors.Is(err, client.ErrNotFound) {
//		// miss
//	}
//
// Errors reported by the server (for example an item larger than the cache)
// are returned as *StatusError and are never retried.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/memlru/pkg/config"
	"github.com/cachemir/memlru/pkg/hash"
	"github.com/cachemir/memlru/pkg/protocol"
)

var (
	// ErrNotFound is returned by Get when the key is not cached.
	ErrNotFound = errors.New("memlru: key not found")
	// ErrClientClosed is returned by operations after Close.
	ErrClientClosed = errors.New("memlru: client closed")
	// ErrNoNodes is returned when the ring has no servers.
	ErrNoNodes = errors.New("memlru: no available nodes")
	// ErrKeyTooLong is returned for keys the wire format cannot carry.
	ErrKeyTooLong = errors.New("memlru: key too long")

	errOpaqueMismatch = errors.New("memlru: response does not match request")
)

const maxWireKeyLength = 0xFFFF

// StatusError is a non-success status returned by a server.
type StatusError struct {
	Op      protocol.Opcode
	Status  protocol.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("memlru: %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("memlru: %s: %s: %s", e.Op, e.Status, e.Message)
}

// Client is a memlru client for one or more servers.
// It is safe for concurrent use.
type Client struct {
	config *config.ClientConfig
	ring   *hash.ConsistentHash
	log    *zap.Logger
	opaque atomic.Uint32

	mu     sync.RWMutex
	pools  map[string]*ConnectionPool
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Client for nodes. Other settings come from the MEMLRU_*
// environment variables or their defaults.
func New(nodes []string, opts ...Option) (*Client, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	cfg.Nodes = nodes

	return NewWithConfig(cfg, opts...)
}

// NewWithConfig creates a Client from cfg.
func NewWithConfig(cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	c := &Client{
		config: cfg,
		ring:   hash.New(cfg.VirtualNodes),
		log:    zap.NewNop(),
		pools:  make(map[string]*ConnectionPool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("client")

	for _, node := range cfg.Nodes {
		c.ring.AddNode(node)
		c.pools[node] = c.newPool(node)
	}
	return c, nil
}

func (c *Client) newPool(address string) *ConnectionPool {
	return NewConnectionPool(address, c.config.MaxConnsPerNode,
		time.Duration(c.config.ConnTimeout)*time.Second)
}

// AddNode adds a server. Some keys move to it according to the ring.
func (c *Client) AddNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.ring.AddNode(address)
	if _, exists := c.pools[address]; !exists {
		c.pools[address] = c.newPool(address)
	}
	c.log.Info("node added", zap.String("node", address))
}

// RemoveNode removes a server and closes its idle connections. Its keys are
// redistributed to the remaining servers.
func (c *Client) RemoveNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring.RemoveNode(address)
	if pool, exists := c.pools[address]; exists {
		pool.Close()
		delete(c.pools, address)
	}
	c.log.Info("node removed", zap.String("node", address))
}

// Nodes returns the servers currently on the ring.
func (c *Client) Nodes() []string {
	return c.ring.GetNodes()
}

// Get returns the value and flags stored under key.
// It returns ErrNotFound if the server does not hold the key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, uint32, error) {
	resp, err := c.do(ctx, key, protocol.NewGet([]byte(key)))
	if err != nil {
		return nil, 0, err
	}

	switch resp.Status {
	case protocol.StatusSuccess:
	case protocol.StatusKeyNotFound:
		return nil, 0, ErrNotFound
	default:
		return nil, 0, statusError(protocol.OpGet, resp)
	}

	var flags uint32
	if len(resp.Extras) >= protocol.FlagsSize {
		flags = binary.BigEndian.Uint32(resp.Extras[:protocol.FlagsSize])
	}
	return resp.Value, flags, nil
}

// Set stores value and flags under key.
func (c *Client) Set(ctx context.Context, key string, value []byte, flags uint32) error {
	resp, err := c.do(ctx, key, protocol.NewSet([]byte(key), value, flags))
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusSuccess {
		return statusError(protocol.OpSet, resp)
	}
	return nil
}

// Close closes every connection pool. Operations after Close fail with
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, pool := range c.pools {
		pool.Close()
	}
	return nil
}

// do sends req to the node owning key, retrying transport failures on a new
// connection up to RetryAttempts times.
func (c *Client) do(ctx context.Context, key string, req *protocol.Request) (*protocol.Response, error) {
	if len(key) > maxWireKeyLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(key))
	}

	var lastErr error
	attempts := c.config.RetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node, pool, err := c.poolFor(key)
		if err != nil {
			return nil, err
		}

		conn, err := pool.Get(ctx)
		if err != nil {
			// ErrPoolClosed means the node was removed while routing; the
			// next attempt picks again.
			lastErr = err
			c.log.Debug("get connection failed",
				zap.String("node", node), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		resp, err := c.roundTrip(ctx, conn, req)
		if err != nil {
			pool.Discard(conn)
			lastErr = err
			c.log.Debug("request failed",
				zap.String("node", node),
				zap.Stringer("opcode", req.Header.Opcode),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		pool.Put(conn)
		return resp, nil
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", req.Header.Opcode, attempts, lastErr)
}

func (c *Client) poolFor(key string) (string, *ConnectionPool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return "", nil, ErrClientClosed
	}
	node := c.ring.GetNode(key)
	if node == "" {
		return "", nil, ErrNoNodes
	}
	pool, exists := c.pools[node]
	if !exists {
		return "", nil, fmt.Errorf("no connection pool for node: %s", node)
	}
	return node, pool, nil
}

func (c *Client) roundTrip(ctx context.Context, conn net.Conn, req *protocol.Request) (*protocol.Response, error) {
	req.Header.Opaque = c.opaque.Add(1)

	if err := conn.SetWriteDeadline(c.deadline(ctx, c.config.WriteTimeout)); err != nil {
		return nil, err
	}
	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if err := conn.SetReadDeadline(c.deadline(ctx, c.config.ReadTimeout)); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadResponse(conn, c.config.MaxBodyLength)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Opaque != req.Header.Opaque {
		return nil, fmt.Errorf("%w: opaque %d, want %d", errOpaqueMismatch, resp.Opaque, req.Header.Opaque)
	}
	return resp, nil
}

// deadline returns now+secs, or the context deadline if that is sooner.
func (c *Client) deadline(ctx context.Context, secs int) time.Time {
	d := time.Now().Add(time.Duration(secs) * time.Second)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func statusError(op protocol.Opcode, resp *protocol.Response) error {
	return &StatusError{Op: op, Status: resp.Status, Message: string(resp.Value)}
}
