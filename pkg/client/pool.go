package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned by ConnectionPool.Get after Close.
	ErrPoolClosed = errors.New("memlru: connection pool closed")
	// ErrPoolTimeout is returned when no connection frees up in time.
	ErrPoolTimeout = errors.New("memlru: connection pool timeout")
)

// ConnectionPool manages connections to a single server node.
//
// At most maxConns connections are open at once. Idle connections are reused;
// a caller that finds the pool exhausted waits for a connection to be
// returned, up to the connect timeout.
type ConnectionPool struct {
	address     string
	connTimeout time.Duration
	idle        chan net.Conn
	slots       chan struct{} // One token per open connection
	done        chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewConnectionPool creates a pool for address.
func NewConnectionPool(address string, maxConns int, connTimeout time.Duration) *ConnectionPool {
	return &ConnectionPool{
		address:     address,
		connTimeout: connTimeout,
		idle:        make(chan net.Conn, maxConns),
		slots:       make(chan struct{}, maxConns),
		done:        make(chan struct{}),
	}
}

// Get returns an idle connection or dials a new one if the pool has room.
func (cp *ConnectionPool) Get(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-cp.idle:
		return conn, nil
	case <-cp.done:
		return nil, ErrPoolClosed
	default:
	}

	timer := time.NewTimer(cp.connTimeout)
	defer timer.Stop()

	select {
	case conn := <-cp.idle:
		return conn, nil
	case cp.slots <- struct{}{}:
		dialCtx, cancel := context.WithTimeout(ctx, cp.connTimeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", cp.address)
		if err != nil {
			<-cp.slots
			return nil, err
		}
		return conn, nil
	case <-cp.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrPoolTimeout
	}
}

// Put returns a healthy connection for reuse.
func (cp *ConnectionPool) Put(conn net.Conn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		cp.discardLocked(conn)
		return
	}
	select {
	case cp.idle <- conn:
	default:
		cp.discardLocked(conn)
	}
}

// Discard closes a broken connection and frees its slot.
func (cp *ConnectionPool) Discard(conn net.Conn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.discardLocked(conn)
}

func (cp *ConnectionPool) discardLocked(conn net.Conn) {
	_ = conn.Close()
	select {
	case <-cp.slots:
	default:
	}
}

// Close closes idle connections and makes Get fail. Connections in use are
// closed when they are returned.
func (cp *ConnectionPool) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return
	}
	cp.closed = true
	close(cp.done)
	for {
		select {
		case conn := <-cp.idle:
			cp.discardLocked(conn)
		default:
			return
		}
	}
}

// Idle reports the number of idle connections.
func (cp *ConnectionPool) Idle() int {
	return len(cp.idle)
}
