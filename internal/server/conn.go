package server

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/cachemir/memlru/pkg/protocol"
)

const connIDLength = 10

// conn is one client connection.
//
// Reads on br are serialized by the arm handshake: the watcher peeks only
// while armed, the dispatcher decodes the header the watcher buffered, and a
// worker reads the body and re-arms once the response is written.
type conn struct {
	id  string
	nc  net.Conn
	br  *bufio.Reader
	log *zap.Logger

	inFlight atomic.Bool
	armCh    chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func newConn(nc net.Conn, log *zap.Logger) *conn {
	id := gonanoid.Must(connIDLength)
	return &conn{
		id:     id,
		nc:     nc,
		br:     newBufferedReader(nc),
		log:    log.With(zap.String("conn_id", id), zap.Stringer("remote", nc.RemoteAddr())),
		armCh:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// arm lets the watcher wait for the next request.
func (c *conn) arm() {
	select {
	case c.armCh <- struct{}{}:
	default:
	}
}

// watch reports the connection to ready each time it is armed and a whole
// header is buffered. A failed peek is reported too, so the dispatcher
// observes EOF or the error when it decodes the header.
func (c *conn) watch(ready chan<- *conn, done <-chan struct{}, headerTimeout time.Duration) {
	for {
		select {
		case <-c.armCh:
		case <-c.closed:
			return
		case <-done:
			return
		}

		if err := c.waitHeader(headerTimeout); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
		}

		select {
		case ready <- c:
		case <-c.closed:
			return
		case <-done:
			return
		}
	}
}

// waitHeader blocks until protocol.HeaderSize bytes are buffered in br.
// An idle connection waits without a deadline; once the first byte arrives
// the rest of the header must follow within timeout, if timeout is set.
func (c *conn) waitHeader(timeout time.Duration) error {
	if _, err := c.br.Peek(1); err != nil {
		return err
	}
	if timeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := c.br.Peek(protocol.HeaderSize)
	return err
}

// close closes the socket once and reports whether this call did it.
func (c *conn) close() bool {
	closedNow := false
	c.once.Do(func() {
		closedNow = true
		close(c.closed)
		if err := c.nc.Close(); err != nil {
			c.log.Debug("close failed", zap.Error(err))
		}
	})
	return closedNow
}
