// Package server implements the memlru protocol engine.
//
// The server accepts TCP connections speaking the memcached binary protocol
// subset in pkg/protocol and answers GET and SET against a shared byte-budgeted
// LRU cache.
//
// Architecture:
//   - One acceptor goroutine hands new connections to the dispatcher
//   - One dispatcher goroutine owns connection registration and decodes every
//     24-byte request header
//   - A parked watcher goroutine per connection waits, when armed, until a
//     whole header is buffered and reports it to the dispatcher; it never
//     consumes request bytes
//   - A fixed worker pool reads request bodies, touches the cache and writes
//     responses
//
// A connection has at most one request in flight. Its watcher is re-armed only
// after the worker has written the response, so requests on one connection are
// answered in order and no two goroutines read the same socket at once.
//
// Example usage:
//
//	srv, err := server.New(cfg, server.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	go srv.ListenAndServe()
//	defer srv.Shutdown(ctx)
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/memlru/internal/metrics"
	"github.com/cachemir/memlru/pkg/cache"
	"github.com/cachemir/memlru/pkg/config"
	"github.com/cachemir/memlru/pkg/pool"
	"github.com/cachemir/memlru/pkg/protocol"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Backoff bounds for temporary accept failures.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// observer receives connection and request events. *metrics.Metrics satisfies it.
type observer interface {
	ConnOpened()
	ConnClosed()
	Request(op protocol.Opcode, status protocol.Status)
	ProtocolError(reason string)
}

type nopObserver struct{}

func (nopObserver) ConnOpened()                              {}
func (nopObserver) ConnClosed()                              {}
func (nopObserver) Request(protocol.Opcode, protocol.Status) {}
func (nopObserver) ProtocolError(string)                     {}

// task is the unit of work handed from the dispatcher to the pool: a
// connection whose header has been read and whose body is still on the wire.
type task struct {
	c *conn
	h protocol.Header
}

// Server is a memlru protocol server.
type Server struct {
	cfg    *config.ServerConfig
	limits protocol.Limits
	log    *zap.Logger
	obs    observer
	cache  *cache.Cache
	pool   *pool.Pool[task]

	accepted chan net.Conn
	ready    chan *conn
	done     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	ln       net.Listener
	conns    map[string]*conn
	shutdown bool
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	cache   *cache.Cache
}

// WithLogger sets the server logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *serverOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics reports connection, request and pool events to m. When the
// server creates its own cache, m also receives the cache events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *serverOptions) { o.metrics = m }
}

// WithCache makes the server use c instead of creating one from
// cfg.CapacityBytes.
func WithCache(c *cache.Cache) Option {
	return func(o *serverOptions) { o.cache = c }
}

// New creates a server from cfg. The server does not listen until Serve or
// ListenAndServe is called.
func New(cfg *config.ServerConfig, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}
	o := serverOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		cfg:      cfg,
		limits:   protocol.Limits{MaxKeyLength: cfg.MaxKeyLength, MaxBodyLength: cfg.MaxBodyLength},
		log:      o.log.Named("server"),
		obs:      nopObserver{},
		cache:    o.cache,
		accepted: make(chan net.Conn),
		ready:    make(chan *conn),
		done:     make(chan struct{}),
		conns:    make(map[string]*conn),
	}

	poolOpts := []pool.Option{pool.WithLogger(o.log)}
	cacheOpts := []cache.Option{cache.WithLogger(o.log)}
	if o.metrics != nil {
		s.obs = o.metrics
		poolOpts = append(poolOpts, pool.WithObserver(o.metrics))
		cacheOpts = append(cacheOpts, cache.WithHooks(o.metrics))
	}

	if s.cache == nil {
		c, err := cache.New(cfg.CapacityBytes, cacheOpts...)
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		s.cache = c
	}
	s.pool = pool.New[task](cfg.Workers, pool.HandlerFunc[task](s.handle), poolOpts...)

	return s, nil
}

// Cache returns the cache the server answers from.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on cfg.Address() and calls Serve.
func (s *Server) ListenAndServe() error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and runs the dispatcher until Shutdown is
// called or the listener fails. It always returns a non-nil error; after
// Shutdown the error is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	if s.ln != nil {
		s.mu.Unlock()
		return errors.New("server: already serving")
	}
	s.ln = ln
	// The dispatcher runs on this goroutine and is waited for by Shutdown.
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.log.Info("memlru server listening",
		zap.Stringer("addr", ln.Addr()),
		zap.Int("capacity_bytes", s.cache.Capacity()),
		zap.Int("workers", s.pool.Workers()),
	)

	acceptErr := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		acceptErr <- s.acceptLoop(ln)
	}()

	return s.dispatch(acceptErr)
}

// Shutdown stops accepting, closes every connection, drains the worker pool
// and waits for all server goroutines. It returns ctx.Err() if ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.ln
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	close(s.done)

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for _, c := range conns {
		s.closeConn(c, "")
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.pool.Shutdown()
		close(finished)
	}()

	select {
	case <-finished:
		s.log.Info("memlru server stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ln net.Listener) error {
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(delay*2, minAcceptDelay), maxAcceptDelay)
				s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		select {
		case s.accepted <- nc:
		case <-s.done:
			_ = nc.Close()
			return nil
		}
	}
}

// dispatch is the single event loop: it registers accepted connections and
// reads the header of every connection that reports readability.
func (s *Server) dispatch(acceptErr <-chan error) error {
	for {
		select {
		case <-s.done:
			return ErrServerClosed
		case err := <-acceptErr:
			if err == nil {
				return ErrServerClosed
			}
			s.log.Error("listener failed", zap.Error(err))
			return err
		case nc := <-s.accepted:
			s.register(nc)
		case c := <-s.ready:
			s.onReadable(c)
		}
	}
}

func (s *Server) register(nc net.Conn) {
	c := newConn(nc, s.log)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.obs.ConnOpened()
	c.log.Debug("connection opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.watch(s.ready, s.done, time.Duration(s.cfg.ReadTimeout)*time.Second)
	}()
	c.arm()
}

func (s *Server) onReadable(c *conn) {
	if c.inFlight.Load() {
		return
	}

	// The watcher buffered the whole header unless its peek failed, so this
	// read never blocks on the socket.
	h, err := protocol.ReadHeader(c.br)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			c.log.Debug("connection closed by peer")
			s.closeConn(c, "")
		default:
			c.log.Warn("read header failed", zap.Error(err))
			s.closeConn(c, "read_header")
		}
		return
	}

	c.inFlight.Store(true)
	if !s.pool.Submit(task{c: c, h: h}) {
		s.closeConn(c, "")
	}
}

// closeConn unregisters and closes c. A non-empty reason is counted as a
// protocol error. It is safe to call more than once.
func (s *Server) closeConn(c *conn, reason string) {
	s.mu.Lock()
	_, registered := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	if !c.close() {
		return
	}
	if reason != "" {
		s.obs.ProtocolError(reason)
	}
	if registered {
		s.obs.ConnClosed()
	}
	c.log.Debug("connection closed", zap.String("reason", reason))
}

func (s *Server) setReadDeadline(c *conn) error {
	return setDeadline(c.nc.SetReadDeadline, s.cfg.ReadTimeout)
}

func (s *Server) setWriteDeadline(c *conn) error {
	return setDeadline(c.nc.SetWriteDeadline, s.cfg.WriteTimeout)
}

// setDeadline applies a deadline secs from now, or clears it when secs is 0.
func setDeadline(set func(time.Time) error, secs int) error {
	if secs <= 0 {
		return set(time.Time{})
	}
	return set(time.Now().Add(time.Duration(secs) * time.Second))
}

func newBufferedReader(nc net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(nc, protocol.HeaderSize*64)
}
