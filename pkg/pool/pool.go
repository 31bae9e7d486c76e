// Package pool implements a fixed-size worker pool fed by an unbounded FIFO queue.
//
// A Pool is created with a worker count and a single Handler. Every task passed
// to Submit is appended to the queue and processed exactly once by whichever
// worker claims it first. The pool is the bridge between the server's single
// dispatcher goroutine and parallel request processing.
//
// Example usage:
//
//	p := pool.New(4, pool.HandlerFunc[job](func(j job) {
//		j.run()
//	}))
//	p.Submit(job{id: 1})
//	p.Shutdown() // waits for queued and running tasks
//
// The queue has no capacity bound and Submit never blocks. Under sustained
// overload the queue, and memory, grow without limit.
package pool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWorkers is the worker count used when New is given a non-positive count.
const DefaultWorkers = 4

// Handler processes one task. The pool calls Process from a worker goroutine,
// synchronously; the handler owns the task from then on.
type Handler[T any] interface {
	Process(task T)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc[T any] func(task T)

// Process calls f(task).
func (f HandlerFunc[T]) Process(task T) { f(task) }

// Observer receives queue and task timing signals, typically for metrics.
// Implementations must be cheap and non-blocking.
type Observer interface {
	QueueDepth(n int)
	TaskDone(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) QueueDepth(int)         {}
func (nopObserver) TaskDone(time.Duration) {}

// Pool is a fixed set of workers draining a FIFO queue of tasks.
type Pool[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	shutdown bool

	workers int
	handler Handler[T]
	wg      sync.WaitGroup

	log *zap.Logger
	obs Observer
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	log *zap.Logger
	obs Observer
}

// WithLogger sets the logger used for worker lifecycle and recovered panics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithObserver installs an Observer for queue depth and task durations.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.obs = obs
		}
	}
}

// New starts a pool of workers, all invoking h.
// If workers <= 0, DefaultWorkers is used.
func New[T any](workers int, h Handler[T], opts ...Option) *Pool[T] {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	o := options{log: zap.NewNop(), obs: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[T]{
		workers: workers,
		handler: h,
		log:     o.log,
		obs:     o.obs,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.serve(i)
	}
	return p
}

// Submit appends task to the queue and wakes one waiting worker.
//
// After Shutdown has been called the task is dropped, not queued and not
// executed, and Submit returns false.
func (p *Pool[T]) Submit(task T) bool {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, task)
	depth := len(p.queue)
	p.mu.Unlock()

	p.cond.Signal()
	p.obs.QueueDepth(depth)
	return true
}

// Shutdown stops accepting tasks, lets the workers drain what is already
// queued, and returns once every worker has exited.
//
// Shutdown is safe to call multiple times.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
}

// Workers returns the number of worker goroutines.
func (p *Pool[T]) Workers() int {
	return p.workers
}

// Pending returns the number of queued tasks not yet claimed by a worker.
func (p *Pool[T]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool[T]) serve(id int) {
	defer p.wg.Done()

	log := p.log.With(zap.Int("worker", id))
	log.Debug("worker started")
	defer log.Debug("worker exiting")

	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(log, task)
	}
}

// next blocks until a task is available or the pool is shut down with an
// empty queue.
func (p *Pool[T]) next() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.shutdown {
		p.cond.Wait()
	}

	var zero T
	if len(p.queue) == 0 {
		return zero, false
	}

	task := p.queue[0]
	p.queue[0] = zero
	p.queue = p.queue[1:]
	p.obs.QueueDepth(len(p.queue))
	return task, true
}

func (p *Pool[T]) run(log *zap.Logger, task T) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task handler panicked", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
		p.obs.TaskDone(time.Since(start))
	}()

	p.handler.Process(task)
}
