package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesEveryTaskExactlyOnce(t *testing.T) {
	const tasks = 1000

	var mu sync.Mutex
	seen := make(map[int]int)
	p := New(4, HandlerFunc[int](func(n int) {
		mu.Lock()
		seen[n]++
		mu.Unlock()
	}))

	for i := 0; i < tasks; i++ {
		require.True(t, p.Submit(i))
	}
	p.Shutdown()

	require.Len(t, seen, tasks)
	for i := 0; i < tasks; i++ {
		assert.Equal(t, 1, seen[i], "task %d", i)
	}
}

func TestPoolDefaultWorkers(t *testing.T) {
	p := New(0, HandlerFunc[int](func(int) {}))
	defer p.Shutdown()

	assert.Equal(t, DefaultWorkers, p.Workers())
}

func TestPoolShutdownWaitsForRunningTasks(t *testing.T) {
	var done atomic.Int32
	started := make(chan struct{}, 8)
	release := make(chan struct{})

	p := New(2, HandlerFunc[int](func(int) {
		started <- struct{}{}
		<-release
		done.Add(1)
	}))

	for i := 0; i < 6; i++ {
		require.True(t, p.Submit(i))
	}
	<-started
	<-started

	shutdownReturned := make(chan struct{})
	go func() {
		p.Shutdown()
		close(shutdownReturned)
	}()

	select {
	case <-shutdownReturned:
		t.Fatal("Shutdown returned while tasks were still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-shutdownReturned:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	assert.Equal(t, int32(6), done.Load(), "queued tasks are drained before workers exit")
}

func TestPoolDropsTasksAfterShutdown(t *testing.T) {
	var calls atomic.Int32
	p := New(2, HandlerFunc[int](func(int) { calls.Add(1) }))
	p.Shutdown()

	assert.False(t, p.Submit(1))
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, p.Pending())

	// Second shutdown is a no-op.
	p.Shutdown()
}

func TestPoolSingleWorkerKeepsFIFOOrder(t *testing.T) {
	var got []int
	p := New(1, HandlerFunc[int](func(n int) { got = append(got, n) }))

	for i := 0; i < 100; i++ {
		p.Submit(i)
	}
	p.Shutdown()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	var calls atomic.Int32
	p := New(1, HandlerFunc[int](func(n int) {
		calls.Add(1)
		if n == 0 {
			panic("boom")
		}
	}))

	p.Submit(0)
	p.Submit(1)
	p.Shutdown()

	assert.Equal(t, int32(2), calls.Load())
}

type countingObserver struct {
	maxDepth atomic.Int32
	done     atomic.Int32
}

func (o *countingObserver) QueueDepth(n int) {
	for {
		cur := o.maxDepth.Load()
		if int32(n) <= cur || o.maxDepth.CompareAndSwap(cur, int32(n)) {
			return
		}
	}
}

func (o *countingObserver) TaskDone(time.Duration) { o.done.Add(1) }

func TestPoolObserver(t *testing.T) {
	obs := &countingObserver{}
	release := make(chan struct{})
	p := New(1, HandlerFunc[int](func(int) { <-release }), WithObserver(obs))

	for i := 0; i < 5; i++ {
		p.Submit(i)
	}
	close(release)
	p.Shutdown()

	assert.Equal(t, int32(5), obs.done.Load())
	assert.GreaterOrEqual(t, obs.maxDepth.Load(), int32(1))
}
