// Package pool implements fixed-size worker pools. Each worker is
// identified by a dense index that tasks receive on execution, so
// callers can keep per-worker state without locking.
package pool

import (
	"sync"
)

// Pool is a fixed-size pool of worker goroutines consuming a shared
// task queue.
type Pool struct {
	name    string
	size    int
	tasks   chan func(workerID int)
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// Option configures pool construction.
type Option func(*options)

type options struct {
	queueSize int
	stackSize int64
	afterStart func(workerID int)
}

// WithQueueSize sets the task queue capacity.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithStackSize records the requested per-worker stack size. Goroutine
// stacks grow on demand, so the value is accepted for configuration
// compatibility only.
func WithStackSize(n int64) Option {
	return func(o *options) { o.stackSize = n }
}

// WithAfterStart runs a hook on each worker goroutine before it begins
// consuming tasks. The hook is the place to set up per-worker state
// keyed by workerID.
func WithAfterStart(hook func(workerID int)) Option {
	return func(o *options) { o.afterStart = hook }
}

// New creates and starts a pool of size workers.
func New(name string, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	o := options{queueSize: size * 256}
	for _, opt := range opts {
		opt(&o)
	}
	p := &Pool{
		name:  name,
		size:  size,
		tasks: make(chan func(workerID int), o.queueSize),
	}
	started := make(chan struct{})
	var ready sync.WaitGroup
	ready.Add(size)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			if o.afterStart != nil {
				o.afterStart(id)
			}
			ready.Done()
			<-started
			for task := range p.tasks {
				task(id)
			}
		}(i)
	}
	// All start hooks complete before any task runs, so per-worker
	// state is fully populated by the time it is consulted.
	ready.Wait()
	close(started)
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Go enqueues a task. It blocks when the queue is full, providing
// back-pressure to producers.
func (p *Pool) Go(task func(workerID int)) {
	p.tasks <- task
}

// Close stops the pool after draining queued tasks.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}
