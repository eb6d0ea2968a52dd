// Package worker provides a single-runner task worker with optional
// batching. One goroutine owns the runnable and is the only writer of
// its state; producers hand tasks over through a Scheduler.
package worker

import (
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/wentaoxu/tikv/pkg/logging"
)

// ErrStopped is returned by Schedule after the worker has been stopped.
var ErrStopped = errors.New("worker stopped")

// Runnable consumes tasks one at a time.
type Runnable[T any] interface {
	Run(t T)
}

// BatchRunnable consumes tasks in drained batches. Workers prefer it
// over Runnable when the runnable implements both.
type BatchRunnable[T any] interface {
	RunBatch(tasks []T)
}

// Scheduler enqueues tasks into a worker. It is safe for concurrent use
// and remains valid after the worker stops (Schedule then fails).
type Scheduler[T any] struct {
	name    string
	ch      chan T
	stopped *atomic.Bool
}

// Schedule hands a task to the worker.
func (s Scheduler[T]) Schedule(t T) error {
	if s.stopped.Load() {
		return errors.Annotatef(ErrStopped, "worker %s", s.name)
	}
	select {
	case s.ch <- t:
		return nil
	default:
	}
	// The queue is full; block rather than drop.
	s.ch <- t
	return nil
}

// Worker runs a Runnable on a dedicated goroutine.
type Worker[T any] struct {
	name      string
	ch        chan T
	batchSize int
	stopped   atomic.Bool
	wg        sync.WaitGroup
}

// New creates a worker with the given queue capacity and batch size.
func New[T any](name string, capacity, batchSize int) *Worker[T] {
	if capacity <= 0 {
		capacity = 4096
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Worker[T]{
		name:      name,
		ch:        make(chan T, capacity),
		batchSize: batchSize,
	}
}

// Scheduler returns a handle for enqueueing tasks.
func (w *Worker[T]) Scheduler() Scheduler[T] {
	return Scheduler[T]{name: w.name, ch: w.ch, stopped: &w.stopped}
}

// Start launches the runner goroutine.
func (w *Worker[T]) Start(r Runnable[T]) {
	w.wg.Add(1)
	batcher, batched := r.(BatchRunnable[T])
	go func() {
		defer w.wg.Done()
		if batched {
			w.runBatched(batcher)
			return
		}
		for t := range w.ch {
			r.Run(t)
		}
	}()
}

func (w *Worker[T]) runBatched(r BatchRunnable[T]) {
	batch := make([]T, 0, w.batchSize)
	for t := range w.ch {
		batch = append(batch, t)
		for len(batch) < w.batchSize {
			select {
			case more, ok := <-w.ch:
				if !ok {
					r.RunBatch(batch)
					return
				}
				batch = append(batch, more)
			default:
				goto full
			}
		}
	full:
		r.RunBatch(batch)
		batch = batch[:0]
	}
}

// Stop closes the queue and waits for the runner to drain it.
func (w *Worker[T]) Stop() {
	if w.stopped.Swap(true) {
		return
	}
	close(w.ch)
	w.wg.Wait()
	logging.Named("worker").Debug("worker stopped", zap.String("name", w.name))
}
