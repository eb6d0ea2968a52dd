package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu    sync.Mutex
	tasks []int
}

func (r *recordingRunner) Run(t int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

type batchRunner struct {
	recordingRunner
	batches []int
}

func (r *batchRunner) RunBatch(tasks []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, tasks...)
	r.batches = append(r.batches, len(tasks))
}

func TestWorkerRunsTasksInOrder(t *testing.T) {
	w := New[int]("test", 16, 1)
	runner := &recordingRunner{}
	w.Start(runner)

	sched := w.Scheduler()
	for i := 0; i < 10; i++ {
		require.NoError(t, sched.Schedule(i))
	}
	w.Stop()

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, runner.tasks)
}

func TestWorkerBatches(t *testing.T) {
	w := New[int]("test", 64, 8)
	runner := &batchRunner{}
	w.Start(runner)

	sched := w.Scheduler()
	for i := 0; i < 30; i++ {
		require.NoError(t, sched.Schedule(i))
	}
	w.Stop()

	require.Len(t, runner.tasks, 30)
	for _, size := range runner.batches {
		require.LessOrEqual(t, size, 8)
	}
}

func TestScheduleAfterStop(t *testing.T) {
	w := New[int]("test", 16, 1)
	runner := &recordingRunner{}
	w.Start(runner)
	w.Stop()

	err := w.Scheduler().Schedule(1)
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopWaitsForDrain(t *testing.T) {
	w := New[int]("test", 64, 1)
	runner := &recordingRunner{}
	slow := &slowRunner{inner: runner}
	w.Start(slow)

	sched := w.Scheduler()
	for i := 0; i < 5; i++ {
		require.NoError(t, sched.Schedule(i))
	}
	w.Stop()
	require.Len(t, runner.tasks, 5)
}

type slowRunner struct {
	inner *recordingRunner
}

func (r *slowRunner) Run(t int) {
	time.Sleep(time.Millisecond)
	r.inner.Run(t)
}
