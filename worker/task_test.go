package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/pagestream/internal/metrics"
)

func TestTaskLifecycle(t *testing.T) {
	task := NewTask("render")
	assert.Equal(t, TaskCreated, task.State())
	assert.NotEmpty(t, task.ID)
	require.NoError(t, task.EnsureNotTerminated())

	s := NewScheduler(nil, nil)
	running := s.Start("render")
	assert.Equal(t, TaskRunning, running.State())
	assert.Equal(t, 1, s.Outstanding())

	s.Finish(running)
	s.Finish(running)
	assert.Equal(t, TaskFinished, running.State())
	assert.Zero(t, s.Outstanding())
	select {
	case <-running.Finished():
	default:
		t.Fatal("finished signal not closed")
	}
}

func TestTerminateIsALatch(t *testing.T) {
	task := NewTask("text")
	task.Terminate()
	task.Terminate()
	assert.True(t, task.Terminated())
	assert.ErrorIs(t, task.EnsureNotTerminated(), ErrTerminated)
	assert.Equal(t, "terminated", TaskTerminated.String())
}

func TestTerminateAllWaitsForTasks(t *testing.T) {
	m := metrics.New(nil)
	s := NewScheduler(m, nil)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		callbacks int
	)
	tasks := make([]*Task, n)
	for i := range tasks {
		task := s.Start("work")
		tasks[i] = task
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.Finish(task)
			for task.EnsureNotTerminated() == nil {
				time.Sleep(time.Millisecond)
			}
			if task.EnsureNotTerminated() == nil {
				mu.Lock()
				callbacks++
				mu.Unlock()
			}
		}()
	}
	require.Equal(t, n, s.Outstanding())

	require.NoError(t, s.TerminateAll(context.Background(), time.Second))
	wg.Wait()
	for _, task := range tasks {
		assert.Equal(t, TaskTerminated, task.State())
	}
	assert.Zero(t, callbacks)
	assert.Zero(t, s.Outstanding())
	assert.Equal(t, float64(n), testutil.ToFloat64(m.TasksStarted))
	assert.Equal(t, float64(n), testutil.ToFloat64(m.TasksTerminated))
	assert.Zero(t, testutil.ToFloat64(m.TasksFinished))
	assert.Zero(t, testutil.ToFloat64(m.TasksOutstanding))
}

func TestTerminateAllIsBounded(t *testing.T) {
	s := NewScheduler(nil, nil)
	stuck := s.Start("stuck")

	start := time.Now()
	err := s.TerminateAll(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, stuck.Terminated())
	assert.Equal(t, TaskRunning, stuck.State())

	s.Finish(stuck)
	assert.Equal(t, TaskTerminated, stuck.State())
}
