package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/pagestream/internal/metrics"
)

// TaskState is the lifecycle position of a Task.
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskRunning
	TaskFinished
	TaskTerminated
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskFinished:
		return "finished"
	case TaskTerminated:
		return "terminated"
	}
	return "created"
}

// Task is one unit of background work. Terminate is a one-way latch the
// work polls through EnsureNotTerminated.
type Task struct {
	ID   string
	Name string

	state      atomic.Int32
	terminated atomic.Bool
	finished   chan struct{}
	finishOnce sync.Once
}

// NewTask creates a task in the created state.
func NewTask(name string) *Task {
	return &Task{ID: uuid.NewString(), Name: name, finished: make(chan struct{})}
}

// State returns the current state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Terminate asks the task to stop. It never un-terminates.
func (t *Task) Terminate() { t.terminated.Store(true) }

// Terminated reports whether Terminate was called.
func (t *Task) Terminated() bool { return t.terminated.Load() }

// EnsureNotTerminated returns ErrTerminated once the task is terminated.
func (t *Task) EnsureNotTerminated() error {
	if t.terminated.Load() {
		return ErrTerminated
	}
	return nil
}

// Finished is closed when the task finishes, terminated or not.
func (t *Task) Finished() <-chan struct{} { return t.finished }

func (t *Task) finish() bool {
	first := false
	t.finishOnce.Do(func() {
		first = true
		if t.terminated.Load() {
			t.state.Store(int32(TaskTerminated))
		} else {
			t.state.Store(int32(TaskFinished))
		}
		close(t.finished)
	})
	return first
}

// Scheduler tracks the outstanding tasks of one document.
type Scheduler struct {
	metrics *metrics.Collectors
	logger  *zap.Logger

	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// NewScheduler creates an empty scheduler. Both arguments may be nil.
func NewScheduler(m *metrics.Collectors, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{metrics: m, logger: logger, tasks: make(map[*Task]struct{})}
}

// Start registers a new running task.
func (s *Scheduler) Start(name string) *Task {
	t := NewTask(name)
	t.state.Store(int32(TaskRunning))
	s.mu.Lock()
	s.tasks[t] = struct{}{}
	s.mu.Unlock()
	s.metrics.TaskStarted()
	return t
}

// Finish marks t finished and forgets it. Calling it twice is harmless.
func (s *Scheduler) Finish(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
	if t.finish() {
		s.metrics.TaskFinished(t.Terminated())
	}
}

// Outstanding returns the number of started but unfinished tasks.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// TerminateAll terminates every outstanding task and waits for them to
// finish, for at most timeout. Tasks still running afterwards are
// abandoned; their results are dropped when they finish.
func (s *Scheduler) TerminateAll(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		t.Terminate()
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.Finished():
		case <-ctx.Done():
			s.logger.Warn("tasks did not finish after termination",
				zap.Int("outstanding", s.Outstanding()), zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}
	return nil
}
