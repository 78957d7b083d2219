package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pds/internal/domain"

	"golang.org/x/sync/semaphore"
)

// TaskFunc is the work a task runs once it got a worker.
type TaskFunc func(ctx context.Context) (domain.ExecutionOutcome, error)

// Task is the asynchronous handle of one admitted job. A task that was
// canceled is reported as canceled even if its work finished afterwards.
type Task struct {
	fn           TaskFunc
	beforeCancel func()
	onDone       func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	finished bool
	canceled bool
	outcome  domain.ExecutionOutcome
	err      error
}

func newTask(fn TaskFunc, beforeCancel, onDone func()) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		fn:           fn,
		beforeCancel: beforeCancel,
		onDone:       onDone,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// NewCancelableTask wraps runner so that every cancellation destroys the
// product process before the task itself is marked canceled.
func NewCancelableTask(runner *ProcessRunner, onDone func()) *Task {
	return newTask(runner.Run, runner.PrepareForCancel, onDone)
}

// Cancel runs the cancel hook and then marks the task canceled. It returns
// false if the task had already finished.
func (t *Task) Cancel() bool {
	if t.IsDone() {
		return false
	}
	if t.beforeCancel != nil {
		t.beforeCancel()
	}

	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.canceled = true
	t.mu.Unlock()

	t.cancel()
	return true
}

// Done is closed once the task will not change anymore.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Canceled reports whether Cancel marked the task before it finished.
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Started reports whether the task got a worker.
func (t *Task) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Outcome returns the result of the work. It must only be called after Done.
func (t *Task) Outcome() (domain.ExecutionOutcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.err
}

// run waits for a worker slot, executes the work and publishes the result.
func (t *Task) run(slots *semaphore.Weighted) {
	defer t.cancel()
	if err := slots.Acquire(t.ctx, 1); err != nil {
		t.finish(domain.ExecutionOutcome{}, ErrCanceled)
		return
	}
	defer slots.Release(1)

	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	outcome, err := t.call()
	t.finish(outcome, err)
}

func (t *Task) call() (outcome domain.ExecutionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job execution panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

func (t *Task) finish(outcome domain.ExecutionOutcome, err error) {
	t.mu.Lock()
	t.finished = true
	t.outcome = outcome
	t.err = err
	if errors.Is(err, ErrCanceled) {
		t.canceled = true
	}
	t.mu.Unlock()

	close(t.done)
	if t.onDone != nil {
		t.onDone()
	}
}
