package execution

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs submitted tasks with at most size of them executing at once.
type Pool struct {
	size  int
	slots *semaphore.Weighted
	wg    sync.WaitGroup
}

// NewPool creates a pool with size workers.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, slots: semaphore.NewWeighted(int64(size))}
}

// Submit schedules t. A task canceled while waiting never runs.
func (p *Pool) Submit(t *Task) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t.run(p.slots)
	}()
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() { p.wg.Wait() }
