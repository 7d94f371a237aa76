package sandbox

import (
	"sync"
)

// jobQueue is the unbounded FIFO feeding a session's event loop. Producers
// never block; the loop goroutine is the only consumer.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []func() error
	closed bool
	wake   chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{wake: make(chan struct{}, 1)}
}

// push appends a job and reports false when the queue is closed
func (q *jobQueue) push(job func() error) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest job, or returns nil when the queue is empty
func (q *jobQueue) pop() func() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job
}

// close rejects further pushes and drops queued jobs
func (q *jobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.jobs = nil
}
