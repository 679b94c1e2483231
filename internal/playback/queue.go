package playback

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned when pushing onto a queue after Close.
var ErrQueueClosed = errors.New("queue is closed")

// Queue is an unbounded FIFO of jobs. Push never blocks and TryPop never
// waits; Ready delivers a wake-up after each push so a consumer does not have
// to rely on polling alone.
type Queue struct {
	mu     sync.Mutex
	items  []Job
	closed bool
	ready  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) Push(job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) TryPop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Job{}, false
	}
	job := q.items[0]
	q.items[0] = Job{}
	q.items = q.items[1:]
	return job, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready fires at least once after any push that found the signal slot empty.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close rejects further pushes and hands back whatever was still queued.
func (q *Queue) Close() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
