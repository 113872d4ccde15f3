package queue

import (
	"errors"
	"sync"
	"time"

	"tagaudit/internal/pkg/types"
)

var (
	ErrQueueFull  = errors.New("queue is full")
	ErrQueueEmpty = errors.New("queue is empty")
)

// A scheduled audit waiting for a worker.
type Job struct {
	WebsiteID  string
	Target     types.AuditTarget
	Period     int64
	EnqueuedAt time.Time
}

// Bounded FIFO queue of audit jobs, safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	capacity int
	q        []Job
}

// Creates an empty queue with a specified capacity
func CreateQueue(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity should be greater than 0")
	}
	return &Queue{
		capacity: capacity,
		q:        make([]Job, 0, capacity),
	}, nil
}

// Inserts the job at the back of the queue
func (q *Queue) Insert(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) >= q.capacity {
		return ErrQueueFull
	}
	q.q = append(q.q, job)
	return nil
}

// Removes the oldest job from the queue
func (q *Queue) Remove() (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) == 0 {
		return Job{}, ErrQueueEmpty
	}
	job := q.q[0]
	q.q[0] = Job{}
	q.q = q.q[1:]
	return job, nil
}

// Returns the number of jobs in the queue
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

func (q *Queue) Capacity() int {
	return q.capacity
}

// Returns true if the queue is empty
func (q *Queue) IsEmpty() bool {
	return q.Length() == 0
}
