package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue. Delayed retries are held on timers.
type Memory struct {
	mu          sync.Mutex
	ready       []*Job
	delayed     map[string]*time.Timer
	notify      chan struct{}
	closed      bool
	maxAttempts int
}

var _ Queue = (*Memory)(nil)

func NewMemory(maxAttempts int) *Memory {
	return &Memory{
		delayed:     make(map[string]*time.Timer),
		notify:      make(chan struct{}, 1),
		maxAttempts: maxAttempts,
	}
}

func (q *Memory) Enqueue(_ context.Context, name string, payload any) (string, error) {
	job, err := newJob(name, payload, q.maxAttempts)
	if err != nil {
		return "", err
	}
	if err := q.push(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *Memory) push(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	copied := *job
	q.ready = append(q.ready, &copied)
	q.signal()
	return nil
}

// signal must be called with mu held.
func (q *Memory) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Memory) Dequeue(ctx context.Context, blockFor time.Duration) (*Job, error) {
	deadline := time.NewTimer(blockFor)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Memory) Retry(_ context.Context, job *Job, delay time.Duration) error {
	if delay <= 0 {
		return q.push(job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	copied := *job
	q.delayed[copied.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.delayed, copied.ID)
		q.mu.Unlock()
		_ = q.push(&copied)
	})
	return nil
}

func (q *Memory) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.delayed)), nil
}

// Close drops waiting jobs and stops pending retries.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	q.ready = nil
	close(q.notify)
	return nil
}
