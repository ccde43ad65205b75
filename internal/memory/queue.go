package memory

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue runs detached extraction jobs. Global parallelism is bounded by a
// weighted semaphore; jobs for the same user run in submission order so two
// extractions cannot race on one user's memory set.
type Queue struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	// tails chains same-user jobs: each job waits for the previous one's
	// done channel before running.
	tails map[string]chan struct{}

	wg sync.WaitGroup
}

func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Queue{
		sem:   semaphore.NewWeighted(maxConcurrent),
		tails: make(map[string]chan struct{}),
	}
}

// Submit enqueues a job keyed by user and returns immediately. Returns false
// if the queue is closed.
func (q *Queue) Submit(userID string, job func(ctx context.Context)) bool {
	if q == nil || job == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	prev := q.tails[userID]
	done := make(chan struct{})
	q.tails[userID] = done
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		if err := q.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer q.sem.Release(1)
		job(context.Background())
	}()
	return true
}

// Close stops accepting jobs and waits for in-flight ones until ctx expires.
func (q *Queue) Close(ctx context.Context) error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("extraction queue did not drain in time")
	}
}
