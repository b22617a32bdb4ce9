/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admission provides a bounded-concurrency admission queue for calls
// to a rate-limit-sensitive upstream.
//
// The queue admits at most a configured number of callers at any instant.
// Callers arriving when all slots are taken wait in a strict FIFO queue of
// bounded length; a caller arriving when the queue is already full is
// rejected immediately with QueueFullError instead of waiting. Rejecting
// fast under sustained overload keeps both memory usage and latency bounded.
package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// Default parameter values for Queue.
const (
	DefaultMaxConcurrent  = 3
	DefaultMaxQueueLength = 100
)

// QueueFullError is returned by Queue.Acquire when the caller cannot be
// admitted: either the wait queue is already full at the moment of the
// acquire attempt, or the caller was queued and its wait ended before a slot
// was granted.
type QueueFullError struct {
	// Backlogged reports whether the caller had been placed in the wait queue
	// before being rejected (wait timeout elapsed) as opposed to being
	// rejected outright because the queue was full.
	Backlogged bool
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	if e.Backlogged {
		return "admission queue wait timed out"
	}
	return "admission queue is full"
}

// ReleaseFunc frees the admission slot held after a successful Acquire call.
// It is safe to call multiple times; only the first call has an effect.
type ReleaseFunc func()

// Stats is a snapshot of the queue state. It is produced without blocking.
type Stats struct {
	ActiveCount    int
	QueueLength    int
	MaxConcurrent  int
	MaxQueueLength int
}

// Queue bounds the number of concurrently admitted callers and keeps excess
// callers in a bounded FIFO wait queue. The zero value is not usable; use
// NewQueue.
type Queue struct {
	mu            sync.Mutex
	maxConcurrent int
	maxQueueLen   int
	active        int
	waiters       *list.List // of *waiter, admission order == enqueue order
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// NewQueue creates a new Queue.
// maxConcurrent is the number of admission slots, maxQueueLength is the
// maximum number of callers that may wait for a slot at the same time
// (0 disables queuing, every excess caller is rejected immediately).
func NewQueue(maxConcurrent, maxQueueLength int) (*Queue, error) {
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent should be positive, got %d", maxConcurrent)
	}
	if maxQueueLength < 0 {
		return nil, fmt.Errorf("max queue length should not be negative, got %d", maxQueueLength)
	}
	return &Queue{
		maxConcurrent: maxConcurrent,
		maxQueueLen:   maxQueueLength,
		waiters:       list.New(),
	}, nil
}

// MustNewQueue is a version of NewQueue that panics on error.
func MustNewQueue(maxConcurrent, maxQueueLength int) *Queue {
	q, err := NewQueue(maxConcurrent, maxQueueLength)
	if err != nil {
		panic(err)
	}
	return q
}

// Acquire obtains an admission slot, waiting in FIFO order if all slots are
// taken. It returns QueueFullError immediately when the wait queue is full,
// and QueueFullError with Backlogged set when ctx's deadline elapses while
// the caller is queued. A cancellation of ctx that is not a deadline is
// returned as ctx.Err(). The returned ReleaseFunc must be called exactly
// once when the admitted work is done, regardless of its outcome.
func (q *Queue) Acquire(ctx context.Context) (ReleaseFunc, error) {
	q.mu.Lock()
	if q.active < q.maxConcurrent && q.waiters.Len() == 0 {
		q.active++
		q.mu.Unlock()
		return q.releaseOnce(), nil
	}
	if q.waiters.Len() >= q.maxQueueLen {
		q.mu.Unlock()
		return nil, &QueueFullError{}
	}
	w := &waiter{ready: make(chan struct{})}
	elem := q.waiters.PushBack(w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return q.releaseOnce(), nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	if w.granted {
		// The slot was handed over concurrently with the context ending.
		// Take it and give it back right away so accounting stays consistent.
		q.mu.Unlock()
		q.release()
	} else {
		q.waiters.Remove(elem)
		q.mu.Unlock()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &QueueFullError{Backlogged: true}
	}
	return nil, ctx.Err()
}

// Stats returns a snapshot of the current queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		ActiveCount:    q.active,
		QueueLength:    q.waiters.Len(),
		MaxConcurrent:  q.maxConcurrent,
		MaxQueueLength: q.maxQueueLen,
	}
}

func (q *Queue) releaseOnce() ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(q.release)
	}
}

// release frees a slot. If any caller is waiting, the slot is handed over to
// the longest-waiting one instead of being returned to the pool, so no later
// arrival can overtake it.
func (q *Queue) release() {
	q.mu.Lock()
	if elem := q.waiters.Front(); elem != nil {
		q.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		w.granted = true
		close(w.ready)
		q.mu.Unlock()
		return
	}
	q.active--
	q.mu.Unlock()
}
