// Package lane runs work in per-key FIFO lanes under a global concurrency
// limit. Items sharing a key are processed one at a time in arrival order;
// items on different keys run in parallel up to the limit.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLaneSize is the buffer of each lane when none is configured.
const DefaultLaneSize = 100

var (
	ErrQueueFull    = errors.New("lane: queue full")
	ErrNotStarted   = errors.New("lane: queue not started")
	ErrQueueStopped = errors.New("lane: queue stopped")
)

// Processor handles one dequeued item.
type Processor[T any] func(ctx context.Context, item T) error

// Queue manages per-key lanes with a global concurrency semaphore.
type Queue[T any] struct {
	name      string
	laneSize  int
	lanes     map[string]chan T
	semaphore *semaphore.Weighted
	processor Processor[T]
	onError   func(T, error)
	active    atomic.Int64
	pending   atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithLaneSize sets the buffer of each lane.
func WithLaneSize[T any](n int) Option[T] {
	return func(q *Queue[T]) {
		if n > 0 {
			q.laneSize = n
		}
	}
}

// WithErrorHandler is called after the processor returns an error.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(q *Queue[T]) { q.onError = fn }
}

// New creates a Queue that allows up to maxConcurrent items to be processed
// simultaneously across all lanes. name only labels log lines.
func New[T any](name string, maxConcurrent int64, processor Processor[T], opts ...Option[T]) *Queue[T] {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	q := &Queue[T]{
		name:      name,
		laneSize:  DefaultLaneSize,
		lanes:     make(map[string]chan T),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		processor: processor,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue[T]) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish. Items still buffered are dropped.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds item to the lane for key, creating the lane (and its
// goroutine) on first use. Returns ErrQueueFull if the lane's buffer is full.
func (q *Queue[T]) Enqueue(key string, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil {
		return ErrNotStarted
	}
	if q.stopped {
		return ErrQueueStopped
	}

	lane, exists := q.lanes[key]
	if !exists {
		lane = make(chan T, q.laneSize)
		q.lanes[key] = lane
		q.wg.Add(1)
		go q.processLane(key, lane)
	}

	q.pending.Add(1)
	select {
	case lane <- item:
		return nil
	default:
		q.pending.Add(-1)
		return fmt.Errorf("%w: %s lane %s", ErrQueueFull, q.name, key)
	}
}

// processLane drains a single lane, acquiring a semaphore slot before running
// the processor synchronously.
func (q *Queue[T]) processLane(key string, lane chan T) {
	defer q.wg.Done()
	for {
		select {
		case item, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.pending.Add(-1)
				return
			}
			q.active.Add(1)
			q.pending.Add(-1)
			if q.processor != nil {
				if err := q.processor(q.ctx, item); err != nil {
					slog.Error("lane item failed", "queue", q.name, "lane", key, "error", err)
					if q.onError != nil {
						q.onError(item, err)
					}
				}
			}
			q.active.Add(-1)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

// Active returns the number of items currently being processed.
func (q *Queue[T]) Active() int64 {
	return q.active.Load()
}

// WaitIdle blocks until nothing is buffered or being processed, or the
// timeout expires. Returns true if idle, false if timed out.
func (q *Queue[T]) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 && q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
